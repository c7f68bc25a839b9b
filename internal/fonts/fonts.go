// Package fonts resolves font family and weight tokens to parsed OpenType
// fonts, searching configured directories and the system font paths before
// falling back to the embedded Go fonts.
package fonts

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/flopp/go-findfont"
	xfont "golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
)

// ErrFontNotFound is returned together with a fallback face when no file
// matched the requested family.
var ErrFontNotFound = errors.New("font not found")

// ScalableFont is a parsed font file.
type ScalableFont struct {
	Name     string
	Path     string
	Fallback bool
	SFNT     *opentype.Font
}

// Registry caches parsed fonts keyed by normalized name. It is safe for
// concurrent use; the faces it returns are not.
type Registry struct {
	mu    sync.Mutex
	dirs  []string
	fonts map[string]*ScalableFont
	log   *slog.Logger
	find  func(name string) (string, error)
}

// NewRegistry returns a Registry searching dirs before the system paths.
func NewRegistry(dirs []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dirs:  dirs,
		fonts: make(map[string]*ScalableFont),
		log:   logger,
		find:  findfont.Find,
	}
}

// Face returns a new face for family and weight at size pixels. When no
// matching file exists a fallback face is returned along with an error
// wrapping ErrFontNotFound.
func (r *Registry) Face(family, weight string, size float64) (xfont.Face, error) {
	sf, lookupErr := r.Resolve(family, weight)
	face, err := opentype.NewFace(sf.SFNT, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: xfont.HintingNone,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create face for %s: %w", sf.Name, err)
	}
	return face, lookupErr
}

// Resolve finds the font for family and weight. The returned font is never
// nil; on lookup failure it is one of the embedded Go fonts.
func (r *Registry) Resolve(family, weight string) (*ScalableFont, error) {
	w := ParseWeight(weight)
	families := splitFamilies(family)
	key := NormalizeFontname(strings.Join(families, ","), w)

	r.mu.Lock()
	defer r.mu.Unlock()
	if sf, ok := r.fonts[key]; ok {
		if sf.Fallback {
			return sf, fmt.Errorf("%s: %w", family, ErrFontNotFound)
		}
		return sf, nil
	}

	for _, fam := range families {
		if isGeneric(fam) {
			sf := fallbackFont(fam, w)
			r.fonts[key] = sf
			return sf, nil
		}
		for _, cand := range candidates(fam, w) {
			path, ok := r.locate(cand)
			if !ok {
				continue
			}
			sf, err := LoadOpenTypeFont(path)
			if err != nil {
				r.log.Warn("font file unreadable", "path", path, "error", err)
				continue
			}
			r.log.Debug("font resolved", "family", fam, "weight", weight, "path", path)
			r.fonts[key] = sf
			return sf, nil
		}
	}

	sf := fallbackFont("", w)
	r.log.Info("font not found, using fallback", "family", family, "weight", weight, "fallback", sf.Name)
	r.fonts[key] = sf
	return sf, fmt.Errorf("%s: %w", family, ErrFontNotFound)
}

func (r *Registry) locate(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, dir := range r.dirs {
		var found string
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || found != "" {
				return nil
			}
			base := strings.ToLower(d.Name())
			if base == lower || strings.TrimSuffix(base, filepath.Ext(base)) == lower {
				if isFontFile(base) {
					found = path
					return filepath.SkipAll
				}
			}
			return nil
		})
		if found != "" {
			return found, true
		}
	}
	if r.find == nil {
		return "", false
	}
	for _, ext := range []string{".ttf", ".otf"} {
		if path, err := r.find(name + ext); err == nil && path != "" {
			return path, true
		}
	}
	return "", false
}

// LoadOpenTypeFont reads and parses a font file.
func LoadOpenTypeFont(path string) (*ScalableFont, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sf, err := ParseOpenTypeFont(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	sf.Path = path
	return sf, nil
}

// ParseOpenTypeFont parses font data already in memory.
func ParseOpenTypeFont(data []byte) (*ScalableFont, error) {
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, err
	}
	name, _ := f.Name(nil, sfnt.NameIDFull)
	return &ScalableFont{Name: name, SFNT: f}, nil
}

var (
	fallbackOnce sync.Once
	fallbacks    map[string]*ScalableFont
)

func fallbackFont(family string, w xfont.Weight) *ScalableFont {
	fallbackOnce.Do(func() {
		fallbacks = make(map[string]*ScalableFont)
		for name, data := range map[string][]byte{
			"go-regular":   goregular.TTF,
			"go-bold":      gobold.TTF,
			"go-mono":      gomono.TTF,
			"go-mono-bold": gomonobold.TTF,
		} {
			sf, err := ParseOpenTypeFont(data)
			if err != nil {
				panic(fmt.Sprintf("embedded font %s: %v", name, err))
			}
			sf.Fallback = true
			fallbacks[name] = sf
		}
	})

	name := "go-regular"
	if strings.EqualFold(family, "monospace") {
		name = "go-mono"
	}
	if w >= xfont.WeightSemiBold {
		name += "-bold"
		if name == "go-regular-bold" {
			name = "go-bold"
		}
	}
	return fallbacks[name]
}

// ParseWeight maps CSS style weight tokens ("bold", "600", "lighter") onto
// x/image/font weights.
func ParseWeight(token string) xfont.Weight {
	token = strings.ToLower(strings.TrimSpace(token))
	if n, err := strconv.Atoi(token); err == nil {
		switch {
		case n <= 150:
			return xfont.WeightThin
		case n <= 250:
			return xfont.WeightExtraLight
		case n <= 350:
			return xfont.WeightLight
		case n <= 450:
			return xfont.WeightNormal
		case n <= 550:
			return xfont.WeightMedium
		case n <= 650:
			return xfont.WeightSemiBold
		case n <= 750:
			return xfont.WeightBold
		case n <= 850:
			return xfont.WeightExtraBold
		default:
			return xfont.WeightBlack
		}
	}
	switch token {
	case "thin":
		return xfont.WeightThin
	case "light", "lighter":
		return xfont.WeightLight
	case "medium":
		return xfont.WeightMedium
	case "semibold", "semi-bold", "demibold":
		return xfont.WeightSemiBold
	case "bold", "bolder":
		return xfont.WeightBold
	case "extrabold", "extra-bold", "heavy":
		return xfont.WeightExtraBold
	case "black":
		return xfont.WeightBlack
	}
	return xfont.WeightNormal
}

// NormalizeFontname builds the registry key for a family and weight.
func NormalizeFontname(family string, w xfont.Weight) string {
	name := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(family), " ", "_"))
	switch {
	case w <= xfont.WeightLight:
		name += "-light"
	case w >= xfont.WeightSemiBold:
		name += "-bold"
	}
	return name
}

// candidates lists file base names tried for a family, most specific first.
func candidates(family string, w xfont.Weight) []string {
	compact := strings.ReplaceAll(family, " ", "")
	var suffixes []string
	switch {
	case w >= xfont.WeightSemiBold:
		suffixes = []string{"-Bold", "Bold", "-bd", "bd", "b"}
	case w <= xfont.WeightLight:
		suffixes = []string{"-Light", "Light", "-Regular", ""}
	default:
		suffixes = []string{"-Regular", "", "Regular"}
	}
	var out []string
	seen := map[string]bool{}
	for _, base := range []string{compact, family} {
		for _, suf := range suffixes {
			c := base + suf
			if !seen[strings.ToLower(c)] {
				seen[strings.ToLower(c)] = true
				out = append(out, c)
			}
		}
	}
	return out
}

func splitFamilies(family string) []string {
	var out []string
	for _, part := range strings.Split(family, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		out = []string{"sans-serif"}
	}
	return out
}

func isGeneric(family string) bool {
	switch strings.ToLower(family) {
	case "sans-serif", "serif", "monospace", "system-ui", "go":
		return true
	}
	return false
}

func isFontFile(name string) bool {
	switch filepath.Ext(name) {
	case ".ttf", ".otf":
		return true
	}
	return false
}
