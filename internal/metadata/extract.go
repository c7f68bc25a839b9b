package metadata

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/mknote"
	"github.com/rwcarlsen/goexif/tiff"

	"imgecho/internal/geo"
)

var (
	// ErrExtractorUnavailable is returned when no tag source could be read at
	// all. Callers leave the record blank and let the user fill it in.
	ErrExtractorUnavailable = errors.New("metadata extractor unavailable")
	// ErrNoTags means the image carries no embedded EXIF or IPTC data.
	ErrNoTags = errors.New("no embedded metadata")
)

func init() {
	exif.RegisterParsers(mknote.All...)
}

// Tags is the tag lookup produced by extraction. Values are strings, numbers
// or slices of numbers depending on the tag's stored format.
type Tags = geo.Tags

// Source yields tags for an image path.
type Source interface {
	Lookup(path string) (Tags, error)
}

// Extractor reads EXIF (including maker notes) and JPEG IPTC tags.
type Extractor struct {
	// Fallback is consulted when the file carries no embedded tags.
	Fallback Source
}

// NewExtractor returns an Extractor with an optional fallback source.
func NewExtractor(fallback Source) *Extractor {
	return &Extractor{Fallback: fallback}
}

// ExtractFile opens path and extracts its tags.
func (e *Extractor) ExtractFile(path string) (Tags, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return e.ExtractData(path, data)
}

// ExtractData extracts tags from data already read from path. path is only
// used for the fallback lookup.
func (e *Extractor) ExtractData(path string, data []byte) (Tags, error) {
	tags, err := e.Extract(data)
	if errors.Is(err, ErrNoTags) && e != nil && e.Fallback != nil {
		fb, fbErr := e.Fallback.Lookup(path)
		if fbErr != nil {
			return tags, fmt.Errorf("%w: %v", ErrExtractorUnavailable, fbErr)
		}
		return fb, nil
	}
	return tags, err
}

// Extract decodes tags from an in-memory image.
func (e *Extractor) Extract(data []byte) (Tags, error) {
	tags := Tags{}

	x, err := exif.Decode(bytes.NewReader(data))
	if err == nil || (x != nil && !exif.IsCriticalError(err)) {
		_ = x.Walk(tagWalker{tags: tags})
	}

	if seg := jpegSegment(bytes.NewReader(data), app13Marker, photoshopPrefix); seg != nil {
		parseIPTC(seg, tags)
	}

	if len(tags) == 0 {
		return tags, ErrNoTags
	}
	return tags, nil
}

// FromTags builds a Record from extracted tags. Notes are left blank.
func FromTags(tags geo.TagLookup) Record {
	var r Record
	r.Camera = firstText(tags, "Model", "CameraModelName")
	r.Lens = firstText(tags, "LensModel", "LensType", "LensInfo")
	r.Location = geo.BuildLocationString(tags)
	r.ISO = firstText(tags, "ISOSpeedRatings", "ISO")
	if v := firstText(tags, "FNumber"); v != "" {
		r.Aperture = "f/" + v
	}
	if v, ok := tags.Tag("ExposureTime"); ok {
		if f, ok := number(v); ok {
			r.Shutter = FormatExposureTime(f)
		}
	}
	r.Copyright = firstText(tags, "Copyright", "CopyrightNotice")
	return r
}

// Orientation returns the EXIF orientation (1-8), or 1 when absent.
func Orientation(tags geo.TagLookup) int {
	if v, ok := tags.Tag("Orientation"); ok {
		if f, ok := number(v); ok && f >= 1 && f <= 8 {
			return int(f)
		}
	}
	return 1
}

// FormatExposureTime renders seconds as "2s" or "1/125s".
func FormatExposureTime(t float64) string {
	if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
		return ""
	}
	if t >= 1 {
		return formatNumber(t) + "s"
	}
	return fmt.Sprintf("1/%ds", int64(math.Round(1/t)))
}

type tagWalker struct {
	tags Tags
}

func (w tagWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	if v, ok := tagValue(tag); ok {
		w.tags[string(name)] = v
	}
	return nil
}

func tagValue(tag *tiff.Tag) (any, bool) {
	switch tag.Format() {
	case tiff.StringVal:
		s, err := tag.StringVal()
		if err != nil {
			return nil, false
		}
		return strings.TrimSpace(strings.TrimRight(s, "\x00")), true
	case tiff.RatVal:
		vals := make([]float64, 0, tag.Count)
		for i := 0; i < int(tag.Count); i++ {
			num, den, err := tag.Rat2(i)
			if err != nil || den == 0 {
				return nil, false
			}
			vals = append(vals, float64(num)/float64(den))
		}
		return collapse(vals), len(vals) > 0
	case tiff.IntVal:
		vals := make([]float64, 0, tag.Count)
		for i := 0; i < int(tag.Count); i++ {
			v, err := tag.Int64(i)
			if err != nil {
				return nil, false
			}
			vals = append(vals, float64(v))
		}
		return collapse(vals), len(vals) > 0
	case tiff.FloatVal:
		vals := make([]float64, 0, tag.Count)
		for i := 0; i < int(tag.Count); i++ {
			v, err := tag.Float(i)
			if err != nil {
				return nil, false
			}
			vals = append(vals, v)
		}
		return collapse(vals), len(vals) > 0
	}
	return nil, false
}

func collapse(vals []float64) any {
	if len(vals) == 1 {
		return vals[0]
	}
	return vals
}

func firstText(tags geo.TagLookup, names ...string) string {
	for _, name := range names {
		v, ok := tags.Tag(name)
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = formatNumber(t)
		case []float64:
			parts := make([]string, len(t))
			for i, f := range t {
				parts[i] = formatNumber(f)
			}
			s = strings.Join(parts, " ")
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case []float64:
		if len(t) > 0 {
			return t[0], true
		}
	case int:
		return float64(t), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, true
		}
		if num, den, ok := strings.Cut(t, "/"); ok {
			n, err1 := strconv.ParseFloat(strings.TrimSpace(num), 64)
			d, err2 := strconv.ParseFloat(strings.TrimSpace(den), 64)
			if err1 == nil && err2 == nil && d != 0 {
				return n / d, true
			}
		}
	}
	return 0, false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
