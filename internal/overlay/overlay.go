// Package overlay lays out annotation text and draws it over an image on an
// injected raster surface. The same routine serves previews and exports, so
// two surfaces of equal size receive identical draw calls.
package overlay

import (
	"image"
	"image/color"
	"math"
	"strings"

	"imgecho/internal/metadata"
)

// Layout constants.
const (
	MinFontSize      = 12.0
	LineHeightFactor = 1.8
	MinMargin        = 25.0
	MarginFactor     = 1.2
	SeparatorWidth   = 15
	Separator        = "─"
)

// Font is the face requested from a surface.
type Font struct {
	Family string
	Weight string
	Size   float64
}

// Shadow describes the drop shadow applied to filled text.
type Shadow struct {
	Color   color.Color
	Blur    float64
	OffsetX float64
	OffsetY float64
}

// TextShadow keeps white text legible on bright backgrounds.
var TextShadow = Shadow{
	Color:   color.NRGBA{R: 0, G: 0, B: 0, A: 128},
	Blur:    4,
	OffsetX: 1,
	OffsetY: 1,
}

// TextAlign and TextBaseline mirror the usual 2D context settings.
type (
	TextAlign    string
	TextBaseline string
)

const (
	AlignLeft      TextAlign    = "left"
	BaselineMiddle TextBaseline = "middle"
)

// Measurer measures text in the currently selected font.
type Measurer interface {
	SetFont(f Font)
	MeasureText(text string) float64
}

// Surface is a 2D drawing target. Save and Restore scope the filter, alpha,
// fill, shadow and text alignment state.
type Surface interface {
	Measurer
	Size() (w, h int)
	Clear(w, h int)
	DrawImage(img image.Image, w, h int)
	SetFilterBlur(radius float64)
	SetAlpha(a float64)
	SetShadow(s Shadow)
	SetFill(c color.Color)
	SetTextAlign(a TextAlign, b TextBaseline)
	FillText(text string, x, y float64)
	Save()
	Restore()
}

// Point is a position on the surface in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Block is the measured text block.
type Block struct {
	Lines      []string  `json:"lines"`
	Widths     []float64 `json:"widths"`
	MaxWidth   float64   `json:"max_width"`
	LineHeight float64   `json:"line_height"`
	Height     float64   `json:"height"`
}

// Placement is the result of laying out a record on a frame.
type Placement struct {
	FontSize float64 `json:"font_size"`
	Margin   float64 `json:"margin"`
	Anchor   Anchor  `json:"anchor"`
	Origin   Point   `json:"origin"`
	Block    Block   `json:"block"`
}

// Empty reports whether there is no text to draw.
func (p Placement) Empty() bool {
	return len(p.Block.Lines) == 0
}

// FontSize returns the effective pixel size for a frame of height h.
func FontSize(h int, percent float64) float64 {
	return math.Max(MinFontSize, float64(h)*percent/100)
}

// Margin returns the distance kept from the frame edge.
func Margin(fontSize float64) float64 {
	return math.Max(MinMargin, fontSize*MarginFactor)
}

// BuildLines produces the overlay lines for rec in canonical field order,
// followed by a separator and the notes.
func BuildLines(rec metadata.Record, mode DisplayMode, labels metadata.Labels) []string {
	var lines []string
	for _, f := range metadata.Order {
		v := rec.Get(f)
		if strings.TrimSpace(v) == "" {
			continue
		}
		if mode == ModeFull {
			lines = append(lines, labels.Field(f)+": "+v)
		} else {
			lines = append(lines, v)
		}
	}

	notes := strings.TrimSpace(rec.Notes)
	if notes != "" {
		if len(lines) > 0 {
			lines = append(lines, strings.Repeat(Separator, SeparatorWidth))
		}
		lines = append(lines, strings.Split(notes, "\n")...)
	}
	return lines
}

// ResolveAnchor returns the top-left start of a block of the given size.
// Unrecognised anchors resolve like TopLeft.
func ResolveAnchor(a Anchor, w, h int, margin, blockW, blockH float64) Point {
	fw, fh := float64(w), float64(h)
	switch a {
	case TopRight:
		return Point{X: fw - margin - blockW, Y: margin}
	case BottomLeft:
		return Point{X: margin, Y: fh - margin - blockH}
	case BottomRight:
		return Point{X: fw - margin - blockW, Y: fh - margin - blockH}
	case Center:
		return Point{X: (fw - blockW) / 2, Y: (fh - blockH) / 2}
	default:
		return Point{X: margin, Y: margin}
	}
}

// Layout computes the placement of rec on a w×h frame. m is switched to the
// style's font before measuring.
func Layout(w, h int, rec metadata.Record, style Style, labels metadata.Labels, m Measurer) Placement {
	style = style.Normalize()
	size := FontSize(h, style.FontSizePercent)
	p := Placement{
		FontSize: size,
		Margin:   Margin(size),
		Anchor:   style.Anchor,
		Block:    Block{LineHeight: size * LineHeightFactor},
	}

	lines := BuildLines(rec, style.Mode, labels)
	if len(lines) == 0 {
		return p
	}

	m.SetFont(Font{Family: style.FontFamily, Weight: style.FontWeight, Size: size})
	p.Block.Lines = lines
	p.Block.Widths = make([]float64, len(lines))
	for i, line := range lines {
		lw := m.MeasureText(line)
		p.Block.Widths[i] = lw
		p.Block.MaxWidth = math.Max(p.Block.MaxWidth, lw)
	}
	p.Block.Height = float64(len(lines)) * p.Block.LineHeight
	p.Origin = ResolveAnchor(style.Anchor, w, h, p.Margin, p.Block.MaxWidth, p.Block.Height)
	return p
}

// Render draws img and the overlay for rec onto s and returns the placement
// used. The frame takes img's natural size; a nil img keeps the surface size
// and skips the background draw.
func Render(s Surface, img image.Image, rec metadata.Record, style Style, labels metadata.Labels) Placement {
	style = style.Normalize()

	w, h := s.Size()
	if img != nil {
		b := img.Bounds()
		w, h = b.Dx(), b.Dy()
	}
	s.Clear(w, h)

	if img != nil {
		s.Save()
		s.SetFilterBlur(style.Blur * 2)
		s.DrawImage(img, w, h)
		s.Restore()
	}
	s.SetFilterBlur(0)
	s.SetAlpha(1)
	s.SetShadow(Shadow{})

	p := Layout(w, h, rec, style, labels, s)
	if p.Empty() {
		return p
	}

	s.Save()
	s.SetFilterBlur(0)
	s.SetAlpha(1)
	s.SetFill(color.White)
	s.SetShadow(TextShadow)
	s.SetTextAlign(AlignLeft, BaselineMiddle)
	for i, line := range p.Block.Lines {
		s.FillText(line, p.Origin.X, p.Origin.Y+float64(i)*p.Block.LineHeight)
	}
	s.Restore()
	return p
}
