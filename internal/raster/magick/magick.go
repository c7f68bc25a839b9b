//go:build imagick

// Package magick provides an overlay.Surface backed by ImageMagick wands. It
// is only built with the imagick tag because it needs the MagickWand C
// library.
package magick

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"imgecho/internal/metadata"
	"imgecho/internal/overlay"
)

// Available reports whether this build carries the ImageMagick surface.
const Available = true

// ErrUnavailable is never returned by this build.
var ErrUnavailable = errors.New("imagick backend not compiled in (build with -tags imagick)")

var initOnce sync.Once

type state struct {
	blur     float64
	alpha    float64
	shadow   overlay.Shadow
	fill     color.Color
	align    overlay.TextAlign
	baseline overlay.TextBaseline
}

// Surface draws through a MagickWand. Call Destroy when done.
type Surface struct {
	mw    *imagick.MagickWand
	dw    *imagick.DrawingWand
	font  overlay.Font
	cur   state
	stack []state
}

// New returns an empty surface. ImageMagick is initialised on first use and
// stays initialised for the life of the process.
func New() *Surface {
	initOnce.Do(imagick.Initialize)
	s := &Surface{
		mw:  imagick.NewMagickWand(),
		dw:  imagick.NewDrawingWand(),
		cur: state{alpha: 1, fill: color.Black},
	}
	s.Clear(1, 1)
	return s
}

// Destroy releases the wands.
func (s *Surface) Destroy() {
	s.dw.Destroy()
	s.mw.Destroy()
}

func (s *Surface) Size() (int, int) {
	return int(s.mw.GetImageWidth()), int(s.mw.GetImageHeight())
}

func (s *Surface) Clear(w, h int) {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	pw := imagick.NewPixelWand()
	defer pw.Destroy()
	pw.SetColor("transparent")
	s.mw.Clear()
	_ = s.mw.NewImage(uint(w), uint(h), pw)
}

func (s *Surface) DrawImage(img image.Image, w, h int) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return
	}
	src := imagick.NewMagickWand()
	defer src.Destroy()
	if err := src.ReadImageBlob(buf.Bytes()); err != nil {
		return
	}
	_ = src.ResizeImage(uint(w), uint(h), imagick.FILTER_CATROM)
	if s.cur.blur > 0 {
		_ = src.GaussianBlurImage(0, s.cur.blur)
	}
	if s.cur.alpha < 1 {
		prev := src.SetImageChannelMask(imagick.CHANNEL_ALPHA)
		_ = src.EvaluateImage(imagick.EVAL_OP_MULTIPLY, s.cur.alpha)
		src.SetImageChannelMask(prev)
	}
	_ = s.mw.CompositeImage(src, imagick.COMPOSITE_OP_OVER, true, 0, 0)
}

func (s *Surface) SetFilterBlur(radius float64) { s.cur.blur = radius }
func (s *Surface) SetAlpha(a float64)           { s.cur.alpha = a }
func (s *Surface) SetShadow(sh overlay.Shadow)  { s.cur.shadow = sh }
func (s *Surface) SetFill(c color.Color)        { s.cur.fill = c }

func (s *Surface) SetTextAlign(a overlay.TextAlign, b overlay.TextBaseline) {
	s.cur.align, s.cur.baseline = a, b
}

func (s *Surface) Save() { s.stack = append(s.stack, s.cur) }

func (s *Surface) Restore() {
	if n := len(s.stack); n > 0 {
		s.cur = s.stack[n-1]
		s.stack = s.stack[:n-1]
	}
}

func (s *Surface) SetFont(f overlay.Font) {
	s.font = f
	_ = s.dw.SetFontFamily(f.Family)
	s.dw.SetFontSize(f.Size)
	if f.Weight == "bold" {
		s.dw.SetFontWeight(700)
	} else {
		s.dw.SetFontWeight(400)
	}
}

func (s *Surface) MeasureText(text string) float64 {
	m := s.mw.QueryFontMetrics(s.dw, text)
	if m == nil {
		return 0
	}
	return m.TextWidth
}

func (s *Surface) FillText(text string, x, y float64) {
	m := s.mw.QueryFontMetrics(s.dw, text)
	baseY := y
	if m != nil && s.cur.baseline == overlay.BaselineMiddle {
		baseY = y + (m.Ascender+m.Descender)/2
	}

	if sh := s.cur.shadow; sh.Color != nil {
		s.annotate(text, x+sh.OffsetX, baseY+sh.OffsetY, sh.Color, sh.Blur/2)
	}
	s.annotate(text, x, baseY, s.cur.fill, 0)
}

func (s *Surface) annotate(text string, x, y float64, c color.Color, sigma float64) {
	pw := imagick.NewPixelWand()
	defer pw.Destroy()
	pw.SetColor(rgba(c, s.cur.alpha))

	if sigma <= 0 {
		dw := s.dw.Clone()
		defer dw.Destroy()
		dw.SetFillColor(pw)
		dw.Annotation(x, y, text)
		_ = s.mw.DrawImage(dw)
		return
	}

	w, h := s.Size()
	layer := imagick.NewMagickWand()
	defer layer.Destroy()
	clearPW := imagick.NewPixelWand()
	defer clearPW.Destroy()
	clearPW.SetColor("transparent")
	_ = layer.NewImage(uint(w), uint(h), clearPW)

	dw := s.dw.Clone()
	defer dw.Destroy()
	dw.SetFillColor(pw)
	dw.Annotation(x, y, text)
	_ = layer.DrawImage(dw)
	_ = layer.GaussianBlurImage(0, sigma)
	_ = s.mw.CompositeImage(layer, imagick.COMPOSITE_OP_OVER, true, 0, 0)
}

// Image exports the surface as an RGBA image.
func (s *Surface) Image() (image.Image, error) {
	if err := s.mw.SetImageFormat("PNG"); err != nil {
		return nil, fmt.Errorf("set format: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(s.mw.GetImageBlob()))
	if err != nil {
		return nil, fmt.Errorf("decode magick output: %w", err)
	}
	return img, nil
}

func rgba(c color.Color, alpha float64) string {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return fmt.Sprintf("rgba(%d,%d,%d,%.3f)", n.R, n.G, n.B, float64(n.A)/255*alpha)
}

// RenderFrame draws img with the overlay on a fresh surface.
func RenderFrame(img image.Image, rec metadata.Record, style overlay.Style, labels metadata.Labels) (image.Image, overlay.Placement, error) {
	s := New()
	defer s.Destroy()
	p := overlay.Render(s, img, rec, style, labels)
	out, err := s.Image()
	if err != nil {
		return nil, p, err
	}
	return out, p, nil
}

var _ overlay.Surface = (*Surface)(nil)
