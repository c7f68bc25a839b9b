// Package raster provides a pure Go overlay.Surface backed by an RGBA image.
package raster

import (
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"math"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
	xfont "golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"imgecho/internal/fonts"
	"imgecho/internal/overlay"
)

type state struct {
	blur     float64
	alpha    float64
	shadow   overlay.Shadow
	fill     color.Color
	align    overlay.TextAlign
	baseline overlay.TextBaseline
}

func defaultState() state {
	return state{
		alpha:    1,
		fill:     color.Black,
		align:    overlay.AlignLeft,
		baseline: overlay.BaselineMiddle,
	}
}

// Canvas draws into an *image.RGBA. It is not safe for concurrent use.
type Canvas struct {
	img    *image.RGBA
	fonts  *fonts.Registry
	log    *slog.Logger
	face   xfont.Face
	font   overlay.Font
	cur    state
	stack  []state
	scaler xdraw.Scaler
}

// NewCanvas returns an empty canvas resolving fonts through reg.
func NewCanvas(reg *fonts.Registry, logger *slog.Logger) *Canvas {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = fonts.NewRegistry(nil, logger)
	}
	return &Canvas{
		img:    image.NewRGBA(image.Rect(0, 0, 0, 0)),
		fonts:  reg,
		log:    logger,
		cur:    defaultState(),
		scaler: xdraw.CatmullRom,
	}
}

// UseFastScaling switches to bilinear resampling for interactive previews.
func (c *Canvas) UseFastScaling() {
	c.scaler = xdraw.ApproxBiLinear
}

// Image returns the backing image.
func (c *Canvas) Image() *image.RGBA { return c.img }

// Size implements overlay.Surface.
func (c *Canvas) Size() (int, int) {
	b := c.img.Bounds()
	return b.Dx(), b.Dy()
}

// Clear implements overlay.Surface. The canvas is resized to w×h and all
// pixels become transparent.
func (c *Canvas) Clear(w, h int) {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	if b := c.img.Bounds(); b.Dx() == w && b.Dy() == h {
		clear(c.img.Pix)
		return
	}
	c.img = image.NewRGBA(image.Rect(0, 0, w, h))
}

// DrawImage implements overlay.Surface.
func (c *Canvas) DrawImage(src image.Image, w, h int) {
	if src == nil || w == 0 || h == 0 {
		return
	}
	layer := image.NewRGBA(image.Rect(0, 0, w, h))
	if sb := src.Bounds(); sb.Dx() == w && sb.Dy() == h {
		draw.Draw(layer, layer.Bounds(), src, sb.Min, draw.Src)
	} else {
		c.scaler.Scale(layer, layer.Bounds(), src, sb, draw.Src, nil)
	}
	c.composite(gaussian(layer, c.cur.blur), image.Point{})
}

func (c *Canvas) composite(layer image.Image, at image.Point) {
	r := layer.Bounds().Add(at)
	if c.cur.alpha >= 1 {
		draw.Draw(c.img, r, layer, layer.Bounds().Min, draw.Over)
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(math.Round(c.cur.alpha * 255))})
	draw.DrawMask(c.img, r, layer, layer.Bounds().Min, mask, image.Point{}, draw.Over)
}

// SetFilterBlur implements overlay.Surface. radius is the gaussian standard
// deviation in pixels.
func (c *Canvas) SetFilterBlur(radius float64) { c.cur.blur = math.Max(0, radius) }

// SetAlpha implements overlay.Surface.
func (c *Canvas) SetAlpha(a float64) { c.cur.alpha = math.Max(0, math.Min(1, a)) }

// SetShadow implements overlay.Surface.
func (c *Canvas) SetShadow(s overlay.Shadow) { c.cur.shadow = s }

// SetFill implements overlay.Surface.
func (c *Canvas) SetFill(col color.Color) { c.cur.fill = col }

// SetTextAlign implements overlay.Surface.
func (c *Canvas) SetTextAlign(a overlay.TextAlign, b overlay.TextBaseline) {
	c.cur.align, c.cur.baseline = a, b
}

// Save implements overlay.Surface.
func (c *Canvas) Save() { c.stack = append(c.stack, c.cur) }

// Restore implements overlay.Surface. Unbalanced calls are ignored.
func (c *Canvas) Restore() {
	if n := len(c.stack); n > 0 {
		c.cur = c.stack[n-1]
		c.stack = c.stack[:n-1]
	}
}

// SetFont implements overlay.Surface. Unknown families fall back to the
// embedded Go fonts.
func (c *Canvas) SetFont(f overlay.Font) {
	if c.face != nil && c.font == f {
		return
	}
	face, err := c.fonts.Face(f.Family, f.Weight, f.Size)
	if face == nil {
		c.log.Error("font face unavailable", "family", f.Family, "error", err)
		return
	}
	if err != nil {
		c.log.Debug("font fallback", "family", f.Family, "weight", f.Weight, "error", err)
	}
	if c.face != nil {
		_ = c.face.Close()
	}
	c.face, c.font = face, f
}

// MeasureText implements overlay.Surface.
func (c *Canvas) MeasureText(text string) float64 {
	if c.face == nil {
		return 0
	}
	return fixedToFloat(xfont.MeasureString(c.face, text))
}

// FillText implements overlay.Surface.
func (c *Canvas) FillText(text string, x, y float64) {
	if c.face == nil || text == "" {
		return
	}
	m := c.face.Metrics()
	ascent, descent := fixedToFloat(m.Ascent), fixedToFloat(m.Descent)
	width := c.MeasureText(text)

	switch c.cur.align {
	case "center":
		x -= width / 2
	case "right", "end":
		x -= width
	}
	baseY := y
	switch c.cur.baseline {
	case overlay.BaselineMiddle:
		baseY = y + (ascent-descent)/2
	case "top":
		baseY = y + ascent
	case "bottom":
		baseY = y - descent
	}

	if sh := c.cur.shadow; sh.Color != nil && !transparent(sh.Color) {
		c.drawShadow(text, x+sh.OffsetX, baseY+sh.OffsetY, width, ascent, descent, sh)
	}

	d := &xfont.Drawer{
		Dst:  c.img,
		Src:  image.NewUniform(withAlpha(c.cur.fill, c.cur.alpha)),
		Face: c.face,
		Dot:  fixed.Point26_6{X: floatToFixed(x), Y: floatToFixed(baseY)},
	}
	d.DrawString(text)
}

func (c *Canvas) drawShadow(text string, x, baseY, width, ascent, descent float64, sh overlay.Shadow) {
	sigma := sh.Blur / 2
	pad := int(math.Ceil(sigma*3)) + 1
	w := int(math.Ceil(width)) + 2*pad
	h := int(math.Ceil(ascent+descent)) + 2*pad
	if w <= 0 || h <= 0 {
		return
	}
	origin := image.Point{X: int(math.Floor(x)) - pad, Y: int(math.Floor(baseY-ascent)) - pad}

	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	d := &xfont.Drawer{
		Dst:  mask,
		Src:  image.Opaque,
		Face: c.face,
		Dot: fixed.Point26_6{
			X: floatToFixed(x - float64(origin.X)),
			Y: floatToFixed(baseY - float64(origin.Y)),
		},
	}
	d.DrawString(text)

	src := image.NewUniform(withAlpha(sh.Color, c.cur.alpha))
	r := mask.Bounds().Add(origin)
	draw.DrawMask(c.img, r, src, image.Point{}, gaussian(mask, sigma), image.Point{}, draw.Over)
}

// gaussian blurs img with standard deviation sigma. The result keeps img's
// size and starts at the origin.
func gaussian(img image.Image, sigma float64) image.Image {
	if sigma <= 0 {
		return img
	}
	return imaging.Blur(img, sigma)
}

// Close releases the current font face.
func (c *Canvas) Close() error {
	if c.face == nil {
		return nil
	}
	err := c.face.Close()
	c.face = nil
	return err
}

func withAlpha(col color.Color, alpha float64) color.Color {
	if col == nil {
		col = color.Black
	}
	if alpha >= 1 {
		return col
	}
	n := color.NRGBAModel.Convert(col).(color.NRGBA)
	n.A = uint8(math.Round(float64(n.A) * alpha))
	return n
}

func transparent(col color.Color) bool {
	_, _, _, a := col.RGBA()
	return a == 0
}

func fixedToFloat(v fixed.Int26_6) float64 { return float64(v) / 64 }

func floatToFixed(v float64) fixed.Int26_6 { return fixed.Int26_6(math.Round(v * 64)) }

var _ overlay.Surface = (*Canvas)(nil)
