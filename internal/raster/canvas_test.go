package raster

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgecho/internal/fonts"
	"imgecho/internal/metadata"
	"imgecho/internal/overlay"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func newTestCanvas() *Canvas {
	return NewCanvas(fonts.NewRegistry(nil, nil), nil)
}

func TestGaussianKeepsUniformImage(t *testing.T) {
	img := solid(20, 10, color.RGBA{R: 40, G: 80, B: 120, A: 255})
	out := gaussian(img, 3)
	require.Equal(t, img.Bounds(), out.Bounds())
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			require.Equal(t, color.RGBA{R: 40, G: 80, B: 120, A: 255}, color.RGBAModel.Convert(out.At(x, y)))
		}
	}
	assert.Same(t, img, gaussian(img, 0).(*image.RGBA), "zero sigma leaves the image alone")
}

func TestGaussianSpreadsPoint(t *testing.T) {
	mask := image.NewAlpha(image.Rect(0, 0, 21, 21))
	mask.SetAlpha(10, 10, color.Alpha{A: 255})
	out := gaussian(mask, 2)
	alpha := func(x, y int) uint32 {
		_, _, _, a := out.At(x, y).RGBA()
		return a
	}
	assert.Less(t, alpha(10, 10), uint32(0xffff))
	assert.Greater(t, alpha(11, 10), uint32(0))
	assert.Equal(t, alpha(9, 10), alpha(11, 10))
	assert.Zero(t, alpha(0, 0))
}

func TestDrawImageBlursBackground(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 10; x < 20; x++ {
			src.Set(x, y, color.White)
		}
	}
	for x := 0; x < 10; x++ {
		for y := 0; y < 20; y++ {
			src.Set(x, y, color.Black)
		}
	}

	sharp := newTestCanvas()
	sharp.Clear(20, 20)
	sharp.DrawImage(src, 20, 20)
	assert.Equal(t, uint8(0), sharp.Image().RGBAAt(9, 10).R)

	soft := newTestCanvas()
	soft.Clear(20, 20)
	soft.SetFilterBlur(2)
	soft.DrawImage(src, 20, 20)
	edge := soft.Image().RGBAAt(9, 10)
	assert.Greater(t, edge.R, uint8(0))
	assert.Less(t, edge.R, uint8(255))
	assert.Equal(t, uint8(255), edge.A)
}

func TestRenderDrawsTextInsideBlock(t *testing.T) {
	c := newTestCanvas()
	defer c.Close()

	src := solid(400, 300, color.RGBA{R: 20, G: 20, B: 20, A: 255})
	style := overlay.DefaultStyle()
	style.Anchor = overlay.TopLeft
	style.FontSizePercent = 8

	p := overlay.Render(c, src, metadata.Record{Camera: "EOS R5"}, style, metadata.LabelsFor("en"))
	require.False(t, p.Empty())
	assert.Equal(t, 400, c.Image().Bounds().Dx())

	bright := 0
	minX := int(p.Origin.X)
	maxX := int(p.Origin.X + p.Block.MaxWidth)
	minY := int(p.Origin.Y - p.Block.LineHeight/2)
	maxY := int(p.Origin.Y + p.Block.Height)
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			r, _, _, _ := c.Image().At(x, y).RGBA()
			if r>>8 > 200 {
				bright++
				assert.True(t, x >= minX-2 && x <= maxX+2 && y >= minY && y <= maxY,
					"text pixel (%d,%d) outside block", x, y)
			}
		}
	}
	assert.Greater(t, bright, 20)
}

func TestRenderEmptyLeavesBackground(t *testing.T) {
	c := newTestCanvas()
	src := solid(50, 40, color.RGBA{R: 10, G: 200, B: 30, A: 255})

	overlay.Render(c, src, metadata.Record{}, overlay.DefaultStyle(), metadata.LabelsFor("en"))
	assert.Equal(t, src.Pix, c.Image().Pix)
}

func TestRenderParityAcrossCanvases(t *testing.T) {
	src := solid(320, 240, color.RGBA{R: 90, G: 60, B: 30, A: 255})
	rec := metadata.Sample(metadata.LabelsFor("zh-CN"))
	rec.Notes = "line one\nline two"
	style := overlay.DefaultStyle()
	style.Blur = 1
	style.Anchor = overlay.BottomRight

	a, b := newTestCanvas(), newTestCanvas()
	pa := overlay.Render(a, src, rec, style, metadata.LabelsFor("zh-CN"))
	pb := overlay.Render(b, src, rec, style, metadata.LabelsFor("zh-CN"))

	assert.Equal(t, pa, pb)
	assert.Equal(t, a.Image().Pix, b.Image().Pix)
}

func TestDrawImageScales(t *testing.T) {
	c := newTestCanvas()
	c.Clear(40, 20)
	c.DrawImage(solid(10, 5, color.RGBA{R: 255, A: 255}), 40, 20)
	r, g, _, a := c.Image().At(39, 19).RGBA()
	assert.Equal(t, uint32(0xff), a>>8)
	assert.Equal(t, uint32(0xff), r>>8)
	assert.Equal(t, uint32(0), g>>8)
}

func TestSaveRestore(t *testing.T) {
	c := newTestCanvas()
	c.SetAlpha(0.5)
	c.Save()
	c.SetAlpha(1)
	c.SetFilterBlur(4)
	c.Restore()
	assert.Equal(t, 0.5, c.cur.alpha)
	assert.Equal(t, 0.0, c.cur.blur)

	c.Restore()
	assert.Equal(t, 0.5, c.cur.alpha)
}

func TestSetFontFallback(t *testing.T) {
	reg := fonts.NewRegistry(nil, nil)
	c := NewCanvas(reg, nil)
	c.SetFont(overlay.Font{Family: "No Such Family 123", Weight: "bold", Size: 20})
	require.NotNil(t, c.face)
	assert.Greater(t, c.MeasureText("hello"), 0.0)

	_, err := reg.Resolve("No Such Family 123", "bold")
	assert.True(t, errors.Is(err, fonts.ErrFontNotFound))
}
