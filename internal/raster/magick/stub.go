//go:build !imagick

// Package magick provides an ImageMagick backed overlay surface when built
// with the imagick tag.
package magick

import (
	"errors"
	"image"

	"imgecho/internal/metadata"
	"imgecho/internal/overlay"
)

// Available reports whether this build carries the ImageMagick surface.
const Available = false

// ErrUnavailable is returned when the binary was built without the imagick tag.
var ErrUnavailable = errors.New("imagick backend not compiled in (build with -tags imagick)")

// RenderFrame always fails in this build.
func RenderFrame(img image.Image, rec metadata.Record, style overlay.Style, labels metadata.Labels) (image.Image, overlay.Placement, error) {
	return nil, overlay.Placement{}, ErrUnavailable
}
