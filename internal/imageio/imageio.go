// Package imageio decodes source images and applies their EXIF orientation.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/ftrvxmtrx/tga"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

var (
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("image exceeds size limit")
	// ErrUnknownFormat is returned when no decoder accepts the data.
	ErrUnknownFormat = errors.New("unknown image format")
)

type decoder struct {
	name   string
	magic  string
	decode func(io.Reader) (image.Image, error)
}

// Formats are matched by magic bytes rather than through image.Decode: the
// tga package registers itself with an empty magic that matches any input.
// '?' matches any byte.
var decoders = []decoder{
	{"jpeg", "\xff\xd8", jpeg.Decode},
	{"png", "\x89PNG\r\n\x1a\n", png.Decode},
	{"gif", "GIF8", gif.Decode},
	{"webp", "RIFF????WEBPVP8", webp.Decode},
	{"bmp", "BM", bmp.Decode},
	{"tiff", "II*\x00", tiff.Decode},
	{"tiff", "MM\x00*", tiff.Decode},
}

// Source is a decoded image together with the bytes it came from.
type Source struct {
	Path   string
	Format string
	Data   []byte
	Image  image.Image
}

// Width returns the natural width.
func (s *Source) Width() int { return s.Image.Bounds().Dx() }

// Height returns the natural height.
func (s *Source) Height() int { return s.Image.Bounds().Dy() }

// Load reads and decodes path.
func Load(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var src *Source
	if strings.EqualFold(filepath.Ext(path), ".tga") {
		src, err = decodeTGA(data)
	} else {
		src, err = Decode(data)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	src.Path = path
	return src, nil
}

// Decode decodes data, picking the decoder by its magic bytes. Data no
// other decoder claims is tried as TGA, which has no signature.
func Decode(data []byte) (*Source, error) {
	for _, d := range decoders {
		if !match(d.magic, data) {
			continue
		}
		img, err := d.decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
		return &Source{Format: d.name, Data: data, Image: img}, nil
	}
	src, err := decodeTGA(data)
	if err != nil {
		return nil, ErrUnknownFormat
	}
	return src, nil
}

func decodeTGA(data []byte) (*Source, error) {
	img, err := tga.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("tga: %w", err)
	}
	return &Source{Format: "tga", Data: data, Image: img}, nil
}

func match(magic string, b []byte) bool {
	if len(magic) > len(b) {
		return false
	}
	for i := 0; i < len(magic); i++ {
		if magic[i] != '?' && magic[i] != b[i] {
			return false
		}
	}
	return true
}

// ReadAllLimited reads at most limit bytes from r.
func ReadAllLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, limit)
	}
	return data, nil
}

// Orient returns img transformed according to an EXIF orientation value
// (1-8). Other values return img unchanged.
func Orient(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	}
	return img
}
