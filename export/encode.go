package export

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/png"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/ericpauley/go-quantize/quantize"
)

var ErrUnsupportedFormat = errors.New("unsupported output format")

// Format is the encoding every crop of an export is written in.
type Format string

const (
	JPEG Format = "jpeg"
	PNG  Format = "png"
	GIF  Format = "gif"
)

const (
	DefaultQuality = 92
	gifColors      = 256
)

// ParseFormat accepts jpeg, jpg, png and gif in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jpeg", "jpg":
		return JPEG, nil
	case "png":
		return PNG, nil
	case "gif":
		return GIF, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnsupportedFormat)
	}
}

// ContentType is the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case PNG:
		return "image/png"
	case GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func encode(w io.Writer, img image.Image, f Format, quality int) error {
	switch f {
	case JPEG:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case PNG:
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	case GIF:
		return gif.Encode(w, toPaletted(img), nil)
	default:
		return fmt.Errorf("%q: %w", f, ErrUnsupportedFormat)
	}
}

// toPaletted quantizes img with a median cut palette. Index 0 is reserved
// for full transparency.
func toPaletted(img image.Image) *image.Paletted {
	q := quantize.MedianCutQuantizer{}
	raw := q.Quantize(make([]color.Color, 0, gifColors-1), img)

	pal := color.Palette{color.RGBA{0, 0, 0, 0}}
	for _, c := range raw {
		if len(pal) >= gifColors {
			break
		}
		pal = append(pal, c)
	}

	b := img.Bounds()
	dst := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), pal)
	draw.FloydSteinberg.Draw(dst, dst.Bounds(), img, b.Min)
	return dst
}
