// Package suggest derives a starting crop rectangle from image content.
package suggest

import (
	"image"
	"image/draw"

	"github.com/niopeng/cropsy/geom"
)

// DefaultAlphaThreshold is the alpha at or above which a pixel counts as solid.
const DefaultAlphaThreshold = 16

func toNRGBA(img image.Image) *image.NRGBA {
	if src, ok := img.(*image.NRGBA); ok {
		return src
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Bounds returns the tight box around every pixel whose alpha is at least
// threshold, relative to the image origin. ok is false when no pixel is solid.
func Bounds(img image.Image, threshold uint8) (r geom.Rect, ok bool) {
	src := toNRGBA(img)
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	minX, minY := w, h
	maxX, maxY := -1, -1
	for y := 0; y < h; y++ {
		row := y * src.Stride
		for x := 0; x < w; x++ {
			if src.Pix[row+4*x+3] < threshold {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < 0 {
		return geom.Rect{}, false
	}
	return geom.Rect{
		X:      float64(minX),
		Y:      float64(minY),
		Width:  float64(maxX - minX + 1),
		Height: float64(maxY - minY + 1),
	}, true
}

// Rect is Bounds falling back to geom.Default for fully transparent images.
func Rect(img image.Image, threshold uint8) geom.Rect {
	if r, ok := Bounds(img, threshold); ok {
		return r
	}
	b := img.Bounds()
	return geom.Default(b.Dx(), b.Dy())
}

// Pad grows r by pad pixels on every side without leaving the image.
func Pad(r geom.Rect, pad float64, imgW, imgH int) geom.Rect {
	x0 := max(0, r.X-pad)
	y0 := max(0, r.Y-pad)
	x1 := min(float64(imgW), r.X+r.Width+pad)
	y1 := min(float64(imgH), r.Y+r.Height+pad)
	return geom.Clamp(geom.Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}, imgW, imgH)
}
