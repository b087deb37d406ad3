package export

import (
	"image"
	"image/draw"
)

// canvas is the one drawing surface an export reuses for every file. Its
// backing slice only grows, so a folder of same-sized crops allocates once.
type canvas struct {
	img *image.NRGBA
}

// resize makes the canvas exactly w x h, reusing the pixel buffer when it
// is large enough.
func (c *canvas) resize(w, h int) *image.NRGBA {
	needed := w * h * 4
	if c.img == nil || cap(c.img.Pix) < needed {
		c.img = &image.NRGBA{Pix: make([]byte, needed)}
	}
	c.img.Pix = c.img.Pix[:needed]
	c.img.Stride = w * 4
	c.img.Rect = image.Rect(0, 0, w, h)
	return c.img
}

// render copies region r of src onto the canvas. r is relative to the
// image origin, not to src.Bounds().Min.
func (c *canvas) render(src image.Image, r image.Rectangle) *image.NRGBA {
	b := src.Bounds()
	r = r.Add(b.Min).Intersect(b)
	dst := c.resize(r.Dx(), r.Dy())
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}
