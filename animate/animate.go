// Package animate turns the crops of a folder into one animated GIF. Every
// frame shares a single palette and, after the first, only carries the
// part that changed.
package animate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"io"
	"time"

	"github.com/ericpauley/go-quantize/quantize"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"github.com/niopeng/cropsy/export"
	"github.com/niopeng/cropsy/geom"
	"github.com/niopeng/cropsy/library"
)

var ErrNoFrames = errors.New("animate: no frames")

type Options struct {
	// Delay between frames, stored in GIF centiseconds.
	Delay time.Duration
	// Colors is the palette size including the transparent entry, 2-256.
	Colors int
	// SampleEvery Nth frame contributes to the palette.
	SampleEvery int
	// SampleWidth is the width frames are scaled to before sampling.
	SampleWidth int
	// Loop count, 0 loops forever.
	Loop     int
	NoDither bool
	// NoDiff stores every frame whole instead of trimming it to the
	// region that changed.
	NoDiff bool
}

func DefaultOptions() Options {
	return Options{
		Delay:       200 * time.Millisecond,
		Colors:      64,
		SampleEvery: 3,
		SampleWidth: 320,
	}
}

// Result describes a built animation.
type Result struct {
	Frames int
	Failed []export.FileError
	Rect   geom.Rect
	Size   image.Point
}

type Animator struct {
	opts   Options
	exp    *export.Exporter
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) (*Animator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultOptions()
	opts.Colors = min(max(opts.Colors, 2), 256)
	if opts.SampleEvery < 1 {
		opts.SampleEvery = 1
	}
	if opts.SampleWidth <= 0 {
		opts.SampleWidth = d.SampleWidth
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	exp, err := export.New(export.Options{Format: export.PNG}, logger)
	if err != nil {
		return nil, err
	}
	return &Animator{opts: opts, exp: exp, logger: logger}, nil
}

// Frames crops every image of folder in order. Images that fail are logged
// and skipped. A folder without a rectangle gets the default for its first
// readable image.
func (a *Animator) Frames(ctx context.Context, folder *library.Folder) ([]*image.NRGBA, *Result, error) {
	res := &Result{}
	var rect *geom.Rect
	if folder.Rect != nil {
		r := *folder.Rect
		rect = &r
	}

	frames := make([]*image.NRGBA, 0, len(folder.Images))
	for _, entry := range folder.Images {
		if rect == nil {
			w, h, err := export.Size(entry)
			if err != nil {
				res.Failed = append(res.Failed, export.FileError{Name: entry.Name, Err: err})
				a.logger.Warn("skipping frame", zap.String("file", entry.Name), zap.Error(err))
				continue
			}
			d := geom.Default(w, h)
			rect = &d
		}
		frame, _, err := a.exp.Region(ctx, entry, *rect)
		if ctx.Err() != nil {
			return frames, res, ctx.Err()
		}
		if err != nil {
			res.Failed = append(res.Failed, export.FileError{Name: entry.Name, Err: err})
			a.logger.Warn("skipping frame", zap.String("file", entry.Name), zap.Error(err))
			continue
		}
		frames = append(frames, frame)
	}
	if rect != nil {
		res.Rect = *rect
	}
	res.Frames = len(frames)
	return frames, res, nil
}

// Build crops folder and writes the animation to w.
func (a *Animator) Build(ctx context.Context, folder *library.Folder, w io.Writer) (*Result, error) {
	frames, res, err := a.Frames(ctx, folder)
	if err != nil {
		return res, err
	}
	if len(frames) == 0 {
		return res, ErrNoFrames
	}
	start := time.Now()
	if err := a.Encode(w, frames); err != nil {
		return res, err
	}
	res.Size = frames[0].Bounds().Size()
	a.logger.Info("animation written",
		zap.String("folder", folder.Name),
		zap.Int("frames", res.Frames),
		zap.Int("failed", len(res.Failed)),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// Encode writes frames as a GIF. The first frame sets the canvas size;
// other frames are anchored at the top left and cut or padded to it.
func (a *Animator) Encode(w io.Writer, frames []*image.NRGBA) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	size := frames[0].Bounds().Size()
	pal := palette(frames, a.opts.SampleEvery, a.opts.Colors, a.opts.SampleWidth)
	delay := int(a.opts.Delay / (10 * time.Millisecond))

	g := &gif.GIF{
		Image:     make([]*image.Paletted, 0, len(frames)),
		Delay:     make([]int, 0, len(frames)),
		Disposal:  make([]byte, 0, len(frames)),
		LoopCount: a.opts.Loop,
		Config:    image.Config{ColorModel: pal, Width: size.X, Height: size.Y},
	}

	full := make([]*image.Paletted, len(frames))
	for i, fr := range frames {
		full[i] = toPaletted(fit(fr, size), pal, !a.opts.NoDither)
	}

	for i, curr := range full {
		whole := a.opts.NoDiff || i == 0
		disposal := byte(gif.DisposalNone)
		// A pixel that turns transparent can only show through if the
		// canvas is cleared: the frame before it must cover the canvas and
		// be disposed to background, and this one must be drawn whole.
		if i+1 < len(full) && uncovers(curr, full[i+1]) {
			whole, disposal = true, gif.DisposalBackground
		}
		if i > 0 && uncovers(full[i-1], curr) {
			whole = true
		}

		out := curr
		if !whole {
			out = crop(curr, diff(full[i-1], curr))
		}
		g.Image = append(g.Image, out)
		g.Delay = append(g.Delay, delay)
		g.Disposal = append(g.Disposal, disposal)
	}

	if err := gif.EncodeAll(w, g); err != nil {
		return fmt.Errorf("encode gif: %w", err)
	}
	return nil
}

// fit returns src at size, anchored at the origin.
func fit(src *image.NRGBA, size image.Point) *image.NRGBA {
	if src.Bounds().Size() == size && src.Bounds().Min == (image.Point{}) {
		return src
	}
	dst := image.NewNRGBA(image.Rectangle{Max: size})
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst
}

func downscale(src *image.NRGBA, maxW int) *image.NRGBA {
	b := src.Bounds()
	if b.Dx() <= maxW {
		return src
	}
	h := max(1, b.Dy()*maxW/b.Dx())
	dst := image.NewNRGBA(image.Rect(0, 0, maxW, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

// palette quantizes a strip of downscaled sample frames. Index 0 is fully
// transparent.
func palette(frames []*image.NRGBA, every, colors, sampleWidth int) color.Palette {
	var samples []*image.NRGBA
	width, height := 0, 0
	for i := 0; i < len(frames); i += every {
		s := downscale(frames[i], sampleWidth)
		samples = append(samples, s)
		width = max(width, s.Bounds().Dx())
		height += s.Bounds().Dy()
	}

	strip := image.NewNRGBA(image.Rect(0, 0, width, height))
	y := 0
	for _, s := range samples {
		b := s.Bounds()
		draw.Draw(strip, image.Rect(0, y, b.Dx(), y+b.Dy()), s, b.Min, draw.Src)
		y += b.Dy()
	}

	q := quantize.MedianCutQuantizer{}
	raw := q.Quantize(make([]color.Color, 0, colors-1), strip)

	pal := color.Palette{color.RGBA{}}
	for _, c := range raw {
		if len(pal) >= colors {
			break
		}
		pal = append(pal, c)
	}
	if len(pal) < 2 {
		pal = append(pal, color.Black)
	}
	return pal
}

func toPaletted(src *image.NRGBA, pal color.Palette, dither bool) *image.Paletted {
	b := src.Bounds()
	dst := image.NewPaletted(b, pal)
	if dither {
		draw.FloydSteinberg.Draw(dst, b, src, b.Min)
		return dst
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		s := src.PixOffset(b.Min.X, y)
		d := dst.PixOffset(b.Min.X, y)
		for x := 0; x < b.Dx(); x, s, d = x+1, s+4, d+1 {
			if src.Pix[s+3] == 0 {
				dst.Pix[d] = 0
				continue
			}
			dst.Pix[d] = uint8(pal.Index(color.NRGBA{src.Pix[s], src.Pix[s+1], src.Pix[s+2], 0xff}))
		}
	}
	return dst
}

// diff is the smallest rectangle covering every index that differs between
// prev and curr, the whole frame when prev is nil and empty when nothing
// changed.
func diff(prev, curr *image.Paletted) image.Rectangle {
	if prev == nil || prev.Bounds() != curr.Bounds() {
		return curr.Bounds()
	}
	b := curr.Bounds()
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X, b.Min.Y
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := curr.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x, off = x+1, off+1 {
			if curr.Pix[off] == prev.Pix[off] {
				continue
			}
			minX, minY = min(minX, x), min(minY, y)
			maxX, maxY = max(maxX, x+1), max(maxY, y+1)
		}
	}
	if maxX <= minX || maxY <= minY {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX, maxY)
}

// uncovers reports whether curr is transparent anywhere prev is not. Both
// frames share bounds.
func uncovers(prev, curr *image.Paletted) bool {
	for i, idx := range curr.Pix {
		if idx == 0 && prev.Pix[i] != 0 {
			return true
		}
	}
	return false
}

// crop copies r out of src. An empty r gives a single transparent pixel at
// the origin, which leaves the previous frame showing.
func crop(src *image.Paletted, r image.Rectangle) *image.Paletted {
	if r.Empty() {
		return image.NewPaletted(image.Rect(0, 0, 1, 1), src.Palette)
	}
	dst := image.NewPaletted(r, src.Palette)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		copy(dst.Pix[dst.PixOffset(r.Min.X, y):], src.Pix[src.PixOffset(r.Min.X, y):src.PixOffset(r.Max.X, y)])
	}
	return dst
}
