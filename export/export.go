// Package export applies a folder's crop rectangle to every one of its
// images and hands the results, plus a crops.json record, to a Sink.
package export

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/niopeng/cropsy/geom"
	"github.com/niopeng/cropsy/library"
)

// Options controls the output of an export.
type Options struct {
	Format  Format
	Quality int
	// Prefix is prepended to every output file name.
	Prefix string
	// PauseEvery files the loop sleeps for Pause. Zero disables it.
	PauseEvery int
	Pause      time.Duration
}

func DefaultOptions() Options {
	return Options{
		Format:     JPEG,
		Quality:    DefaultQuality,
		PauseEvery: 5,
		Pause:      100 * time.Millisecond,
	}
}

// Progress is reported after every file, whether it succeeded or not.
type Progress struct {
	Current int
	Total   int
	File    string
	Err     error
}

type ProgressFunc func(Progress)

// FileError is a single file that could not be exported.
type FileError struct {
	Name string
	Err  error
}

func (e FileError) Error() string { return e.Name + ": " + e.Err.Error() }
func (e FileError) Unwrap() error { return e.Err }

// Summary describes a finished (or cancelled) export.
type Summary struct {
	Total    int
	Exported int
	Failed   []FileError
	Crops    Manifest
	// Rect is the folder rectangle the export ran with. It differs from the
	// folder's own when the folder had none and a default was derived.
	Rect    geom.Rect
	Bytes   int64
	Elapsed time.Duration
}

// Crop is one rendered and encoded image.
type Crop struct {
	Name string
	Rect geom.Rect
	Data []byte
}

// Exporter runs exports one file at a time. It owns a reusable canvas and
// encode buffer, so a single Exporter must not run two exports at once.
type Exporter struct {
	opts   Options
	logger *zap.Logger
	canvas canvas
	buf    bytes.Buffer
}

func New(opts Options, logger *zap.Logger) (*Exporter, error) {
	f, err := ParseFormat(string(opts.Format))
	if err != nil {
		return nil, err
	}
	opts.Format = f
	if opts.Quality < 1 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{opts: opts, logger: logger}, nil
}

func (e *Exporter) Options() Options { return e.opts }

// OutputName is the file name a source image is written under.
func (e *Exporter) OutputName(source string) string { return e.opts.Prefix + source }

// CropOne decodes entry, clamps rect against its real size, renders and
// encodes the region.
func (e *Exporter) CropOne(ctx context.Context, entry *library.ImageEntry, rect geom.Rect) (*Crop, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := Decode(entry)
	if err != nil {
		return nil, err
	}
	return e.render(entry.Name, img, rect)
}

// Region is CropOne without the encode step. The returned image is a copy
// and stays valid across calls.
func (e *Exporter) Region(ctx context.Context, entry *library.ImageEntry, rect geom.Rect) (*image.NRGBA, geom.Rect, error) {
	if err := ctx.Err(); err != nil {
		return nil, geom.Rect{}, err
	}
	img, err := Decode(entry)
	if err != nil {
		return nil, geom.Rect{}, err
	}
	b := img.Bounds()
	clamped := geom.Clamp(rect, b.Dx(), b.Dy())
	return imaging.Clone(e.canvas.render(img, clamped.Pixels())), clamped, nil
}

func (e *Exporter) render(name string, img image.Image, rect geom.Rect) (*Crop, error) {
	b := img.Bounds()
	clamped := geom.Clamp(rect, b.Dx(), b.Dy())
	region := e.canvas.render(img, clamped.Pixels())

	e.buf.Reset()
	if err := encode(&e.buf, region, e.opts.Format, e.opts.Quality); err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return &Crop{Name: name, Rect: clamped, Data: bytes.Clone(e.buf.Bytes())}, nil
}

// Export crops every image of folder in order and puts the results into
// sink, followed by crops.json. A file that fails to decode, encode or be
// stored is logged and skipped. When the folder has no rectangle yet, the
// default for its first decodable image is used.
//
// Cancelling ctx stops the loop between files; the partial summary is
// returned with ctx.Err() and crops.json is not written.
func (e *Exporter) Export(ctx context.Context, folder *library.Folder, sink Sink, progress ProgressFunc) (*Summary, error) {
	start := time.Now()
	total := len(folder.Images)
	sum := &Summary{Total: total, Crops: Manifest{}}

	var rect *geom.Rect
	if folder.Rect != nil {
		r := *folder.Rect
		rect = &r
	}

	log := e.logger.With(zap.String("folder", folder.Name), zap.Int("total", total))
	log.Info("export started", zap.String("format", string(e.opts.Format)), zap.Int("quality", e.opts.Quality))

	for i, entry := range folder.Images {
		if err := ctx.Err(); err != nil {
			sum.Elapsed = time.Since(start)
			log.Warn("export cancelled", zap.Int("current", i), zap.Error(err))
			return sum, err
		}

		n, err := e.exportOne(entry, &rect, sink, sum.Crops)
		if err != nil {
			sum.Failed = append(sum.Failed, FileError{Name: entry.Name, Err: err})
			log.Warn("skipping file", zap.String("file", entry.Name), zap.Int("current", i+1), zap.Error(err))
		} else {
			sum.Exported++
			sum.Bytes += int64(n)
			log.Debug("cropped", zap.String("file", entry.Name), zap.Int("current", i+1), zap.Int("bytes", n))
		}
		if progress != nil {
			progress(Progress{Current: i + 1, Total: total, File: entry.Name, Err: err})
		}

		if e.opts.PauseEvery > 0 && (i+1)%e.opts.PauseEvery == 0 && i+1 < total {
			if err := sleep(ctx, e.opts.Pause); err != nil {
				sum.Elapsed = time.Since(start)
				log.Warn("export cancelled", zap.Int("current", i+1), zap.Error(err))
				return sum, err
			}
		}
	}

	if rect != nil {
		sum.Rect = *rect
	}

	data, err := sum.Crops.Encode()
	if err != nil {
		return sum, err
	}
	if err := sink.Put(ManifestName, data); err != nil {
		return sum, fmt.Errorf("write %s: %w", ManifestName, err)
	}
	sum.Bytes += int64(len(data))
	sum.Elapsed = time.Since(start)

	log.Info("export finished",
		zap.Int("exported", sum.Exported),
		zap.Int("failed", len(sum.Failed)),
		zap.Int64("bytes", sum.Bytes),
		zap.Duration("elapsed", sum.Elapsed),
	)
	return sum, nil
}

// exportOne runs one iteration of the loop and returns the bytes stored.
// *rect is filled with the default for the first image that decodes when
// the folder had no rectangle.
func (e *Exporter) exportOne(entry *library.ImageEntry, rect **geom.Rect, sink Sink, crops Manifest) (int, error) {
	img, err := Decode(entry)
	if err != nil {
		return 0, err
	}
	if *rect == nil {
		b := img.Bounds()
		d := geom.Default(b.Dx(), b.Dy())
		*rect = &d
	}

	c, err := e.render(entry.Name, img, **rect)
	if err != nil {
		return 0, err
	}
	if err := sink.Put(e.OutputName(entry.Name), c.Data); err != nil {
		return 0, fmt.Errorf("store %s: %w", entry.Name, err)
	}
	crops[entry.Name] = c.Rect
	return len(c.Data), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
