// Package watch crops images as they land in a folder, using the folder's
// rectangle, and keeps the output crops.json up to date.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/niopeng/cropsy/export"
	"github.com/niopeng/cropsy/geom"
	"github.com/niopeng/cropsy/library"
	"github.com/niopeng/cropsy/scan"
)

var ErrSameDir = errors.New("output directory must differ from the watched directory")

// minTick bounds how often pending files are checked.
const minTick = time.Millisecond

// Event reports one file handled by the watcher.
type Event struct {
	File string
	Rect geom.Rect
	Err  error
}

type Watcher struct {
	dir      string
	sink     export.DirSink
	rect     geom.Rect
	exporter *export.Exporter
	debounce time.Duration
	logger   *zap.Logger

	// OnEvent, when set, is called after every handled file.
	OnEvent func(Event)

	pending  map[string]time.Time
	manifest export.Manifest
}

func New(dir, outDir string, rect geom.Rect, exp *export.Exporter, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	absOut, err := filepath.Abs(outDir)
	if err != nil {
		return nil, err
	}
	if absDir == absOut {
		return nil, ErrSameDir
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      absDir,
		sink:     export.DirSink{Dir: absOut},
		rect:     rect,
		exporter: exp,
		debounce: debounce,
		logger:   logger.With(zap.String("dir", absDir)),
		pending:  make(map[string]time.Time),
	}, nil
}

// Run watches until ctx is done. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	m, err := export.LoadManifest(w.sink.Dir)
	if err != nil {
		return err
	}
	w.manifest = m

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching", zap.String("output", w.sink.Dir), zap.Stringer("rect", w.rect))

	tick := time.NewTicker(max(w.debounce/2, minTick))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(ev.Name) != w.dir || !scan.IsImage(ev.Name) {
				continue
			}
			w.pending[filepath.Base(ev.Name)] = time.Now()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		case now := <-tick.C:
			w.flush(ctx, now)
		}
	}
}

// flush crops every pending file that has been quiet for the debounce window.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var ready []string
	for name, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, name)
		}
	}
	if len(ready) == 0 {
		return
	}
	scan.Sort(ready)

	events := make([]Event, 0, len(ready))
	changed := false
	for _, name := range ready {
		delete(w.pending, name)
		ev := w.handle(ctx, name)
		if ev.Err == nil {
			changed = true
		}
		events = append(events, ev)
	}
	if changed {
		if err := w.manifest.WriteFile(w.sink.Dir); err != nil {
			w.logger.Error("write manifest", zap.Error(err))
		}
	}
	if w.OnEvent != nil {
		for _, ev := range events {
			w.OnEvent(ev)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, name string) Event {
	entry := library.NewHandle(os.DirFS(w.dir), name)
	c, err := w.exporter.CropOne(ctx, entry, w.rect)
	if err == nil {
		err = w.sink.Put(w.exporter.OutputName(name), c.Data)
	}
	if err != nil {
		w.logger.Warn("skipping file", zap.String("file", name), zap.Error(err))
		return Event{File: name, Err: err}
	}
	w.manifest[name] = c.Rect
	w.logger.Info("cropped", zap.String("file", name), zap.Int("bytes", len(c.Data)))
	return Event{File: name, Rect: c.Rect}
}
