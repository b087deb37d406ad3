package watch

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/niopeng/cropsy/export"
	"github.com/niopeng/cropsy/geom"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.SetNRGBA(0, 0, color.NRGBA{A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestNew_RejectsSameDir(t *testing.T) {
	dir := t.TempDir()
	_, err := New(dir, dir+"/.", geom.Rect{}, nil, 0, nil)
	require.ErrorIs(t, err, ErrSameDir)
}

func TestWatcher_CropsNewImages(t *testing.T) {
	defer goleak.VerifyNone(t)

	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")
	exp, err := export.New(export.Options{Format: export.PNG, Prefix: "c_"}, nil)
	require.NoError(t, err)

	w, err := New(in, out, geom.Rect{X: 4, Y: 4, Width: 8, Height: 8}, exp, 20*time.Millisecond, nil)
	require.NoError(t, err)
	events := make(chan Event, 8)
	w.OnEvent = func(ev Event) { events <- ev }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher a moment to register before the first write.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(in, "notes.txt"), []byte("ignored"), 0o644))
	writePNG(t, filepath.Join(in, "a.png"), 10, 10)
	require.NoError(t, os.WriteFile(filepath.Join(in, "b.png"), []byte("broken"), 0o644))

	got := map[string]Event{}
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got[ev.File] = ev
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}

	require.NoError(t, got["a.png"].Err)
	require.Equal(t, geom.Rect{X: 2, Y: 2, Width: 8, Height: 8}, got["a.png"].Rect)
	require.Error(t, got["b.png"].Err)

	_, err = os.Stat(filepath.Join(out, "c_a.png"))
	require.NoError(t, err)

	m, err := export.LoadManifest(out)
	require.NoError(t, err)
	require.Equal(t, export.Manifest{"a.png": {X: 2, Y: 2, Width: 8, Height: 8}}, m)
}

func TestWatcher_TinyDebounce(t *testing.T) {
	defer goleak.VerifyNone(t)

	exp, err := export.New(export.DefaultOptions(), nil)
	require.NoError(t, err)
	w, err := New(t.TempDir(), t.TempDir(), geom.Rect{Width: 1, Height: 1}, exp, time.Nanosecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NotPanics(t, func() {
		require.NoError(t, w.Run(ctx))
	})
}
