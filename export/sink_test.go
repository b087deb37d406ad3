package export

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDirSink_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out", "nested")
	s := DirSink{Dir: dir}
	require.NoError(t, s.Put("a.png", []byte("a")))

	data, err := os.ReadFile(filepath.Join(dir, "a.png"))
	require.NoError(t, err)
	require.Equal(t, "a", string(data))
}

func TestZipSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewZipSink(&buf)
	require.NoError(t, s.Put("a.png", []byte("aaa")))
	require.NoError(t, s.Put(ManifestName, []byte("{}")))
	require.NoError(t, s.Close())

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	require.Equal(t, "a.png", zr.File[0].Name)

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	require.Equal(t, "{}", string(data))
}

func TestManifest_WriteAndLoad(t *testing.T) {
	dir := t.TempDir()

	empty, err := LoadManifest(dir)
	require.NoError(t, err)
	require.Empty(t, empty)

	want := Manifest{
		"img10.png": {X: 1, Y: 2, Width: 3, Height: 4},
		"img2.png":  {X: 0.5, Y: 0, Width: 10.25, Height: 1},
	}
	require.NoError(t, want.WriteFile(dir))

	got, err := LoadManifest(dir)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"width": 10.25`)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file left behind")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestName), []byte("{"), 0o644))
	_, err = LoadManifest(dir)
	require.Error(t, err)
}

func TestMemorySink_ZeroValue(t *testing.T) {
	var s MemorySink
	require.NoError(t, s.Put("b.png", []byte("1")))
	require.NoError(t, s.Put("a.png", []byte("2")))
	require.NoError(t, s.Put("b.png", []byte("3")))

	require.Equal(t, []string{"b.png", "a.png"}, s.Names)
	require.Equal(t, "3", string(s.Files["b.png"]))
}
