package export

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Sink persists one named blob: a file on disk, an archive entry, a map.
type Sink interface {
	Put(name string, data []byte) error
}

// DirSink writes files into Dir, creating it on first use.
type DirSink struct {
	Dir string
}

func (s DirSink) Put(name string, data []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.Dir, filepath.Base(name)), data, 0o644)
}

// ZipSink streams entries into a zip archive. Close must be called to
// write the central directory.
type ZipSink struct {
	zw  *zip.Writer
	now func() time.Time
}

func NewZipSink(w io.Writer) *ZipSink {
	return &ZipSink{zw: zip.NewWriter(w), now: time.Now}
}

func (s *ZipSink) Put(name string, data []byte) error {
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: s.now()}
	w, err := s.zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	return nil
}

func (s *ZipSink) Close() error { return s.zw.Close() }

// MemorySink keeps everything in memory in arrival order.
type MemorySink struct {
	Names []string
	Files map[string][]byte
}

func NewMemorySink() *MemorySink {
	return &MemorySink{Files: make(map[string][]byte)}
}

// Put stores data under name. The zero MemorySink is ready to use.
func (s *MemorySink) Put(name string, data []byte) error {
	if s.Files == nil {
		s.Files = make(map[string][]byte)
	}
	if _, ok := s.Files[name]; !ok {
		s.Names = append(s.Names, name)
	}
	s.Files[name] = data
	return nil
}
