// Package scan turns a directory into a library folder: list the entries,
// keep the images, order them the way a person would.
package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maruel/natural"

	"github.com/niopeng/cropsy/library"
)

var ErrNotDir = errors.New("not a directory")

var allowedExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true,
}

// IsImage reports whether name carries one of the supported image extensions.
func IsImage(name string) bool {
	return allowedExt[strings.ToLower(path.Ext(name))]
}

// Less orders names case-insensitively with runs of digits compared as
// numbers, so img2 sorts before img10. Names equal up to case fall back to
// plain byte order to keep the sort total.
func Less(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return natural.Less(la, lb)
	}
	return a < b
}

// Sort orders names in place with Less.
func Sort(names []string) {
	sort.SliceStable(names, func(i, j int) bool { return Less(names[i], names[j]) })
}

// Scan lists the images directly inside dir of fsys. Subdirectories are not
// descended into.
func Scan(fsys fs.FS, dir string) (*library.Folder, error) {
	info, err := fs.Stat(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan %s: %w", dir, ErrNotDir)
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if IsImage(e.Name()) && isFile(fsys, dir, e) {
			names = append(names, e.Name())
		}
	}
	Sort(names)

	images := make([]*library.ImageEntry, 0, len(names))
	for _, n := range names {
		images = append(images, library.NewHandle(fsys, path.Join(dir, n)))
	}

	name := path.Base(dir)
	if dir == "." {
		name = "."
	}
	return library.NewFolder(name, dir, images), nil
}

// isFile reports whether e is a regular file or a symlink to one. Dangling
// links are skipped.
func isFile(fsys fs.FS, dir string, e fs.DirEntry) bool {
	if e.Type()&fs.ModeSymlink == 0 {
		return e.Type().IsRegular()
	}
	info, err := fs.Stat(fsys, path.Join(dir, e.Name()))
	return err == nil && info.Mode().IsRegular()
}

// Dir scans a directory on the local disk.
func Dir(dir string) (*library.Folder, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	f, err := Scan(os.DirFS(abs), ".")
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", abs, errors.Unwrap(err))
	}
	f.Name = filepath.Base(abs)
	f.Path = abs
	return f, nil
}

// File is an image that has already been read, e.g. from an upload.
type File struct {
	Name string
	Data []byte
}

// Load builds a folder from already-read files, applying the same
// extension filter and ordering as Scan.
func Load(name string, files []File) *library.Folder {
	kept := make([]File, 0, len(files))
	for _, f := range files {
		if IsImage(f.Name) {
			kept = append(kept, f)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return Less(kept[i].Name, kept[j].Name) })

	images := make([]*library.ImageEntry, 0, len(kept))
	for _, f := range kept {
		images = append(images, library.NewResolved(path.Base(f.Name), f.Data))
	}
	return library.NewFolder(name, "", images)
}
