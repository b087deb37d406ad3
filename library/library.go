// Package library is the application state: imported folders, their images
// and the single crop rectangle each folder applies to all of its images.
package library

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sync"

	"github.com/google/uuid"

	"github.com/niopeng/cropsy/geom"
)

var (
	ErrFolderNotFound = errors.New("folder not found")
	ErrImageNotFound  = errors.New("image not found")
)

// ImageEntry is one image of a folder. It either holds a lazy handle into a
// filesystem, opened on demand, or bytes that were already read.
type ImageEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	fsys fs.FS
	path string
	data []byte
}

// NewHandle returns an entry that reads name from fsys only when opened.
func NewHandle(fsys fs.FS, name string) *ImageEntry {
	return &ImageEntry{ID: uuid.NewString(), Name: path.Base(name), fsys: fsys, path: name}
}

// NewResolved returns an entry backed by in-memory bytes.
func NewResolved(name string, data []byte) *ImageEntry {
	return &ImageEntry{ID: uuid.NewString(), Name: name, data: data}
}

// Resolved reports whether the entry already holds its bytes.
func (e *ImageEntry) Resolved() bool { return e.data != nil }

// Path is the handle path inside its filesystem, empty for resolved entries.
func (e *ImageEntry) Path() string { return e.path }

// Open returns a reader over the image bytes.
func (e *ImageEntry) Open() (io.ReadCloser, error) {
	if e.data != nil {
		return io.NopCloser(bytes.NewReader(e.data)), nil
	}
	if e.fsys == nil {
		return nil, fmt.Errorf("%s: no file handle", e.Name)
	}
	f, err := e.fsys.Open(e.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", e.Name, err)
	}
	return f, nil
}

// Folder is a set of images sharing one crop rectangle.
type Folder struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Path     string        `json:"path,omitempty"`
	Images   []*ImageEntry `json:"images"`
	Rect     *geom.Rect    `json:"rect"`
	Expanded bool          `json:"expanded"`
}

// NewFolder creates a folder with a fresh id and no rectangle.
func NewFolder(name, dir string, images []*ImageEntry) *Folder {
	return &Folder{ID: uuid.NewString(), Name: name, Path: dir, Images: images, Expanded: true}
}

// Image looks an image up by id.
func (f *Folder) Image(id string) (*ImageEntry, error) {
	for _, img := range f.Images {
		if img.ID == id {
			return img, nil
		}
	}
	return nil, fmt.Errorf("%s in %s: %w", id, f.Name, ErrImageNotFound)
}

// ImageByName looks an image up by file name.
func (f *Folder) ImageByName(name string) (*ImageEntry, bool) {
	for _, img := range f.Images {
		if img.Name == name {
			return img, true
		}
	}
	return nil, false
}

// Clone copies the folder so it can be read while the library keeps changing.
// Entries are shared; they are never mutated after creation.
func (f *Folder) Clone() *Folder {
	cp := *f
	cp.Images = append([]*ImageEntry(nil), f.Images...)
	if f.Rect != nil {
		r := *f.Rect
		cp.Rect = &r
	}
	return &cp
}

// Library owns the folder set. Folders change only through Add and Remove;
// a folder's rectangle only through SetRect.
type Library struct {
	mu             sync.RWMutex
	folders        []*Folder
	selectedFolder string
	selectedImage  string
}

func New() *Library { return &Library{} }

// Add appends a folder and selects it when nothing is selected yet.
func (l *Library) Add(f *Folder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.folders = append(l.folders, f)
	if l.selectedFolder == "" {
		l.selectedFolder = f.ID
		l.selectedImage = ""
		if len(f.Images) > 0 {
			l.selectedImage = f.Images[0].ID
		}
	}
}

// Remove drops a folder, clearing the selection if it pointed into it.
func (l *Library) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.index(id)
	if i < 0 {
		return fmt.Errorf("%s: %w", id, ErrFolderNotFound)
	}
	l.folders = append(l.folders[:i], l.folders[i+1:]...)
	if l.selectedFolder == id {
		l.selectedFolder, l.selectedImage = "", ""
	}
	return nil
}

func (l *Library) index(id string) int {
	for i, f := range l.folders {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// Folders returns snapshots of every folder in import order.
func (l *Library) Folders() []*Folder {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Folder, 0, len(l.folders))
	for _, f := range l.folders {
		out = append(out, f.Clone())
	}
	return out
}

// Folder returns a snapshot of one folder.
func (l *Library) Folder(id string) (*Folder, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := l.index(id)
	if i < 0 {
		return nil, fmt.Errorf("%s: %w", id, ErrFolderNotFound)
	}
	return l.folders[i].Clone(), nil
}

// Select marks a folder (and optionally one of its images) active.
func (l *Library) Select(folderID, imageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.index(folderID)
	if i < 0 {
		return fmt.Errorf("%s: %w", folderID, ErrFolderNotFound)
	}
	if imageID != "" {
		if _, err := l.folders[i].Image(imageID); err != nil {
			return err
		}
	}
	l.selectedFolder, l.selectedImage = folderID, imageID
	return nil
}

// Selection returns the active folder and image ids.
func (l *Library) Selection() (folderID, imageID string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.selectedFolder, l.selectedImage
}

// SetExpanded toggles the folder's UI expansion flag.
func (l *Library) SetExpanded(id string, expanded bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.index(id)
	if i < 0 {
		return fmt.Errorf("%s: %w", id, ErrFolderNotFound)
	}
	l.folders[i].Expanded = expanded
	return nil
}

// SetRect stores r, clamped to an imgW x imgH image, as the folder rectangle
// and returns what was stored.
func (l *Library) SetRect(id string, r geom.Rect, imgW, imgH int) (geom.Rect, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.index(id)
	if i < 0 {
		return geom.Rect{}, fmt.Errorf("%s: %w", id, ErrFolderNotFound)
	}
	c := geom.Clamp(r, imgW, imgH)
	l.folders[i].Rect = &c
	return c, nil
}

// InitRect sets the default rectangle for an imgW x imgH image when the
// folder has none yet. It returns the folder's rectangle either way.
func (l *Library) InitRect(id string, imgW, imgH int) (geom.Rect, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.index(id)
	if i < 0 {
		return geom.Rect{}, fmt.Errorf("%s: %w", id, ErrFolderNotFound)
	}
	if l.folders[i].Rect == nil {
		d := geom.Default(imgW, imgH)
		l.folders[i].Rect = &d
	}
	return *l.folders[i].Rect, nil
}
