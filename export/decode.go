package export

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/niopeng/cropsy/library"
)

// Decode reads and decodes an entry, applying any EXIF orientation so the
// pixels match what a browser shows.
func Decode(entry *library.ImageEntry) (image.Image, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	img, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", entry.Name, err)
	}
	return img, nil
}

// Size returns the oriented width and height of an entry.
func Size(entry *library.ImageEntry) (int, int, error) {
	img, err := Decode(entry)
	if err != nil {
		return 0, 0, err
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}
