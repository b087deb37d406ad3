package server

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nfnt/resize"

	"github.com/niopeng/cropsy/export"
	"github.com/niopeng/cropsy/library"
)

const previewQuality = 85

// preview is an encoded thumbnail plus the size of the image it came from,
// which the page needs to map the overlay back to image pixels.
type preview struct {
	data          []byte
	width, height int
}

type previews struct {
	max   int
	cache *lru.Cache[string, preview]
}

func newPreviews(max, size int) (*previews, error) {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New[string, preview](size)
	if err != nil {
		return nil, fmt.Errorf("preview cache: %w", err)
	}
	return &previews{max: max, cache: c}, nil
}

// get returns a JPEG thumbnail of entry no larger than side on either axis.
// Images already smaller are re-encoded at their own size.
func (p *previews) get(entry *library.ImageEntry, side int) (preview, error) {
	if side <= 0 || side > p.max {
		side = p.max
	}
	key := entry.ID + "@" + strconv.Itoa(side)
	if pv, ok := p.cache.Get(key); ok {
		return pv, nil
	}

	img, err := export.Decode(entry)
	if err != nil {
		return preview{}, err
	}
	b := img.Bounds()
	thumb := resize.Thumbnail(uint(side), uint(side), img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: previewQuality}); err != nil {
		return preview{}, fmt.Errorf("encode preview %s: %w", entry.Name, err)
	}
	pv := preview{data: buf.Bytes(), width: b.Dx(), height: b.Dy()}
	p.cache.Add(key, pv)
	return pv, nil
}

func (p *previews) len() int { return p.cache.Len() }
