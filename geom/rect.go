// Package geom holds the crop rectangle and the clamp that keeps it inside an image.
package geom

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
)

// Rect is a crop region in image-pixel coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Default is the starting rectangle for an image that has none yet:
// a quarter in from the top-left corner, half the image on each side.
func Default(imgW, imgH int) Rect {
	w, h := float64(imgW), float64(imgH)
	return Rect{X: w * 0.25, Y: h * 0.25, Width: w * 0.5, Height: h * 0.5}
}

// Clamp fits r inside an imgW x imgH image. Size is capped first so the
// position bound dim-size is never negative; the result is at least 1x1.
func Clamp(r Rect, imgW, imgH int) Rect {
	w, h := float64(imgW), float64(imgH)

	r.Width = math.Max(math.Min(r.Width, w), 1)
	r.Height = math.Max(math.Min(r.Height, h), 1)

	r.X = clampFloat(r.X, 0, math.Max(w-r.Width, 0))
	r.Y = clampFloat(r.Y, 0, math.Max(h-r.Height, 0))
	return r
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// edgeTolerance absorbs float rounding in x+width against the image edge.
const edgeTolerance = 1e-9

// Within reports whether r satisfies every clamp invariant for the given size.
func (r Rect) Within(imgW, imgH int) bool {
	return r.X >= 0 && r.Y >= 0 &&
		r.Width >= 1 && r.Height >= 1 &&
		r.X+r.Width <= float64(imgW)+edgeTolerance &&
		r.Y+r.Height <= float64(imgH)+edgeTolerance
}

// Pixels rounds r to the integer region a renderer copies. Never empty.
func (r Rect) Pixels() image.Rectangle {
	x0 := int(math.Round(r.X))
	y0 := int(math.Round(r.Y))
	x1 := int(math.Round(r.X + r.Width))
	y1 := int(math.Round(r.Y + r.Height))
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return image.Rect(x0, y0, x1, y1)
}

// FromImage converts an image.Rectangle into a Rect.
func FromImage(b image.Rectangle) Rect {
	return Rect{
		X:      float64(b.Min.X),
		Y:      float64(b.Min.Y),
		Width:  float64(b.Dx()),
		Height: float64(b.Dy()),
	}
}

// Rounded is r with every field rounded to two decimals, for display.
func (r Rect) Rounded() Rect {
	round := func(v float64) float64 { return math.Round(v*100) / 100 }
	return Rect{X: round(r.X), Y: round(r.Y), Width: round(r.Width), Height: round(r.Height)}
}

func (r Rect) String() string {
	return fmt.Sprintf("%gx%g+%g+%g", r.Width, r.Height, r.X, r.Y)
}

// edges is the left/top/right/bottom shape, right and bottom exclusive.
type edges struct {
	Left   *float64 `json:"left"`
	Top    *float64 `json:"top"`
	Right  *float64 `json:"right"`
	Bottom *float64 `json:"bottom"`
}

var errRectShape = errors.New("rect: want {x,y,width,height} or {left,top,right,bottom}")

// ParseRect reads a rectangle from JSON in either the x/y/width/height
// shape or the left/top/right/bottom shape.
func ParseRect(data []byte) (Rect, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Rect{}, fmt.Errorf("rect: %w", err)
	}
	if _, ok := raw["left"]; ok {
		var e edges
		if err := json.Unmarshal(data, &e); err != nil {
			return Rect{}, fmt.Errorf("rect: %w", err)
		}
		if e.Left == nil || e.Top == nil || e.Right == nil || e.Bottom == nil {
			return Rect{}, errRectShape
		}
		return Rect{X: *e.Left, Y: *e.Top, Width: *e.Right - *e.Left, Height: *e.Bottom - *e.Top}, nil
	}
	for _, k := range []string{"x", "y", "width", "height"} {
		if _, ok := raw[k]; !ok {
			return Rect{}, errRectShape
		}
	}
	var r Rect
	if err := json.Unmarshal(data, &r); err != nil {
		return Rect{}, fmt.Errorf("rect: %w", err)
	}
	return r, nil
}
