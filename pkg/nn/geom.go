package nn

import (
	"github.com/chewxy/math32"
)

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) Distance(b Point) float32 {
	return math32.Sqrt(float32((p.X-b.X)*(p.X-b.X) + (p.Y-b.Y)*(p.Y-b.Y)))
}

type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RectFromCenter builds a pixel rectangle from a normalized (cx, cy, w, h) box
func RectFromCenter(cx, cy, w, h float32, imgWidth, imgHeight int) Rect {
	x1 := math32.Round((cx - w/2) * float32(imgWidth))
	y1 := math32.Round((cy - h/2) * float32(imgHeight))
	x2 := math32.Round((cx + w/2) * float32(imgWidth))
	y2 := math32.Round((cy + h/2) * float32(imgHeight))
	return Rect{X: int(x1), Y: int(y1), Width: int(x2 - x1), Height: int(y2 - y1)}
}

func (r Rect) X2() int {
	return r.X + r.Width
}

func (r Rect) Y2() int {
	return r.Y + r.Height
}

func (r Rect) Area() int {
	return r.Width * r.Height
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X+r.Width, b.X+b.Width)
	y2 := min(r.Y+r.Height, b.Y+b.Height)
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

func (r Rect) Union(b Rect) Rect {
	x1 := min(r.X, b.X)
	y1 := min(r.Y, b.Y)
	x2 := max(r.X+r.Width, b.X+b.Width)
	y2 := max(r.Y+r.Height, b.Y+b.Height)
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

// Intersection over Union
func (r Rect) IOU(b Rect) float32 {
	intersection := r.Intersection(b)
	union := r.Area() + b.Area() - intersection.Area()
	if union <= 0 {
		return 0
	}
	return float32(intersection.Area()) / float32(union)
}

func (r Rect) Center() Point {
	return Point{
		X: r.X + r.Width/2,
		Y: r.Y + r.Height/2,
	}
}

func (r *Rect) Offset(dx, dy int) {
	r.X += dx
	r.Y += dy
}

// Scale the rectangle by sx, sy about the origin
func (r Rect) Scale(sx, sy float32) Rect {
	x1 := math32.Round(float32(r.X) * sx)
	y1 := math32.Round(float32(r.Y) * sy)
	x2 := math32.Round(float32(r.X2()) * sx)
	y2 := math32.Round(float32(r.Y2()) * sy)
	return Rect{X: int(x1), Y: int(y1), Width: int(x2 - x1), Height: int(y2 - y1)}
}
