package common

import (
	"fmt"

	"github.com/chewxy/math32"
)

// BoundingBox is an axis aligned rectangle in the bird's-eye-view plane.
type BoundingBox struct {
	X1, Y1, X2, Y2 float32
}

func (b *BoundingBox) String() string {
	return fmt.Sprintf("BEV (%.3f, %.3f), (%.3f, %.3f)", b.X1, b.Y1, b.X2, b.Y2)
}

// Area returns the rectangle area, zero for degenerate rectangles.
func (b *BoundingBox) Area() float32 {
	return math32.Max(b.X2-b.X1, 0) * math32.Max(b.Y2-b.Y1, 0)
}

// Intersection calculates the overlapping area between two rectangles.
//
// Arguments:
// - other: The other rectangle to intersect with.
//
// Returns:
// - The area of overlap, zero when the rectangles are disjoint.
//
// @example
// a := BoundingBox{X1: 0, Y1: 0, X2: 2, Y2: 2}
// b := BoundingBox{X1: 1, Y1: 1, X2: 3, Y2: 3}
// area := a.Intersection(&b) // 1.0
func (b *BoundingBox) Intersection(other *BoundingBox) float32 {
	w := math32.Min(b.X2, other.X2) - math32.Max(b.X1, other.X1)
	h := math32.Min(b.Y2, other.Y2) - math32.Max(b.Y1, other.Y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Union calculates the area covered by either rectangle.
func (b *BoundingBox) Union(other *BoundingBox) float32 {
	return b.Area() + other.Area() - b.Intersection(other)
}

// IoU calculates the Intersection over Union between two rectangles.
//
// This is the matching metric of the axis aligned anchor assigner.
//
// Arguments:
// - other: The other rectangle.
//
// Returns:
// - The IoU value between 0 and 1, or 0 when the union is empty.
//
// @example
// a := BoundingBox{X1: 0, Y1: 0, X2: 2, Y2: 2}
// b := BoundingBox{X1: 1, Y1: 1, X2: 3, Y2: 3}
// iou := a.IoU(&b) // 1/7
func (b *BoundingBox) IoU(other *BoundingBox) float32 {
	union := b.Union(other)
	if union <= 0 {
		return 0
	}
	return b.Intersection(other) / union
}
