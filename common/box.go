package common

import (
	"fmt"

	"github.com/chewxy/math32"
)

// BoxDim is the number of values describing a lidar box: x, y, z, dx, dy, dz, heading.
const BoxDim = 7

// Box3D is an oriented 3D box in the lidar frame. (X, Y, Z) is the box centre, (DX, DY, DZ)
// the extent along the box axes and Heading the yaw around +z.
type Box3D struct {
	X, Y, Z    float32
	DX, DY, DZ float32
	Heading    float32
}

// BoxFromSlice reads a box from the first seven values of v.
func BoxFromSlice(v []float32) Box3D {
	return Box3D{X: v[0], Y: v[1], Z: v[2], DX: v[3], DY: v[4], DZ: v[5], Heading: v[6]}
}

// Slice returns the box as a seven value slice.
func (b Box3D) Slice() []float32 {
	return []float32{b.X, b.Y, b.Z, b.DX, b.DY, b.DZ, b.Heading}
}

// Put writes the box into the first seven values of dst.
func (b Box3D) Put(dst []float32) {
	dst[0], dst[1], dst[2] = b.X, b.Y, b.Z
	dst[3], dst[4], dst[5] = b.DX, b.DY, b.DZ
	dst[6] = b.Heading
}

func (b Box3D) String() string {
	return fmt.Sprintf("Box3D(x=%.2f y=%.2f z=%.2f dx=%.2f dy=%.2f dz=%.2f h=%.3f)",
		b.X, b.Y, b.Z, b.DX, b.DY, b.DZ, b.Heading)
}

// Volume returns dx*dy*dz.
func (b Box3D) Volume() float32 {
	return b.DX * b.DY * b.DZ
}

// IsZero reports whether the box is an all-zero padding row.
func (b Box3D) IsZero() bool {
	return b == Box3D{}
}

// CornerTemplate holds the corner signs relative to the box centre in units of half the box size.
var CornerTemplate = [8][3]float32{
	{1, 1, -1}, {1, -1, -1}, {-1, -1, -1}, {-1, 1, -1},
	{1, 1, 1}, {1, -1, 1}, {-1, -1, 1}, {-1, 1, 1},
}

// Corners returns the eight box corners. The first four are the bottom face and the last
// four the top face, both ordered front-left, front-right, rear-right, rear-left.
func (b Box3D) Corners() [8][3]float32 {
	var out [8][3]float32
	sin, cos := math32.Sincos(b.Heading)
	for i, t := range CornerTemplate {
		lx := t[0] * b.DX / 2
		ly := t[1] * b.DY / 2
		lz := t[2] * b.DZ / 2
		out[i][0] = lx*cos - ly*sin + b.X
		out[i][1] = lx*sin + ly*cos + b.Y
		out[i][2] = lz + b.Z
	}
	return out
}

// BEVCorners returns the four corners of the box footprint in counter-clockwise order.
func (b Box3D) BEVCorners() [4][2]float32 {
	c := b.Corners()
	// bottom face order 0,1,2,3 is clockwise seen from above
	return [4][2]float32{
		{c[0][0], c[0][1]},
		{c[3][0], c[3][1]},
		{c[2][0], c[2][1]},
		{c[1][0], c[1][1]},
	}
}

// Rotate rotates the box centre around the z axis by angle and adds angle to the heading.
func (b Box3D) Rotate(angle float32) Box3D {
	sin, cos := math32.Sincos(angle)
	x, y := b.X, b.Y
	b.X = x*cos - y*sin
	b.Y = x*sin + y*cos
	b.Heading += angle
	return b
}

// Scale multiplies the centre and extent by factor.
func (b Box3D) Scale(factor float32) Box3D {
	b.X *= factor
	b.Y *= factor
	b.Z *= factor
	b.DX *= factor
	b.DY *= factor
	b.DZ *= factor
	return b
}

// FlipX mirrors the box across the x axis (y -> -y).
func (b Box3D) FlipX() Box3D {
	b.Y = -b.Y
	b.Heading = -b.Heading
	return b
}

// FlipY mirrors the box across the y axis (x -> -x).
func (b Box3D) FlipY() Box3D {
	b.X = -b.X
	b.Heading = -(b.Heading + math32.Pi)
	return b
}

// Contains reports whether the point lies inside the box.
func (b Box3D) Contains(x, y, z float32) bool {
	if math32.Abs(z-b.Z) > b.DZ/2 {
		return false
	}
	sin, cos := math32.Sincos(-b.Heading)
	dx, dy := x-b.X, y-b.Y
	lx := dx*cos - dy*sin
	ly := dx*sin + dy*cos
	return math32.Abs(lx) <= b.DX/2 && math32.Abs(ly) <= b.DY/2
}
