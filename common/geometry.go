package common

import "github.com/chewxy/math32"

// LimitPeriod wraps val into [-offset*period, (1-offset)*period).
func LimitPeriod(val, offset, period float32) float32 {
	return val - math32.Floor(val/period+offset)*period
}

// RotatePointsAlongZ rotates xyz points (stride values per point) counter-clockwise by
// angle around the z axis in place.
func RotatePointsAlongZ(points []float32, stride int, angle float32) {
	sin, cos := math32.Sincos(angle)
	for i := 0; i+1 < len(points); i += stride {
		x, y := points[i], points[i+1]
		points[i] = x*cos - y*sin
		points[i+1] = x*sin + y*cos
	}
}

// InRange reports whether (x, y, z) lies inside the [x1, y1, z1, x2, y2, z2] range, with the
// lower bounds inclusive and the upper bounds exclusive.
func InRange(x, y, z float32, pcRange []float32) bool {
	return x >= pcRange[0] && x < pcRange[3] &&
		y >= pcRange[1] && y < pcRange[4] &&
		z >= pcRange[2] && z < pcRange[5]
}

// ToAlignedBEV converts a box to the axis aligned BEV rectangle used by nearest-BEV matching:
// the heading is folded into [0, pi/2] and dx/dy are swapped when the box is closer to the
// y axis.
func ToAlignedBEV(b Box3D) BoundingBox {
	rot := math32.Abs(LimitPeriod(b.Heading, 0.5, math32.Pi))
	w, h := b.DX, b.DY
	if rot >= math32.Pi/4 {
		w, h = b.DY, b.DX
	}
	return BoundingBox{X1: b.X - w/2, Y1: b.Y - h/2, X2: b.X + w/2, Y2: b.Y + h/2}
}
