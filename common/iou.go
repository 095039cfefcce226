package common

import "github.com/chewxy/math32"

const (
	bevEps = 1e-8
	iouEps = 1e-6
)

// NearestBEVIoU is the IoU of the aligned BEV rectangles of two boxes.
func NearestBEVIoU(a, b Box3D) float32 {
	ra, rb := ToAlignedBEV(a), ToAlignedBEV(b)
	inter := ra.Intersection(&rb)
	return inter / math32.Max(ra.Area()+rb.Area()-inter, iouEps)
}

// NearestBEVIoUMatrix returns the len(a) x len(b) nearest-BEV IoU matrix in row-major order.
func NearestBEVIoUMatrix(a, b []Box3D) []float32 {
	ra := make([]BoundingBox, len(a))
	for i := range a {
		ra[i] = ToAlignedBEV(a[i])
	}
	rb := make([]BoundingBox, len(b))
	for j := range b {
		rb[j] = ToAlignedBEV(b[j])
	}
	out := make([]float32, len(a)*len(b))
	for i := range ra {
		areaA := ra[i].Area()
		for j := range rb {
			inter := ra[i].Intersection(&rb[j])
			out[i*len(b)+j] = inter / math32.Max(areaA+rb[j].Area()-inter, iouEps)
		}
	}
	return out
}

// BEVOverlap returns the overlapping footprint area of two rotated boxes.
func BEVOverlap(a, b Box3D) float32 {
	ca, cb := a.BEVCorners(), b.BEVCorners()
	poly := append(make([][2]float32, 0, 8), ca[:]...)
	for i := 0; i < 4 && len(poly) > 0; i++ {
		poly = clipPolygon(poly, cb[i], cb[(i+1)%4])
	}
	return polygonArea(poly)
}

// BEVIoU is the rotated IoU of the box footprints.
func BEVIoU(a, b Box3D) float32 {
	inter := BEVOverlap(a, b)
	return inter / math32.Max(a.DX*a.DY+b.DX*b.DY-inter, bevEps)
}

// IoU3D is the rotated 3D IoU of two boxes.
func IoU3D(a, b Box3D) float32 {
	inter := BEVOverlap(a, b) * heightOverlap(a, b)
	return inter / math32.Max(a.Volume()+b.Volume()-inter, iouEps)
}

// IoU3DMatrix returns the len(a) x len(b) 3D IoU matrix in row-major order.
func IoU3DMatrix(a, b []Box3D) []float32 {
	out := make([]float32, len(a)*len(b))
	for i := range a {
		for j := range b {
			out[i*len(b)+j] = IoU3D(a[i], b[j])
		}
	}
	return out
}

func heightOverlap(a, b Box3D) float32 {
	lo := math32.Max(a.Z-a.DZ/2, b.Z-b.DZ/2)
	hi := math32.Min(a.Z+a.DZ/2, b.Z+b.DZ/2)
	return math32.Max(hi-lo, 0)
}

// clipPolygon keeps the part of poly left of the directed edge p->q (Sutherland-Hodgman).
func clipPolygon(poly [][2]float32, p, q [2]float32) [][2]float32 {
	out := make([][2]float32, 0, len(poly)+1)
	side := func(v [2]float32) float32 {
		return (q[0]-p[0])*(v[1]-p[1]) - (q[1]-p[1])*(v[0]-p[0])
	}
	for i := range poly {
		cur := poly[i]
		prev := poly[(i+len(poly)-1)%len(poly)]
		sc, sp := side(cur), side(prev)
		if sc >= 0 {
			if sp < 0 {
				out = append(out, intersect(prev, cur, sp, sc))
			}
			out = append(out, cur)
		} else if sp >= 0 {
			out = append(out, intersect(prev, cur, sp, sc))
		}
	}
	return out
}

func intersect(a, b [2]float32, sa, sb float32) [2]float32 {
	t := sa / (sa - sb)
	return [2]float32{a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1])}
}

func polygonArea(poly [][2]float32) float32 {
	if len(poly) < 3 {
		return 0
	}
	var area float32
	for i := range poly {
		j := (i + 1) % len(poly)
		area += poly[i][0]*poly[j][1] - poly[j][0]*poly[i][1]
	}
	return math32.Abs(area) / 2
}
