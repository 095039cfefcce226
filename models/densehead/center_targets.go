package densehead

import (
	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-pcdet/common"
)

// centerCodeSize is the width of a center head box target: the sub-cell centre offset, z,
// log sizes and the heading as (cos, sin).
const centerCodeSize = 8

// GaussianRadius returns the radius of the gaussian drawn for a box of height x width cells,
// the smallest of the three CornerNet corner shift bounds for the given minimum overlap.
func GaussianRadius(height, width, minOverlap float32) float32 {
	b1 := height + width
	c1 := width * height * (1 - minOverlap) / (1 + minOverlap)
	r1 := (b1 + math32.Sqrt(b1*b1-4*c1)) / 2

	b2 := 2 * (height + width)
	c2 := (1 - minOverlap) * width * height
	r2 := (b2 + math32.Sqrt(b2*b2-16*c2)) / 2

	a3 := 4 * minOverlap
	b3 := -2 * minOverlap * (height + width)
	c3 := (minOverlap - 1) * width * height
	r3 := (b3 + math32.Sqrt(b3*b3-4*a3*c3)) / 2

	return min(r1, r2, r3)
}

// gaussian2D returns a size x size gaussian with peak 1 and values below float32 epsilon
// cleared.
func gaussian2D(size int, sigma float32) []float32 {
	const eps = 1.1920929e-07
	c := (size - 1) / 2
	out := make([]float32, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float32(x-c), float32(y-c)
			v := math32.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
			if v < eps {
				v = 0
			}
			out[y*size+x] = v
		}
	}
	return out
}

// DrawGaussian raises an (height, width) heatmap to a gaussian of the given radius centred
// on the cell of (cx, cy), keeping the larger value where gaussians overlap.
func DrawGaussian(heatmap []float32, height, width int, cx, cy float32, radius int) {
	diameter := 2*radius + 1
	g := gaussian2D(diameter, float32(diameter)/6)
	x, y := int(cx), int(cy)
	left, right := min(x, radius), min(width-x, radius+1)
	top, bottom := min(y, radius), min(height-y, radius+1)
	for dy := -top; dy < bottom; dy++ {
		for dx := -left; dx < right; dx++ {
			v := g[(radius+dy)*diameter+radius+dx]
			p := (y+dy)*width + x + dx
			heatmap[p] = max(heatmap[p], v)
		}
	}
}

// centerTargets are the training targets of one head for one sample.
type centerTargets struct {
	heatmap []float32 // (C, H, W)
	boxes   []float32 // (M, 8)
	inds    []float32 // (M)
	masks   []float32 // (M)
}

// centerAssigner draws the heatmap and regression targets of the center heads.
type centerAssigner struct {
	pcRange   [6]float32
	voxelSize [3]float32
	stride    int
	ny, nx    int
	maxObjs   int
	overlap   float32
	minRadius int
}

// assign computes the targets of one head. labels are 1-based within the head; boxes with
// label 0 belong to another head and are skipped.
func (a *centerAssigner) assign(numClass int, gt []common.Box3D, labels []int) centerTargets {
	plane := a.ny * a.nx
	t := centerTargets{
		heatmap: make([]float32, numClass*plane),
		boxes:   make([]float32, a.maxObjs*centerCodeSize),
		inds:    make([]float32, a.maxObjs),
		masks:   make([]float32, a.maxObjs),
	}
	stride := float32(a.stride)
	k := 0
	for j, b := range gt {
		if k >= a.maxObjs {
			break
		}
		if labels[j] <= 0 || b.IsZero() {
			continue
		}
		cx := (b.X - a.pcRange[0]) / a.voxelSize[0] / stride
		cy := (b.Y - a.pcRange[1]) / a.voxelSize[1] / stride
		cx = min(max(cx, 0), float32(a.nx)-0.5)
		cy = min(max(cy, 0), float32(a.ny)-0.5)
		dx := b.DX / a.voxelSize[0] / stride
		dy := b.DY / a.voxelSize[1] / stride
		if dx <= 0 || dy <= 0 {
			continue
		}
		radius := max(int(GaussianRadius(dx, dy, a.overlap)), a.minRadius)
		ix, iy := int(cx), int(cy)

		cls := labels[j] - 1
		DrawGaussian(t.heatmap[cls*plane:(cls+1)*plane], a.ny, a.nx, cx, cy, radius)
		t.inds[k] = float32(iy*a.nx + ix)
		t.masks[k] = 1
		row := t.boxes[k*centerCodeSize : (k+1)*centerCodeSize]
		row[0] = cx - float32(ix)
		row[1] = cy - float32(iy)
		row[2] = b.Z
		row[3] = math32.Log(b.DX)
		row[4] = math32.Log(b.DY)
		row[5] = math32.Log(b.DZ)
		row[6] = math32.Cos(b.Heading)
		row[7] = math32.Sin(b.Heading)
		k++
	}
	return t
}
