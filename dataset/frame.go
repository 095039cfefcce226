package dataset

import (
	"math/rand/v2"

	"github.com/nvr-ai/go-pcdet/common"
)

// Frame is one point cloud with its ground truth.
type Frame struct {
	ID          string
	Points      []float32 // (N, NumFeatures)
	NumFeatures int
	GTBoxes     []common.Box3D
	GTNames     []string
	GTLabels    []int // 1-based class index
}

// NumPoints returns the number of points in the frame.
func (f *Frame) NumPoints() int {
	if f.NumFeatures == 0 {
		return 0
	}
	return len(f.Points) / f.NumFeatures
}

// Point returns the features of point i.
func (f *Frame) Point(i int) []float32 {
	return f.Points[i*f.NumFeatures : (i+1)*f.NumFeatures]
}

// keepBoxes retains the boxes for which keep returns true.
func (f *Frame) keepBoxes(keep func(common.Box3D) bool) {
	n := 0
	for i, b := range f.GTBoxes {
		if !keep(b) {
			continue
		}
		f.GTBoxes[n] = b
		if i < len(f.GTNames) {
			f.GTNames[n] = f.GTNames[i]
		}
		if i < len(f.GTLabels) {
			f.GTLabels[n] = f.GTLabels[i]
		}
		n++
	}
	f.GTBoxes = f.GTBoxes[:n]
	if len(f.GTNames) > n {
		f.GTNames = f.GTNames[:n]
	}
	if len(f.GTLabels) > n {
		f.GTLabels = f.GTLabels[:n]
	}
}

// FilterClasses drops boxes whose name is not part of classes and sets GTLabels.
func (f *Frame) FilterClasses(classes *common.ClassSet) {
	f.GTLabels = make([]int, len(f.GTNames))
	for i, name := range f.GTNames {
		f.GTLabels[i] = classes.Index(name)
	}
	labels := f.GTLabels
	i := 0
	f.keepBoxes(func(common.Box3D) bool {
		ok := labels[i] > 0
		i++
		return ok
	})
}

// MaskPointsOutsideRange removes points outside the [x1, y1, z1, x2, y2, z2] range.
func (f *Frame) MaskPointsOutsideRange(pcRange []float32) {
	n := 0
	for i := 0; i < f.NumPoints(); i++ {
		p := f.Point(i)
		if !common.InRange(p[0], p[1], p[2], pcRange) {
			continue
		}
		copy(f.Points[n*f.NumFeatures:], p)
		n++
	}
	f.Points = f.Points[:n*f.NumFeatures]
}

// MaskBoxesOutsideRange removes boxes with fewer than minCorners BEV corners inside the
// x/y range.
func (f *Frame) MaskBoxesOutsideRange(pcRange []float32, minCorners int) {
	f.keepBoxes(func(b common.Box3D) bool {
		inside := 0
		corners := b.Corners()
		for _, c := range corners[:4] {
			if c[0] >= pcRange[0] && c[0] <= pcRange[3] && c[1] >= pcRange[1] && c[1] <= pcRange[4] {
				inside++
			}
		}
		return inside >= minCorners
	})
}

// ShufflePoints permutes the point order.
func (f *Frame) ShufflePoints(rng *rand.Rand) {
	nf := f.NumFeatures
	tmp := make([]float32, nf)
	rng.Shuffle(f.NumPoints(), func(i, j int) {
		a, b := f.Points[i*nf:(i+1)*nf], f.Points[j*nf:(j+1)*nf]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	})
}
