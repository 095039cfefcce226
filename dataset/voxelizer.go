package dataset

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-pcdet/config"
)

// Voxels is the output of a Voxelizer for one frame.
type Voxels struct {
	// Features holds (Count, MaxPoints, NumFeatures) point features, zero padded.
	Features []float32
	// Coords holds (Count, 3) integer (z, y, x) voxel indices.
	Coords []int32
	// NumPoints holds the number of points stored in each voxel.
	NumPoints []int32
	Count     int
}

// Voxelizer groups points into a regular grid. Voxels are created in the order their first
// point appears; once MaxVoxels voxels exist, points falling in new voxels are dropped, and
// points beyond MaxPoints in a voxel are dropped as well.
type Voxelizer struct {
	VoxelSize   [3]float32
	Range       [6]float32
	Grid        [3]int // (x, y, z)
	MaxPoints   int
	MaxVoxels   int
	NumFeatures int
}

// NewVoxelizer builds the voxelizer of a DATA_CONFIG for training or testing.
func NewVoxelizer(cfg config.DataConfig, training bool) (*Voxelizer, error) {
	proc, ok := cfg.Processor(config.ProcessorToVoxels)
	if !ok {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "no %s processor", config.ProcessorToVoxels)
	}
	grid, err := config.GridSize(cfg.PointCloudRange, proc.VoxelSize)
	if err != nil {
		return nil, err
	}
	v := &Voxelizer{
		Grid:        grid,
		MaxPoints:   proc.MaxPointsPerVoxel,
		MaxVoxels:   proc.MaxNumberOfVoxels.Get(training),
		NumFeatures: cfg.NumPointFeatures,
	}
	copy(v.VoxelSize[:], proc.VoxelSize)
	copy(v.Range[:], cfg.PointCloudRange)
	return v, nil
}

// Generate voxelizes (N, NumFeatures) points.
func (v *Voxelizer) Generate(points []float32) Voxels {
	nf := v.NumFeatures
	out := Voxels{
		Features:  make([]float32, 0, 64*v.MaxPoints*nf),
		Coords:    make([]int32, 0, 64*3),
		NumPoints: make([]int32, 0, 64),
	}
	index := make(map[int]int)
	pad := make([]float32, v.MaxPoints*nf)

	for i := 0; i+nf <= len(points); i += nf {
		p := points[i : i+nf]
		var c [3]int
		inside := true
		for axis := 0; axis < 3; axis++ {
			c[axis] = int(math32.Floor((p[axis] - v.Range[axis]) / v.VoxelSize[axis]))
			if c[axis] < 0 || c[axis] >= v.Grid[axis] {
				inside = false
				break
			}
		}
		if !inside {
			continue
		}

		key := (c[2]*v.Grid[1]+c[1])*v.Grid[0] + c[0]
		id, ok := index[key]
		if !ok {
			if out.Count >= v.MaxVoxels {
				continue
			}
			id = out.Count
			index[key] = id
			out.Count++
			out.Features = append(out.Features, pad...)
			out.Coords = append(out.Coords, int32(c[2]), int32(c[1]), int32(c[0]))
			out.NumPoints = append(out.NumPoints, 0)
		}
		n := int(out.NumPoints[id])
		if n >= v.MaxPoints {
			continue
		}
		copy(out.Features[(id*v.MaxPoints+n)*nf:], p)
		out.NumPoints[id]++
	}
	return out
}
