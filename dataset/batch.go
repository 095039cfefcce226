package dataset

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-pcdet/common"
)

// GTDim is the width of a ground truth row: the seven box values plus the 1-based class.
const GTDim = 8

// ErrEmptyBatch is returned when collating zero frames.
var ErrEmptyBatch = errors.New("empty batch")

// Shape fixes the padded sizes of a batch. Graph shapes are static, so every batch fed to
// a detector must have the Shape the detector was built with.
type Shape struct {
	Size        int // samples per batch
	MaxVoxels   int // voxels per sample
	MaxPoints   int // points per voxel
	NumFeatures int // features per point
	MaxObjects  int // ground truth rows per sample
}

// Batch is a collated, padded group of frames.
type Batch struct {
	Shape
	// Count is the number of real samples; the rest of Size are padding.
	Count    int
	FrameIDs []string
	Points   [][]float32

	// Voxels holds (Size*MaxVoxels, MaxPoints, NumFeatures) features.
	Voxels []float32
	// NumPoints holds (Size*MaxVoxels) point counts; padding voxels have 0.
	NumPoints []float32
	// Coords holds (Size*MaxVoxels, 4) (batch, z, y, x) indices; padding rows are all -1.
	Coords []int32

	// GTBoxes holds (Size, MaxObjects, GTDim) rows; padding rows are zero.
	GTBoxes []float32
	NumGT   []int
	// Truncated counts ground truth boxes dropped because a frame had more than MaxObjects.
	Truncated int
}

// Collate pads frames and their voxels into a batch of the given shape.
//
// Arguments:
//   - frames: The samples, at most shape.Size of them.
//   - voxels: The voxelization of each frame.
//   - shape: The static batch shape.
//
// Returns:
//   - *Batch: The collated batch.
//   - error: ErrEmptyBatch without frames, or an error when there are more frames than
//     shape.Size.
func Collate(frames []*Frame, voxels []Voxels, shape Shape) (*Batch, error) {
	if len(frames) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(frames) > shape.Size {
		return nil, errors.Errorf("%d frames exceed batch size %d", len(frames), shape.Size)
	}
	if len(voxels) != len(frames) {
		return nil, errors.Errorf("%d voxel sets for %d frames", len(voxels), len(frames))
	}

	nv := shape.Size * shape.MaxVoxels
	voxelStride := shape.MaxPoints * shape.NumFeatures
	b := &Batch{
		Shape:     shape,
		Count:     len(frames),
		FrameIDs:  make([]string, len(frames)),
		Points:    make([][]float32, len(frames)),
		Voxels:    make([]float32, nv*voxelStride),
		NumPoints: make([]float32, nv),
		Coords:    make([]int32, nv*4),
		GTBoxes:   make([]float32, shape.Size*shape.MaxObjects*GTDim),
		NumGT:     make([]int, shape.Size),
	}
	for i := range b.Coords {
		b.Coords[i] = -1
	}

	for i, f := range frames {
		b.FrameIDs[i] = f.ID
		b.Points[i] = f.Points

		v := voxels[i]
		count := min(v.Count, shape.MaxVoxels)
		for j := 0; j < count; j++ {
			row := i*shape.MaxVoxels + j
			copy(b.Voxels[row*voxelStride:(row+1)*voxelStride], v.Features[j*voxelStride:(j+1)*voxelStride])
			b.NumPoints[row] = float32(v.NumPoints[j])
			b.Coords[row*4] = int32(i)
			copy(b.Coords[row*4+1:row*4+4], v.Coords[j*3:j*3+3])
		}

		n := min(len(f.GTBoxes), shape.MaxObjects)
		b.Truncated += len(f.GTBoxes) - n
		b.NumGT[i] = n
		for j := 0; j < n; j++ {
			row := b.GTBoxes[(i*shape.MaxObjects+j)*GTDim:]
			f.GTBoxes[j].Put(row)
			row[7] = float32(f.GTLabels[j])
		}
	}
	return b, nil
}

// GT returns the ground truth boxes and 1-based labels of sample i.
func (b *Batch) GT(i int) ([]common.Box3D, []int) {
	boxes := make([]common.Box3D, b.NumGT[i])
	labels := make([]int, b.NumGT[i])
	for j := range boxes {
		row := b.GTBoxes[(i*b.MaxObjects+j)*GTDim:]
		boxes[j] = common.BoxFromSlice(row)
		labels[j] = int(row[7])
	}
	return boxes, labels
}
