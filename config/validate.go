package config

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Validate checks the structural invariants the model builders rely on.
func Validate(cfg *Config) error {
	if len(cfg.ClassNames) == 0 {
		return errors.Wrap(ErrInvalidConfig, "CLASS_NAMES is empty")
	}
	if cfg.Model.Name == "" {
		return errors.Wrap(ErrInvalidConfig, "MODEL.NAME is empty")
	}
	if len(cfg.DataConfig.PointCloudRange) != 6 {
		return errors.Wrapf(ErrInvalidConfig, "POINT_CLOUD_RANGE needs 6 values, got %d", len(cfg.DataConfig.PointCloudRange))
	}

	if vox, ok := cfg.DataConfig.Processor(ProcessorToVoxels); ok {
		if len(vox.VoxelSize) != 3 {
			return errors.Wrapf(ErrInvalidConfig, "VOXEL_SIZE needs 3 values, got %d", len(vox.VoxelSize))
		}
		if _, err := GridSize(cfg.DataConfig.PointCloudRange, vox.VoxelSize); err != nil {
			return err
		}
		if vox.MaxPointsPerVoxel <= 0 || vox.MaxNumberOfVoxels.Train <= 0 || vox.MaxNumberOfVoxels.Test <= 0 {
			return errors.Wrap(ErrInvalidConfig, "voxel limits must be positive")
		}
	}

	b := cfg.Model.Backbone2D
	if len(b.LayerNums) != len(b.LayerStrides) || len(b.LayerNums) != len(b.NumFilters) {
		return errors.Wrapf(ErrInvalidConfig, "LAYER_NUMS/LAYER_STRIDES/NUM_FILTERS lengths differ: %d/%d/%d",
			len(b.LayerNums), len(b.LayerStrides), len(b.NumFilters))
	}
	if len(b.UpsampleStrides) != len(b.NumUpsampleFilters) {
		return errors.Wrapf(ErrInvalidConfig, "UPSAMPLE_STRIDES/NUM_UPSAMPLE_FILTERS lengths differ: %d/%d",
			len(b.UpsampleStrides), len(b.NumUpsampleFilters))
	}

	if w := cfg.Model.DenseHead.LossConfig.LossWeights.CodeWeights; len(w) > 0 && len(w) < 7 {
		return errors.Wrapf(ErrInvalidConfig, "code_weights needs at least 7 values, got %d", len(w))
	}
	return nil
}

// GridSize returns the (x, y, z) voxel grid dimensions for a range and voxel size.
func GridSize(pcRange, voxelSize []float32) ([3]int, error) {
	var grid [3]int
	for i := 0; i < 3; i++ {
		if voxelSize[i] <= 0 {
			return grid, errors.Wrapf(ErrInvalidConfig, "voxel size %d is not positive", i)
		}
		extent := pcRange[i+3] - pcRange[i]
		if extent <= 0 {
			return grid, errors.Wrapf(ErrInvalidConfig, "point cloud range axis %d is empty", i)
		}
		grid[i] = int(math32.Round(extent / voxelSize[i]))
	}
	return grid, nil
}
