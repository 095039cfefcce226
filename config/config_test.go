package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
CLASS_NAMES: ['Car', 'Pedestrian']
DATA_CONFIG:
  POINT_CLOUD_RANGE: [0, -39.68, -3, 69.12, 39.68, 1]
  DATA_PROCESSOR:
    - NAME: shuffle_points
      SHUFFLE_ENABLED: {'train': True, 'test': False}
    - NAME: transform_points_to_voxels
      VOXEL_SIZE: [0.16, 0.16, 4]
      MAX_POINTS_PER_VOXEL: 32
      MAX_NUMBER_OF_VOXELS: {'train': 16000, 'test': 40000}
MODEL:
  NAME: PointPillar
  BACKBONE_2D:
    NAME: BaseBEVBackbone
    LAYER_NUMS: [3, 5, 5]
    LAYER_STRIDES: [2, 2, 2]
    NUM_FILTERS: [64, 128, 256]
    UPSAMPLE_STRIDES: [1, 2, 4]
    NUM_UPSAMPLE_FILTERS: [128, 128, 128]
  DENSE_HEAD:
    NAME: AnchorHeadSingle
    ANCHOR_GENERATOR_CONFIG: [
      {'class_name': 'Car', 'anchor_sizes': [[3.9, 1.6, 1.56]], 'anchor_rotations': [0, 1.57],
       'anchor_bottom_heights': [-1.78], 'align_center': False, 'feature_map_stride': 2,
       'matched_threshold': 0.6, 'unmatched_threshold': 0.45}
    ]
    LOSS_CONFIG:
      LOSS_WEIGHTS: {'cls_weight': 1.0, 'loc_weight': 2.0, 'dir_weight': 0.2,
                     'code_weights': [1.0, 1.0, 1.0, 1.0, 1.0, 1.0, 1.0]}
`

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"Car", "Pedestrian"}, cfg.ClassNames)
	assert.Equal(t, 2, cfg.NumClass())
	assert.Equal(t, "PointPillar", cfg.Model.Name)
	assert.Equal(t, []int{64, 128, 256}, cfg.Model.Backbone2D.NumFilters)
	assert.Equal(t, []float32{1, 2, 4}, cfg.Model.Backbone2D.UpsampleStrides)

	vox, ok := cfg.DataConfig.Processor(ProcessorToVoxels)
	require.True(t, ok)
	assert.Equal(t, 32, vox.MaxPointsPerVoxel)
	assert.Equal(t, 16000, vox.MaxNumberOfVoxels.Get(true))
	assert.Equal(t, 40000, vox.MaxNumberOfVoxels.Get(false))

	shuffle, ok := cfg.DataConfig.Processor(ProcessorShufflePoints)
	require.True(t, ok)
	assert.True(t, shuffle.Shuffle.Get(true))
	assert.False(t, shuffle.Shuffle.Get(false))

	head := cfg.Model.DenseHead
	require.Len(t, head.AnchorGeneratorConfig, 1)
	assert.Equal(t, "Car", head.AnchorGeneratorConfig[0].ClassName)
	assert.Equal(t, [][]float32{{3.9, 1.6, 1.56}}, head.AnchorGeneratorConfig[0].AnchorSizes)
	assert.InDelta(t, 0.45, head.AnchorGeneratorConfig[0].UnmatchedThreshold, 1e-6)
	assert.InDelta(t, 2.0, head.LossConfig.LossWeights.LocWeight, 1e-6)

	// defaults
	assert.Equal(t, 2, head.NumDirBins)
	assert.Equal(t, 4, cfg.DataConfig.NumPointFeatures)
	assert.Equal(t, "adam_onecycle", cfg.Optimization.Optimizer)
	assert.Equal(t, []float32{0.3, 0.5, 0.7}, cfg.Model.PostProcessing.RecallThreshList)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PCDET_OPTIMIZATION__LR", "0.5")
	t.Setenv("PCDET_RUNTIME__SERVER__ADDR", "0.0.0.0:9000")

	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, cfg.Optimization.LR, 1e-9)
	assert.Equal(t, "0.0.0.0:9000", cfg.Runtime.Server.Addr)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no classes", func(c *Config) { c.ClassNames = nil }},
		{"no model", func(c *Config) { c.Model.Name = "" }},
		{"short range", func(c *Config) { c.DataConfig.PointCloudRange = []float32{0, 0, 0} }},
		{"layer lengths", func(c *Config) { c.Model.Backbone2D.LayerNums = []int{1} }},
		{"upsample lengths", func(c *Config) { c.Model.Backbone2D.NumUpsampleFilters = []int{1} }},
		{"code weights", func(c *Config) { c.Model.DenseHead.LossConfig.LossWeights.CodeWeights = []float32{1} }},
		{"voxel size", func(c *Config) { c.DataConfig.DataProcessor[1].VoxelSize = []float32{0, 0.16, 4} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestGridSize(t *testing.T) {
	grid, err := GridSize([]float32{0, -39.68, -3, 69.12, 39.68, 1}, []float32{0.16, 0.16, 4})
	require.NoError(t, err)
	assert.Equal(t, [3]int{432, 496, 1}, grid)
}

func TestLoadShippedConfigs(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "configs", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, p := range paths {
		t.Run(filepath.Base(p), func(t *testing.T) {
			cfg, err := Load(p)
			require.NoError(t, err)
			assert.NotEmpty(t, cfg.Model.Name)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDumpRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	out, err := Dump(cfg)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "dump.yaml")
	require.NoError(t, os.WriteFile(path, out, 0o644))

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Model.Backbone2D, again.Model.Backbone2D)
	assert.Equal(t, cfg.ClassNames, again.ClassNames)
}
