// Package config loads OpenPCDet-style YAML model configurations.
//
// Keys keep the upper-case layout of the YAML files (CLASS_NAMES, DATA_CONFIG, MODEL,
// OPTIMIZATION) so existing configuration files load unchanged. A RUNTIME block carries the
// settings of the Go tooling itself.
package config

import (
	"github.com/nvr-ai/go-pcdet/logging"
)

// Config is the root of a model configuration file.
type Config struct {
	ClassNames   []string           `koanf:"CLASS_NAMES" yaml:"CLASS_NAMES"`
	DataConfig   DataConfig         `koanf:"DATA_CONFIG" yaml:"DATA_CONFIG"`
	Model        ModelConfig        `koanf:"MODEL" yaml:"MODEL"`
	Optimization OptimizationConfig `koanf:"OPTIMIZATION" yaml:"OPTIMIZATION"`
	Runtime      RuntimeConfig      `koanf:"RUNTIME" yaml:"RUNTIME"`
}

// NumClass returns the number of foreground classes.
func (c *Config) NumClass() int { return len(c.ClassNames) }

// DataConfig describes the point cloud domain and the data processors.
type DataConfig struct {
	Dataset          string            `koanf:"DATASET" yaml:"DATASET"`
	DataPath         string            `koanf:"DATA_PATH" yaml:"DATA_PATH"`
	PointCloudRange  []float32         `koanf:"POINT_CLOUD_RANGE" yaml:"POINT_CLOUD_RANGE"`
	NumPointFeatures int               `koanf:"NUM_POINT_FEATURES" yaml:"NUM_POINT_FEATURES"`
	MaxObjects       int               `koanf:"MAX_OBJECTS" yaml:"MAX_OBJECTS"`
	DataProcessor    []ProcessorConfig `koanf:"DATA_PROCESSOR" yaml:"DATA_PROCESSOR"`
	DataAugmentor    AugmentorConfig   `koanf:"DATA_AUGMENTOR" yaml:"DATA_AUGMENTOR"`
}

// ModeInt is a value that differs between training and testing.
type ModeInt struct {
	Train int `koanf:"train" yaml:"train"`
	Test  int `koanf:"test" yaml:"test"`
}

// Get returns the value for the given mode.
func (m ModeInt) Get(training bool) int {
	if training {
		return m.Train
	}
	return m.Test
}

// ModeBool is a flag that differs between training and testing.
type ModeBool struct {
	Train bool `koanf:"train" yaml:"train"`
	Test  bool `koanf:"test" yaml:"test"`
}

// Get returns the value for the given mode.
func (m ModeBool) Get(training bool) bool {
	if training {
		return m.Train
	}
	return m.Test
}

// ProcessorConfig is one entry of DATA_PROCESSOR.
type ProcessorConfig struct {
	Name               string    `koanf:"NAME" yaml:"NAME"`
	RemoveOutsideBoxes bool      `koanf:"REMOVE_OUTSIDE_BOXES" yaml:"REMOVE_OUTSIDE_BOXES,omitempty"`
	Shuffle            ModeBool  `koanf:"SHUFFLE_ENABLED" yaml:"SHUFFLE_ENABLED,omitempty"`
	VoxelSize          []float32 `koanf:"VOXEL_SIZE" yaml:"VOXEL_SIZE,omitempty"`
	MaxPointsPerVoxel  int       `koanf:"MAX_POINTS_PER_VOXEL" yaml:"MAX_POINTS_PER_VOXEL,omitempty"`
	MaxNumberOfVoxels  ModeInt   `koanf:"MAX_NUMBER_OF_VOXELS" yaml:"MAX_NUMBER_OF_VOXELS,omitempty"`
}

// Processor names understood by the dataset pipeline.
const (
	ProcessorMaskOutsideRange = "mask_points_and_boxes_outside_range"
	ProcessorShufflePoints    = "shuffle_points"
	ProcessorToVoxels         = "transform_points_to_voxels"
)

// Processor returns the processor entry with the given name.
func (d *DataConfig) Processor(name string) (ProcessorConfig, bool) {
	for _, p := range d.DataProcessor {
		if p.Name == name {
			return p, true
		}
	}
	return ProcessorConfig{}, false
}

// AugmentorConfig lists the training-time augmentations.
type AugmentorConfig struct {
	DisableAugList []string           `koanf:"DISABLE_AUG_LIST" yaml:"DISABLE_AUG_LIST"`
	AugConfigList  []AugmentationSpec `koanf:"AUG_CONFIG_LIST" yaml:"AUG_CONFIG_LIST"`
}

// AugmentationSpec is one augmentation entry.
type AugmentationSpec struct {
	Name            string    `koanf:"NAME" yaml:"NAME"`
	AlongAxisList   []string  `koanf:"ALONG_AXIS_LIST" yaml:"ALONG_AXIS_LIST,omitempty"`
	WorldRotAngle   []float32 `koanf:"WORLD_ROT_ANGLE" yaml:"WORLD_ROT_ANGLE,omitempty"`
	WorldScaleRange []float32 `koanf:"WORLD_SCALE_RANGE" yaml:"WORLD_SCALE_RANGE,omitempty"`
}

// OptimizationConfig mirrors the OPTIMIZATION block.
type OptimizationConfig struct {
	BatchSize     int       `koanf:"BATCH_SIZE_PER_GPU" yaml:"BATCH_SIZE_PER_GPU"`
	NumEpochs     int       `koanf:"NUM_EPOCHS" yaml:"NUM_EPOCHS"`
	Optimizer     string    `koanf:"OPTIMIZER" yaml:"OPTIMIZER"`
	LR            float64   `koanf:"LR" yaml:"LR"`
	WeightDecay   float64   `koanf:"WEIGHT_DECAY" yaml:"WEIGHT_DECAY"`
	Momentum      float64   `koanf:"MOMENTUM" yaml:"MOMENTUM"`
	Moms          []float64 `koanf:"MOMS" yaml:"MOMS"`
	PctStart      float64   `koanf:"PCT_START" yaml:"PCT_START"`
	DivFactor     float64   `koanf:"DIV_FACTOR" yaml:"DIV_FACTOR"`
	DecayStepList []int     `koanf:"DECAY_STEP_LIST" yaml:"DECAY_STEP_LIST"`
	LRDecay       float64   `koanf:"LR_DECAY" yaml:"LR_DECAY"`
	LRClip        float64   `koanf:"LR_CLIP" yaml:"LR_CLIP"`
	LRWarmup      bool      `koanf:"LR_WARMUP" yaml:"LR_WARMUP"`
	WarmupEpoch   int       `koanf:"WARMUP_EPOCH" yaml:"WARMUP_EPOCH"`
	GradNormClip  float64   `koanf:"GRAD_NORM_CLIP" yaml:"GRAD_NORM_CLIP"`
}

// RuntimeConfig configures the Go tooling around the model.
type RuntimeConfig struct {
	Seed          int64           `koanf:"SEED" yaml:"SEED"`
	CheckpointDir string          `koanf:"CKPT_DIR" yaml:"CKPT_DIR"`
	CkptEvery     int             `koanf:"CKPT_SAVE_INTERVAL" yaml:"CKPT_SAVE_INTERVAL"`
	RunDB         string          `koanf:"RUN_DB" yaml:"RUN_DB"`
	Log           logging.Options `koanf:"LOG" yaml:"LOG"`
	Server        ServerConfig    `koanf:"SERVER" yaml:"SERVER"`
	ONNX          ONNXConfig      `koanf:"ONNX" yaml:"ONNX"`
	Profile       bool            `koanf:"PROFILE" yaml:"PROFILE"`
}

// ServerConfig configures the HTTP detection service.
type ServerConfig struct {
	Addr string `koanf:"ADDR" yaml:"ADDR"`
}

// ONNXConfig configures the ONNX runtime backend. The exported network takes the voxel
// tensors of one batch and returns dense class logits and decoded boxes.
type ONNXConfig struct {
	LibraryPath string   `koanf:"LIBRARY_PATH" yaml:"LIBRARY_PATH"`
	ModelPath   string   `koanf:"MODEL_PATH" yaml:"MODEL_PATH"`
	InputNames  []string `koanf:"INPUT_NAMES" yaml:"INPUT_NAMES"`
	OutputNames []string `koanf:"OUTPUT_NAMES" yaml:"OUTPUT_NAMES"`
	// NumBoxes is the number of dense predictions per sample.
	NumBoxes int `koanf:"NUM_BOXES" yaml:"NUM_BOXES"`
	// Provider is one of cpu, cuda, coreml and openvino.
	Provider string `koanf:"PROVIDER" yaml:"PROVIDER"`
	DeviceID int    `koanf:"DEVICE_ID" yaml:"DEVICE_ID"`
	Threads  int    `koanf:"THREADS" yaml:"THREADS"`
}
