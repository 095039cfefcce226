package config

// ModelConfig is the MODEL block. A module whose NAME is empty is absent from the pipeline.
type ModelConfig struct {
	Name           string               `koanf:"NAME" yaml:"NAME"`
	VFE            VFEConfig            `koanf:"VFE" yaml:"VFE"`
	Backbone3D     ModuleConfig         `koanf:"BACKBONE_3D" yaml:"BACKBONE_3D"`
	MapToBEV       MapToBEVConfig       `koanf:"MAP_TO_BEV" yaml:"MAP_TO_BEV"`
	PFE            ModuleConfig         `koanf:"PFE" yaml:"PFE"`
	Backbone2D     Backbone2DConfig     `koanf:"BACKBONE_2D" yaml:"BACKBONE_2D"`
	DenseHead      DenseHeadConfig      `koanf:"DENSE_HEAD" yaml:"DENSE_HEAD"`
	PointHead      ModuleConfig         `koanf:"POINT_HEAD" yaml:"POINT_HEAD"`
	RoIHead        RoIHeadConfig        `koanf:"ROI_HEAD" yaml:"ROI_HEAD"`
	PostProcessing PostProcessingConfig `koanf:"POST_PROCESSING" yaml:"POST_PROCESSING"`
}

// ModuleConfig is the minimal configuration of a module provided by an external kernel.
type ModuleConfig struct {
	Name string         `koanf:"NAME" yaml:"NAME"`
	Args map[string]any `koanf:"ARGS" yaml:"ARGS,omitempty"`
}

// VFEConfig configures the voxel feature encoder.
type VFEConfig struct {
	Name           string `koanf:"NAME" yaml:"NAME"`
	WithDistance   bool   `koanf:"WITH_DISTANCE" yaml:"WITH_DISTANCE"`
	UseAbsoluteXYZ bool   `koanf:"USE_ABSLOTE_XYZ" yaml:"USE_ABSLOTE_XYZ"`
	UseNorm        bool   `koanf:"USE_NORM" yaml:"USE_NORM"`
	NumFilters     []int  `koanf:"NUM_FILTERS" yaml:"NUM_FILTERS"`
}

// MapToBEVConfig configures the 3D to BEV projection.
type MapToBEVConfig struct {
	Name           string `koanf:"NAME" yaml:"NAME"`
	NumBEVFeatures int    `koanf:"NUM_BEV_FEATURES" yaml:"NUM_BEV_FEATURES"`
}

// Backbone2DConfig configures BaseBEVBackbone and SSFABEVBackbone.
type Backbone2DConfig struct {
	Name               string    `koanf:"NAME" yaml:"NAME"`
	LayerNums          []int     `koanf:"LAYER_NUMS" yaml:"LAYER_NUMS"`
	LayerStrides       []int     `koanf:"LAYER_STRIDES" yaml:"LAYER_STRIDES"`
	NumFilters         []int     `koanf:"NUM_FILTERS" yaml:"NUM_FILTERS"`
	UpsampleStrides    []float32 `koanf:"UPSAMPLE_STRIDES" yaml:"UPSAMPLE_STRIDES"`
	NumUpsampleFilters []int     `koanf:"NUM_UPSAMPLE_FILTERS" yaml:"NUM_UPSAMPLE_FILTERS"`
}

// DenseHeadConfig covers the anchor and center head families.
type DenseHeadConfig struct {
	Name                   string                  `koanf:"NAME" yaml:"NAME"`
	ClassAgnostic          bool                    `koanf:"CLASS_AGNOSTIC" yaml:"CLASS_AGNOSTIC"`
	UseDirectionClassifier bool                    `koanf:"USE_DIRECTION_CLASSIFIER" yaml:"USE_DIRECTION_CLASSIFIER"`
	DirOffset              float32                 `koanf:"DIR_OFFSET" yaml:"DIR_OFFSET"`
	DirLimitOffset         float32                 `koanf:"DIR_LIMIT_OFFSET" yaml:"DIR_LIMIT_OFFSET"`
	NumDirBins             int                     `koanf:"NUM_DIR_BINS" yaml:"NUM_DIR_BINS"`
	AnchorGeneratorConfig  []AnchorGeneratorConfig `koanf:"ANCHOR_GENERATOR_CONFIG" yaml:"ANCHOR_GENERATOR_CONFIG"`
	TargetAssignerConfig   TargetAssignerConfig    `koanf:"TARGET_ASSIGNER_CONFIG" yaml:"TARGET_ASSIGNER_CONFIG"`
	LossConfig             LossConfig              `koanf:"LOSS_CONFIG" yaml:"LOSS_CONFIG"`

	ClassNamesEachHead [][]string         `koanf:"CLASS_NAMES_EACH_HEAD" yaml:"CLASS_NAMES_EACH_HEAD"`
	SharedConvChannel  int                `koanf:"SHARED_CONV_CHANNEL" yaml:"SHARED_CONV_CHANNEL"`
	UseBiasBeforeNorm  bool               `koanf:"USE_BIAS_BEFORE_NORM" yaml:"USE_BIAS_BEFORE_NORM"`
	NumHMConv          int                `koanf:"NUM_HM_CONV" yaml:"NUM_HM_CONV"`
	SeparateHeadCfg    SeparateHeadConfig `koanf:"SEPARATE_HEAD_CFG" yaml:"SEPARATE_HEAD_CFG"`
	PostProcessing     CenterPostConfig   `koanf:"POST_PROCESSING" yaml:"POST_PROCESSING"`
}

// AnchorGeneratorConfig describes the anchors of one class.
type AnchorGeneratorConfig struct {
	ClassName           string      `koanf:"class_name" yaml:"class_name"`
	AnchorSizes         [][]float32 `koanf:"anchor_sizes" yaml:"anchor_sizes"`
	AnchorRotations     []float32   `koanf:"anchor_rotations" yaml:"anchor_rotations"`
	AnchorBottomHeights []float32   `koanf:"anchor_bottom_heights" yaml:"anchor_bottom_heights"`
	AlignCenter         bool        `koanf:"align_center" yaml:"align_center"`
	FeatureMapStride    int         `koanf:"feature_map_stride" yaml:"feature_map_stride"`
	MatchedThreshold    float32     `koanf:"matched_threshold" yaml:"matched_threshold"`
	UnmatchedThreshold  float32     `koanf:"unmatched_threshold" yaml:"unmatched_threshold"`
}

// TargetAssignerConfig covers the axis aligned assigner and the center heatmap assigner.
type TargetAssignerConfig struct {
	Name              string         `koanf:"NAME" yaml:"NAME"`
	PosFraction       float32        `koanf:"POS_FRACTION" yaml:"POS_FRACTION"`
	SampleSize        int            `koanf:"SAMPLE_SIZE" yaml:"SAMPLE_SIZE"`
	NormByNumExamples bool           `koanf:"NORM_BY_NUM_EXAMPLES" yaml:"NORM_BY_NUM_EXAMPLES"`
	MatchHeight       bool           `koanf:"MATCH_HEIGHT" yaml:"MATCH_HEIGHT"`
	BoxCoder          string         `koanf:"BOX_CODER" yaml:"BOX_CODER"`
	BoxCoderConfig    BoxCoderConfig `koanf:"BOX_CODER_CONFIG" yaml:"BOX_CODER_CONFIG"`

	FeatureMapStride int     `koanf:"FEATURE_MAP_STRIDE" yaml:"FEATURE_MAP_STRIDE"`
	NumMaxObjs       int     `koanf:"NUM_MAX_OBJS" yaml:"NUM_MAX_OBJS"`
	GaussianOverlap  float32 `koanf:"GAUSSIAN_OVERLAP" yaml:"GAUSSIAN_OVERLAP"`
	MinRadius        int     `koanf:"MIN_RADIUS" yaml:"MIN_RADIUS"`
}

// BoxCoderConfig configures the residual coder.
type BoxCoderConfig struct {
	EncodeAngleBySinCos bool `koanf:"encode_angle_by_sincos" yaml:"encode_angle_by_sincos"`
}

// LossConfig selects the head losses and their weights.
type LossConfig struct {
	ClsLoss     string      `koanf:"CLS_LOSS" yaml:"CLS_LOSS"`
	CornerLoss  bool        `koanf:"CORNER_LOSS_REGULARIZATION" yaml:"CORNER_LOSS_REGULARIZATION"`
	RegLoss     string      `koanf:"REG_LOSS" yaml:"REG_LOSS"`
	IoULoss     string      `koanf:"IOU_LOSS" yaml:"IOU_LOSS"`
	LossWeights LossWeights `koanf:"LOSS_WEIGHTS" yaml:"LOSS_WEIGHTS"`
}

// LossWeights holds the scalar multipliers of each loss term.
type LossWeights struct {
	ClsWeight     float32   `koanf:"cls_weight" yaml:"cls_weight"`
	LocWeight     float32   `koanf:"loc_weight" yaml:"loc_weight"`
	DirWeight     float32   `koanf:"dir_weight" yaml:"dir_weight"`
	CodeWeights   []float32 `koanf:"code_weights" yaml:"code_weights"`
	RCNNClsWeight float32   `koanf:"rcnn_cls_weight" yaml:"rcnn_cls_weight"`
	RCNNIoUWeight float32   `koanf:"rcnn_iou_weight" yaml:"rcnn_iou_weight"`
	RCNNRegWeight float32   `koanf:"rcnn_reg_weight" yaml:"rcnn_reg_weight"`
	RCNNCorner    float32   `koanf:"rcnn_corner_weight" yaml:"rcnn_corner_weight"`
}

// SeparateHeadConfig describes the per-task convolution branches of a center head.
type SeparateHeadConfig struct {
	HeadOrder []string                  `koanf:"HEAD_ORDER" yaml:"HEAD_ORDER"`
	HeadDict  map[string]HeadDictConfig `koanf:"HEAD_DICT" yaml:"HEAD_DICT"`
}

// HeadDictConfig is one separate head branch.
type HeadDictConfig struct {
	OutChannels int `koanf:"out_channels" yaml:"out_channels"`
	NumConv     int `koanf:"num_conv" yaml:"num_conv"`
}

// CenterPostConfig configures center head decoding.
type CenterPostConfig struct {
	ScoreThresh          float32   `koanf:"SCORE_THRESH" yaml:"SCORE_THRESH"`
	PostCenterLimitRange []float32 `koanf:"POST_CENTER_LIMIT_RANGE" yaml:"POST_CENTER_LIMIT_RANGE"`
	MaxObjPerSample      int       `koanf:"MAX_OBJ_PER_SAMPLE" yaml:"MAX_OBJ_PER_SAMPLE"`
	NMSConfig            NMSConfig `koanf:"NMS_CONFIG" yaml:"NMS_CONFIG"`
}

// NMSConfig configures rotated non maximum suppression.
type NMSConfig struct {
	MultiClassesNMS bool    `koanf:"MULTI_CLASSES_NMS" yaml:"MULTI_CLASSES_NMS"`
	NMSType         string  `koanf:"NMS_TYPE" yaml:"NMS_TYPE"`
	NMSThresh       float32 `koanf:"NMS_THRESH" yaml:"NMS_THRESH"`
	NMSPreMaxSize   int     `koanf:"NMS_PRE_MAXSIZE" yaml:"NMS_PRE_MAXSIZE"`
	NMSPostMaxSize  int     `koanf:"NMS_POST_MAXSIZE" yaml:"NMS_POST_MAXSIZE"`

	ScoreType    string            `koanf:"SCORE_TYPE" yaml:"SCORE_TYPE,omitempty"`
	ScoreWeights ScoreWeights      `koanf:"SCORE_WEIGHTS" yaml:"SCORE_WEIGHTS,omitempty"`
	ScoreByClass map[string]string `koanf:"SCORE_BY_CLASS" yaml:"SCORE_BY_CLASS,omitempty"`
}

// ScoreWeights blends IoU and classification scores.
type ScoreWeights struct {
	IoU float32 `koanf:"iou" yaml:"iou"`
}

// RoIHeadConfig configures the second stage.
type RoIHeadConfig struct {
	Name          string          `koanf:"NAME" yaml:"NAME"`
	ClassAgnostic bool            `koanf:"CLASS_AGNOSTIC" yaml:"CLASS_AGNOSTIC"`
	SharedFC      []int           `koanf:"SHARED_FC" yaml:"SHARED_FC"`
	IoUFC         []int           `koanf:"IOU_FC" yaml:"IOU_FC"`
	DPRatio       float32         `koanf:"DP_RATIO" yaml:"DP_RATIO"`
	NMSConfig     ModeNMS         `koanf:"NMS_CONFIG" yaml:"NMS_CONFIG"`
	RoIGridPool   RoIGridPool     `koanf:"ROI_GRID_POOL" yaml:"ROI_GRID_POOL"`
	TargetConfig  RoITargetConfig `koanf:"TARGET_CONFIG" yaml:"TARGET_CONFIG"`
	LossConfig    LossConfig      `koanf:"LOSS_CONFIG" yaml:"LOSS_CONFIG"`
}

// ModeNMS holds separate NMS settings for proposal generation in training and testing.
type ModeNMS struct {
	Train NMSConfig `koanf:"TRAIN" yaml:"TRAIN"`
	Test  NMSConfig `koanf:"TEST" yaml:"TEST"`
}

// Get returns the settings for the given mode.
func (m ModeNMS) Get(training bool) NMSConfig {
	if training {
		return m.Train
	}
	return m.Test
}

// RoIGridPool configures BEV grid pooling.
type RoIGridPool struct {
	GridSize        int     `koanf:"GRID_SIZE" yaml:"GRID_SIZE"`
	InChannel       int     `koanf:"IN_CHANNEL" yaml:"IN_CHANNEL"`
	DownsampleRatio float32 `koanf:"DOWNSAMPLE_RATIO" yaml:"DOWNSAMPLE_RATIO"`
}

// RoITargetConfig configures the proposal target layer.
type RoITargetConfig struct {
	BoxCoder             string  `koanf:"BOX_CODER" yaml:"BOX_CODER"`
	RoIPerImage          int     `koanf:"ROI_PER_IMAGE" yaml:"ROI_PER_IMAGE"`
	FGRatio              float32 `koanf:"FG_RATIO" yaml:"FG_RATIO"`
	SampleRoIByEachClass bool    `koanf:"SAMPLE_ROI_BY_EACH_CLASS" yaml:"SAMPLE_ROI_BY_EACH_CLASS"`
	ClsScoreType         string  `koanf:"CLS_SCORE_TYPE" yaml:"CLS_SCORE_TYPE"`
	ClsFGThresh          float32 `koanf:"CLS_FG_THRESH" yaml:"CLS_FG_THRESH"`
	ClsBGThresh          float32 `koanf:"CLS_BG_THRESH" yaml:"CLS_BG_THRESH"`
	ClsBGThreshLo        float32 `koanf:"CLS_BG_THRESH_LO" yaml:"CLS_BG_THRESH_LO"`
	HardBGRatio          float32 `koanf:"HARD_BG_RATIO" yaml:"HARD_BG_RATIO"`
	RegFGThresh          float32 `koanf:"REG_FG_THRESH" yaml:"REG_FG_THRESH"`
}

// PostProcessingConfig configures detector level post processing.
type PostProcessingConfig struct {
	RecallThreshList []float32 `koanf:"RECALL_THRESH_LIST" yaml:"RECALL_THRESH_LIST"`
	ScoreThresh      float32   `koanf:"SCORE_THRESH" yaml:"SCORE_THRESH"`
	OutputRawScore   bool      `koanf:"OUTPUT_RAW_SCORE" yaml:"OUTPUT_RAW_SCORE"`
	EvalMetric       string    `koanf:"EVAL_METRIC" yaml:"EVAL_METRIC"`
	NMSConfig        NMSConfig `koanf:"NMS_CONFIG" yaml:"NMS_CONFIG"`
}
