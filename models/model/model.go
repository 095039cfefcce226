// Package model - Definitions shared by the detector modules: registered names, the module
// contract and the errors of the module registries.
package model

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
	"github.com/nvr-ai/go-pcdet/nn"
)

// Name is the unique identifier of a detector.
type Name string

const (
	// NameDetector3DTemplate is the generic module pipeline.
	NameDetector3DTemplate Name = "Detector3DTemplate"
	// NameSECONDNet is SECOND: voxel backbone and anchor head.
	NameSECONDNet Name = "SECONDNet"
	// NamePartA2Net is Part-A2: part-aware point head and RoI head.
	NamePartA2Net Name = "PartA2Net"
	// NamePVRCNN is PV-RCNN: voxel set abstraction and keypoint RoI head.
	NamePVRCNN Name = "PVRCNN"
	// NamePointPillar is PointPillars: pillar encoder, BEV backbone and anchor head.
	NamePointPillar Name = "PointPillar"
	// NamePointRCNN is PointRCNN: point backbone, point head and RoI head.
	NamePointRCNN Name = "PointRCNN"
	// NameSECONDNetIoU is SECOND with an IoU rescoring RoI head.
	NameSECONDNetIoU Name = "SECONDNetIoU"
	// NameCaDDN is CaDDN: image depth distribution network.
	NameCaDDN Name = "CaDDN"
	// NameVoxelRCNN is Voxel R-CNN.
	NameVoxelRCNN Name = "VoxelRCNN"
	// NameCenterPoint is CenterPoint with a center heatmap head.
	NameCenterPoint Name = "CenterPoint"
	// NameCenterPointv1 is the KITTI CenterPoint variant.
	NameCenterPointv1 Name = "CenterPointv1"
	// NameCenterPointRCNN is the KITTI CenterPoint variant with a second stage.
	NameCenterPointRCNN Name = "CenterPointRCNN"
	// NameCenterPoints is the ONCE CenterPoint variant.
	NameCenterPoints Name = "CenterPoints"
	// NameSemiSECOND is the semi-supervised SECOND variant.
	NameSemiSECOND Name = "SemiSECOND"
	// NameSemiSECONDIoU is the semi-supervised SECONDNetIoU variant.
	NameSemiSECONDIoU Name = "SemiSECONDIoU"
	// NameCT3D is CT3D: channel-wise transformer RoI head.
	NameCT3D Name = "CT3D"
	// NameCT3D3CAT is CT3D with three-category refinement.
	NameCT3D3CAT Name = "CT3D_3CAT"
	// NamePVRCNNPlusPlus is PV-RCNN++.
	NamePVRCNNPlusPlus Name = "PVRCNNPlusPlus"
)

// Kind is a slot of the module topology.
type Kind string

const (
	KindVFE        Kind = "vfe"
	KindBackbone3D Kind = "backbone_3d"
	KindMapToBEV   Kind = "map_to_bev_module"
	KindPFE        Kind = "pfe"
	KindBackbone2D Kind = "backbone_2d"
	KindDenseHead  Kind = "dense_head"
	KindPointHead  Kind = "point_head"
	KindRoIHead    Kind = "roi_head"

	// KindDetector names the registry of full detectors. It is not a topology slot.
	KindDetector Kind = "detector"
)

// Topology is the order in which a detector builds and runs its modules.
var Topology = []Kind{
	KindVFE, KindBackbone3D, KindMapToBEV, KindPFE,
	KindBackbone2D, KindDenseHead, KindPointHead, KindRoIHead,
}

var (
	// ErrUnknownModule is returned for a module or detector name without a registry entry.
	ErrUnknownModule = errors.New("unknown module")
	// ErrKernelRequired is returned for a module that needs an external kernel that has not
	// been registered.
	ErrKernelRequired = errors.New("external kernel required")
	// ErrMissingKey is returned when a module reads a data dictionary key no earlier module
	// produced.
	ErrMissingKey = errors.New("missing data dict key")
)

// Info is the running description of the pipeline handed from module to module while a
// detector is built. Builders read the fields earlier modules filled in and update the ones
// they change.
type Info struct {
	NumClass   int
	ClassNames []string
	Batch      dataset.Shape
	Training   bool
	GridSize   [3]int // (x, y, z)
	VoxelSize  [3]float32
	PointRange [6]float32

	NumRawPointFeatures int
	NumPointFeatures    int
	NumBEVFeatures      int
	// BackboneStride is the downsampling of the 3D backbone output relative to the voxel grid.
	BackboneStride int
	// BEVStride is the downsampling of spatial_features_2d relative to the voxel grid.
	BEVStride int
	// PredictBoxesWhenTraining asks the dense head to decode boxes in the training graph too,
	// for a second stage to refine.
	PredictBoxesWhenTraining bool
	// Seed seeds the sampling done while building training targets.
	Seed uint64

	Logger *zap.Logger
}

// BEVSize returns the (height, width) of a BEV map with the given stride.
func (i *Info) BEVSize(stride int) (int, int) {
	return i.GridSize[1] / stride, i.GridSize[0] / stride
}

// Module is one stage of a detector. Forward adds the stage to the graph, reading the keys
// earlier stages produced and writing its own.
type Module interface {
	nn.Module
	Name() string
	Forward(d *DataDict) error
}

// Feeds maps data dictionary input keys to the host tensors bound for one batch.
type Feeds map[string]*tensor.Dense

// Feeder is implemented by modules whose graph inputs are prepared on the host from the
// batch: encoded point features, scatter indices, training targets.
type Feeder interface {
	Feed(b *dataset.Batch, feeds Feeds) error
}

// LossHead is implemented by heads that contribute a training loss.
type LossHead interface {
	// Loss returns the scalar loss node and its named components for logging.
	Loss(d *DataDict) (*G.Node, map[string]*G.Node, error)
}

// Predictor is implemented by the head whose outputs feed post-processing. It runs on the
// host after the graph has been evaluated.
type Predictor interface {
	Predict(d *DataDict, b *dataset.Batch) (*Predictions, error)
}

// Predictions are the per-batch host predictions handed to post-processing.
type Predictions struct {
	BatchSize int
	// NumBoxes is the number of predicted boxes per sample.
	NumBoxes int
	// NumScores is the width of a score row: the class count, or 1 for class agnostic scores.
	NumScores int
	// Scores holds (BatchSize, NumBoxes, NumScores) scores.
	Scores []float32
	// Normalized reports that Scores are probabilities already.
	Normalized bool
	// Boxes holds (BatchSize, NumBoxes, 7) decoded boxes.
	Boxes []float32
	// Labels holds (BatchSize, NumBoxes) 1-based labels from the first stage when the scores
	// are class agnostic; padding boxes have label 0.
	Labels []int32
	// RoIScores holds (BatchSize, NumBoxes) first stage scores for rescoring.
	RoIScores []float32
	// Final holds fully post-processed detections per sample when the head selects its own
	// detections. Post-processing passes them through.
	Final [][]postprocess.Result
	// RoIs holds (BatchSize, NumBoxes, 7) second stage proposals, used for recall.
	RoIs []float32
}

// Row returns the scores of box j of sample i.
func (p *Predictions) Row(i, j int) []float32 {
	off := (i*p.NumBoxes + j) * p.NumScores
	return p.Scores[off : off+p.NumScores]
}
