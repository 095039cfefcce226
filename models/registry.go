// Package models - registry of the full detectors and the detector template that assembles
// them from the module registries.
package models

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/models/model"
)

// PostProcess selects how a detector turns head predictions into detections.
type PostProcess int

const (
	// PostClassScores takes the sigmoid of the class logits, or the logits as they are when
	// the head normalized them, and runs NMS. Heads that select their own detections pass
	// them through.
	PostClassScores PostProcess = iota
	// PostIoURescore blends the first stage class score with the predicted IoU of the RoI
	// head according to NMS_CONFIG.SCORE_TYPE.
	PostIoURescore
	// PostFinal passes through the detections the dense head selected itself.
	PostFinal
)

// Spec declares what a detector needs from its configuration.
type Spec struct {
	Name model.Name
	// Required lists the topology slots the MODEL block must name.
	Required []model.Kind
	Post     PostProcess
}

// Check reports a configuration missing one of the required modules.
func (s Spec) Check(cfg config.ModelConfig) error {
	for _, k := range s.Required {
		if moduleName(cfg, k) == "" {
			return errors.Wrapf(config.ErrInvalidConfig, "%s needs a %s", s.Name, k)
		}
	}
	return nil
}

func moduleName(cfg config.ModelConfig, k model.Kind) string {
	switch k {
	case model.KindVFE:
		return cfg.VFE.Name
	case model.KindBackbone3D:
		return cfg.Backbone3D.Name
	case model.KindMapToBEV:
		return cfg.MapToBEV.Name
	case model.KindPFE:
		return cfg.PFE.Name
	case model.KindBackbone2D:
		return cfg.Backbone2D.Name
	case model.KindDenseHead:
		return cfg.DenseHead.Name
	case model.KindPointHead:
		return cfg.PointHead.Name
	case model.KindRoIHead:
		return cfg.RoIHead.Name
	}
	return ""
}

var (
	bevAnchor  = []model.Kind{model.KindVFE, model.KindMapToBEV, model.KindBackbone2D, model.KindDenseHead}
	voxel      = []model.Kind{model.KindVFE, model.KindBackbone3D, model.KindMapToBEV, model.KindBackbone2D, model.KindDenseHead}
	voxelRCNN  = append(append([]model.Kind(nil), voxel...), model.KindRoIHead)
	pointRCNN  = []model.Kind{model.KindBackbone3D, model.KindPointHead, model.KindRoIHead}
	partA2     = append(append([]model.Kind(nil), voxel...), model.KindPointHead, model.KindRoIHead)
	pvrcnn     = append(append([]model.Kind(nil), partA2...), model.KindPFE)
	pvrcnnPlus = append(append([]model.Kind(nil), voxelRCNN...), model.KindPFE)
	bevRCNN    = append(append([]model.Kind(nil), bevAnchor...), model.KindRoIHead)
)

// Detectors holds every detector name. Whether a configuration builds depends on the
// modules it names: sparse convolution and point backbones need external kernels.
var Detectors = model.NewRegistry[Spec](model.KindDetector).
	Add(string(model.NameDetector3DTemplate), Spec{Name: model.NameDetector3DTemplate}).
	Add(string(model.NameSECONDNet), Spec{Name: model.NameSECONDNet, Required: voxel}).
	Add(string(model.NamePartA2Net), Spec{Name: model.NamePartA2Net, Required: partA2}).
	Add(string(model.NamePVRCNN), Spec{Name: model.NamePVRCNN, Required: pvrcnn}).
	Add(string(model.NamePointPillar), Spec{Name: model.NamePointPillar, Required: bevAnchor}).
	Add(string(model.NamePointRCNN), Spec{Name: model.NamePointRCNN, Required: pointRCNN}).
	Add(string(model.NameSECONDNetIoU), Spec{Name: model.NameSECONDNetIoU, Required: bevRCNN, Post: PostIoURescore}).
	Add(string(model.NameCaDDN), Spec{Name: model.NameCaDDN, Required: bevAnchor}).
	Add(string(model.NameVoxelRCNN), Spec{Name: model.NameVoxelRCNN, Required: voxelRCNN}).
	Add(string(model.NameCenterPoint), Spec{Name: model.NameCenterPoint, Required: bevAnchor, Post: PostFinal}).
	Add(string(model.NameCenterPointv1), Spec{Name: model.NameCenterPointv1, Required: bevAnchor, Post: PostFinal}).
	Add(string(model.NameCenterPointRCNN), Spec{Name: model.NameCenterPointRCNN, Required: bevRCNN}).
	Add(string(model.NameCenterPoints), Spec{Name: model.NameCenterPoints, Required: bevAnchor, Post: PostFinal}).
	Add(string(model.NameSemiSECOND), Spec{Name: model.NameSemiSECOND, Required: bevAnchor}).
	Add(string(model.NameSemiSECONDIoU), Spec{Name: model.NameSemiSECONDIoU, Required: bevRCNN, Post: PostIoURescore}).
	Add(string(model.NameCT3D), Spec{Name: model.NameCT3D, Required: voxelRCNN}).
	Add(string(model.NameCT3D3CAT), Spec{Name: model.NameCT3D3CAT, Required: voxelRCNN}).
	Add(string(model.NamePVRCNNPlusPlus), Spec{Name: model.NamePVRCNNPlusPlus, Required: pvrcnnPlus})
