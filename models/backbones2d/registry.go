package backbones2d

import (
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/models/model"
)

// MapToBEVBuilder builds a 3D to BEV projection.
type MapToBEVBuilder func(g *G.ExprGraph, cfg config.MapToBEVConfig, info *model.Info) (model.Module, error)

// Builder builds a 2D backbone.
type Builder func(g *G.ExprGraph, cfg config.Backbone2DConfig, info *model.Info) (model.Module, error)

// MapToBEV holds the projections. Conv2DCollapse folds image frustum features and needs
// the image backbone kernels.
var MapToBEV = model.NewRegistry[MapToBEVBuilder](model.KindMapToBEV).
	Add("PointPillarScatter", NewPointPillarScatter).
	Add("HeightCompression", NewHeightCompression).
	External("Conv2DCollapse")

// Backbones holds the 2D backbones.
var Backbones = model.NewRegistry[Builder](model.KindBackbone2D).
	Add("BaseBEVBackbone", NewBaseBEVBackbone).
	Add("SSFABEVBackbone", NewSSFABEVBackbone)

// BuildMapToBEV builds the projection of cfg. An empty name builds nothing.
func BuildMapToBEV(g *G.ExprGraph, cfg config.MapToBEVConfig, info *model.Info) (model.Module, error) {
	if cfg.Name == "" {
		return nil, nil
	}
	b, err := MapToBEV.Lookup(cfg.Name)
	if err != nil {
		return nil, err
	}
	return b(g, cfg, info)
}

// BuildBackbone builds the 2D backbone of cfg. An empty name builds nothing.
func BuildBackbone(g *G.ExprGraph, cfg config.Backbone2DConfig, info *model.Info) (model.Module, error) {
	if cfg.Name == "" {
		return nil, nil
	}
	b, err := Backbones.Lookup(cfg.Name)
	if err != nil {
		return nil, err
	}
	return b(g, cfg, info)
}
