package densehead

import (
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/models/model"
)

// Builder builds a dense head.
type Builder func(g *G.ExprGraph, cfg config.DenseHeadConfig, info *model.Info) (model.Module, error)

// PointHeadBuilder builds a point head. Point heads consume PFE keypoint features and are
// provided by external kernels.
type PointHeadBuilder func(g *G.ExprGraph, cfg config.ModuleConfig, info *model.Info) (model.Module, error)

// Heads holds the dense heads.
var Heads = model.NewRegistry[Builder](model.KindDenseHead).
	Add("AnchorHeadSingle", buildAnchorHeadSingle).
	Add("AnchorHeadSemi", buildAnchorHeadSemi).
	Add("CenterHead", buildCenterHead("CenterHead", centerLossesDefault)).
	Add("CenterHeadv1", buildCenterHead("CenterHeadv1", centerLossesV1)).
	Add("CenterHeadv2", buildCenterHead("CenterHeadv2", centerLossesV2))

// PointHeads holds the point heads.
var PointHeads = model.NewRegistry[PointHeadBuilder](model.KindPointHead).
	External("PointHeadBox", "PointHeadSimple", "PointIntraPartOffsetHead")

func buildAnchorHeadSingle(g *G.ExprGraph, cfg config.DenseHeadConfig, info *model.Info) (model.Module, error) {
	h, err := NewAnchorHeadSingle(g, cfg, info, info.PredictBoxesWhenTraining)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func buildAnchorHeadSemi(g *G.ExprGraph, cfg config.DenseHeadConfig, info *model.Info) (model.Module, error) {
	h, err := NewAnchorHeadSingle(g, cfg, info, true)
	if err != nil {
		return nil, err
	}
	return &AnchorHeadSemi{AnchorHeadSingle: h}, nil
}

func buildCenterHead(name string, fns centerLosses) Builder {
	return func(g *G.ExprGraph, cfg config.DenseHeadConfig, info *model.Info) (model.Module, error) {
		h, err := newCenterHead(g, name, cfg, info, fns)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// RegisterPointHead provides the implementation of a point head.
func RegisterPointHead(name string, b PointHeadBuilder) { PointHeads.Add(name, b) }

// Build builds the dense head of cfg. An empty name builds nothing.
func Build(g *G.ExprGraph, cfg config.DenseHeadConfig, info *model.Info) (model.Module, error) {
	if cfg.Name == "" {
		return nil, nil
	}
	b, err := Heads.Lookup(cfg.Name)
	if err != nil {
		return nil, err
	}
	return b(g, cfg, info)
}

// BuildPointHead builds the point head of cfg. An empty name builds nothing.
func BuildPointHead(g *G.ExprGraph, cfg config.ModuleConfig, info *model.Info) (model.Module, error) {
	if cfg.Name == "" {
		return nil, nil
	}
	b, err := PointHeads.Lookup(cfg.Name)
	if err != nil {
		return nil, err
	}
	return b(g, cfg, info)
}
