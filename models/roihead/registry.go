package roihead

import (
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/models/model"
)

// Builder builds a RoI head.
type Builder func(g *G.ExprGraph, cfg config.RoIHeadConfig, info *model.Info) (model.Module, error)

// Heads holds the RoI heads. The point based heads need point pooling kernels and are
// provided by external packages through Register.
var Heads = model.NewRegistry[Builder](model.KindRoIHead).
	Add("SECONDHead", buildSECONDHead("SECONDHead")).
	Add("SemiSECONDHead", buildSECONDHead("SemiSECONDHead")).
	External("PartA2FCHead", "PVRCNNHead", "PointRCNNHead", "VoxelRCNNHead", "CT3DHead")

func buildSECONDHead(name string) Builder {
	return func(g *G.ExprGraph, cfg config.RoIHeadConfig, info *model.Info) (model.Module, error) {
		h, err := NewSECONDHead(g, name, cfg, info)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// Register provides the implementation of a RoI head.
func Register(name string, b Builder) { Heads.Add(name, b) }

// Build builds the RoI head of cfg. An empty name builds nothing.
func Build(g *G.ExprGraph, cfg config.RoIHeadConfig, info *model.Info) (model.Module, error) {
	if cfg.Name == "" {
		return nil, nil
	}
	b, err := Heads.Lookup(cfg.Name)
	if err != nil {
		return nil, err
	}
	return b(g, cfg, info)
}
