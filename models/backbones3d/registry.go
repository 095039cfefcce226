package backbones3d

import (
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/models/model"
)

// VFEBuilder builds a voxel feature encoder.
type VFEBuilder func(g *G.ExprGraph, cfg config.VFEConfig, info *model.Info) (model.Module, error)

// Builder builds a 3D backbone or point feature extractor provided by an external kernel.
// It must update info.NumPointFeatures and info.BackboneStride to describe its output.
type Builder func(g *G.ExprGraph, cfg config.ModuleConfig, info *model.Info) (model.Module, error)

// VFEs holds the voxel feature encoders.
var VFEs = model.NewRegistry[VFEBuilder](model.KindVFE).
	Add("MeanVFE", NewMeanVFE).
	Add("PillarVFE", NewPillarVFE).
	External("ImageVFE")

// Backbones holds the 3D backbones. All of them run sparse convolution or PointNet++
// kernels.
var Backbones = model.NewRegistry[Builder](model.KindBackbone3D).External(
	"VoxelBackBone8x", "VoxelResBackBone8x", "SlimVoxelBackBone8x", "SlimVRVoxelBackBone8x",
	"VoxelBackBone4x", "UNetV2", "SpMiddleResNetFHD",
	"PointNet2Backbone", "PointNet2MSG", "PointNet2MSG_fsa", "PointNet2MSG_dsa",
)

// PFEs holds the point feature extractors.
var PFEs = model.NewRegistry[Builder](model.KindPFE).
	External("VoxelSetAbstraction", "DefVoxelSetAbstraction", "SAVoxelSetAbstraction")

// RegisterBackbone provides the implementation of a 3D backbone.
func RegisterBackbone(name string, b Builder) { Backbones.Add(name, b) }

// RegisterPFE provides the implementation of a point feature extractor.
func RegisterPFE(name string, b Builder) { PFEs.Add(name, b) }

// BuildVFE builds the VFE of cfg. An empty name builds nothing.
func BuildVFE(g *G.ExprGraph, cfg config.VFEConfig, info *model.Info) (model.Module, error) {
	if cfg.Name == "" {
		return nil, nil
	}
	b, err := VFEs.Lookup(cfg.Name)
	if err != nil {
		return nil, err
	}
	return b(g, cfg, info)
}

// BuildBackbone builds the 3D backbone of cfg. An empty name builds nothing.
func BuildBackbone(g *G.ExprGraph, cfg config.ModuleConfig, info *model.Info) (model.Module, error) {
	if cfg.Name == "" {
		return nil, nil
	}
	b, err := Backbones.Lookup(cfg.Name)
	if err != nil {
		return nil, err
	}
	return b(g, cfg, info)
}

// BuildPFE builds the point feature extractor of cfg. An empty name builds nothing.
func BuildPFE(g *G.ExprGraph, cfg config.ModuleConfig, info *model.Info) (model.Module, error) {
	if cfg.Name == "" {
		return nil, nil
	}
	b, err := PFEs.Lookup(cfg.Name)
	if err != nil {
		return nil, err
	}
	return b(g, cfg, info)
}
