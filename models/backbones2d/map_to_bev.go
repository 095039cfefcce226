// Package backbones2d holds the modules that turn 3D features into a bird's eye view map and
// the 2D backbones that refine it.
package backbones2d

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/nn"
)

// PointPillarScatter places every pillar feature at its (y, x) cell of a zero canvas.
type PointPillarScatter struct {
	channels int
	batch    dataset.Shape
	ny, nx   int
}

// NewPointPillarScatter builds the scatter for a single height cell voxel grid.
func NewPointPillarScatter(_ *G.ExprGraph, cfg config.MapToBEVConfig, info *model.Info) (model.Module, error) {
	if info.GridSize[2] != 1 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "PointPillarScatter needs one voxel along z, grid %v", info.GridSize)
	}
	if cfg.NumBEVFeatures != info.NumPointFeatures {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "NUM_BEV_FEATURES %d, pillar features %d",
			cfg.NumBEVFeatures, info.NumPointFeatures)
	}
	info.NumBEVFeatures = cfg.NumBEVFeatures
	info.BEVStride = 1
	return &PointPillarScatter{
		channels: cfg.NumBEVFeatures,
		batch:    info.Batch,
		ny:       info.GridSize[1],
		nx:       info.GridSize[0],
	}, nil
}

func (s *PointPillarScatter) Name() string        { return "PointPillarScatter" }
func (s *PointPillarScatter) Learnables() G.Nodes { return nil }
func (s *PointPillarScatter) SetTraining(bool)    {}

// Forward writes spatial_features (B, C, ny, nx).
func (s *PointPillarScatter) Forward(d *model.DataDict) error {
	nv := s.batch.Size * s.batch.MaxVoxels
	feats, err := d.GetShape(model.KeyPillarFeatures, nv, s.channels)
	if err != nil {
		return errors.Wrap(err, s.Name())
	}
	index := d.Input(model.KeyPillarIndex, nv)

	e := nn.NewExpr(d.Graph)
	canvas := e.Scatter(feats, index, s.batch.Size, s.ny, s.nx)
	if err := e.Err(); err != nil {
		return errors.Wrap(err, s.Name())
	}
	d.Set(model.KeySpatialFeatures, canvas)
	return nil
}

// Feed computes the flat canvas position b*ny*nx + y*nx + x of every pillar; padding pillars
// get -1.
func (s *PointPillarScatter) Feed(b *dataset.Batch, feeds model.Feeds) error {
	nv := b.Size * b.MaxVoxels
	index := make([]float32, nv)
	plane := s.ny * s.nx
	for i := 0; i < nv; i++ {
		c := b.Coords[i*4 : i*4+4]
		if c[0] < 0 {
			index[i] = -1
			continue
		}
		y, x := int(c[2]), int(c[3])
		if y >= s.ny || x >= s.nx {
			return errors.Wrapf(nn.ErrShapeMismatch, "pillar (%d, %d) outside %dx%d grid", y, x, s.ny, s.nx)
		}
		index[i] = float32(int(c[0])*plane + y*s.nx + x)
	}
	feeds[model.KeyPillarIndex] = nn.FromSlice(index, nv)
	return nil
}

// HeightCompression folds the depth axis of the dense 3D backbone output into channels.
type HeightCompression struct {
	channels int
	batch    int
}

// NewHeightCompression builds the projection. The channel count after folding must equal
// NUM_BEV_FEATURES; it is checked when the graph is built.
func NewHeightCompression(_ *G.ExprGraph, cfg config.MapToBEVConfig, info *model.Info) (model.Module, error) {
	if cfg.NumBEVFeatures <= 0 {
		return nil, errors.Wrap(config.ErrInvalidConfig, "HeightCompression needs NUM_BEV_FEATURES")
	}
	info.NumBEVFeatures = cfg.NumBEVFeatures
	info.BEVStride = max(info.BackboneStride, 1)
	return &HeightCompression{channels: cfg.NumBEVFeatures, batch: info.Batch.Size}, nil
}

func (h *HeightCompression) Name() string        { return "HeightCompression" }
func (h *HeightCompression) Learnables() G.Nodes { return nil }
func (h *HeightCompression) SetTraining(bool)    {}

// Forward reshapes encoded_spconv_tensor (B, C, D, H, W) into spatial_features (B, C*D, H, W).
func (h *HeightCompression) Forward(d *model.DataDict) error {
	x, err := d.GetShape(model.KeyEncodedSpconv, h.batch, -1, -1, -1, -1)
	if err != nil {
		return errors.Wrap(err, h.Name())
	}
	s := x.Shape()
	if s[1]*s[2] != h.channels {
		return errors.Wrapf(nn.ErrShapeMismatch, "%s: %v folds to %d channels, want %d", h.Name(), s, s[1]*s[2], h.channels)
	}
	e := nn.NewExpr(d.Graph)
	out := e.Reshape(x, s[0], s[1]*s[2], s[3], s[4])
	if err := e.Err(); err != nil {
		return errors.Wrap(err, h.Name())
	}
	d.Set(model.KeySpatialFeatures, out)
	return nil
}
