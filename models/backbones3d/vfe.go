// Package backbones3d holds the voxel feature encoders and the registries of the 3D
// backbones and point feature extractors. Sparse convolution and PointNet++ backbones are
// external kernels: their names are registered without an implementation and must be
// provided with RegisterBackbone or RegisterPFE before a configuration naming them builds.
package backbones3d

import (
	"strconv"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/nn"
)

// MeanVFE encodes each voxel as the mean of its points.
type MeanVFE struct {
	numFeatures int
	batch       dataset.Shape
}

// NewMeanVFE builds a MeanVFE for the raw point features of info.
func NewMeanVFE(_ *G.ExprGraph, _ config.VFEConfig, info *model.Info) (model.Module, error) {
	info.NumPointFeatures = info.NumRawPointFeatures
	return &MeanVFE{numFeatures: info.NumRawPointFeatures, batch: info.Batch}, nil
}

func (m *MeanVFE) Name() string        { return "MeanVFE" }
func (m *MeanVFE) Learnables() G.Nodes { return nil }
func (m *MeanVFE) SetTraining(bool)    {}
func (m *MeanVFE) numVoxels() int      { return m.batch.Size * m.batch.MaxVoxels }

// Forward writes voxel_features (V, F): the sum of the point features divided by the point
// count clamped to at least one.
func (m *MeanVFE) Forward(d *model.DataDict) error {
	v, p := m.numVoxels(), m.batch.MaxPoints
	voxels := d.Input(model.KeyVoxels, v, p, m.numFeatures)
	counts := d.Input(model.KeyVoxelNumPoints, v)

	e := nn.NewExpr(d.Graph)
	sum := e.Sum(voxels, 1)
	norm := e.Reshape(e.MaxS(counts, 1), v, 1)
	out := e.BDiv(sum, norm, 1)
	if err := e.Err(); err != nil {
		return errors.Wrap(err, m.Name())
	}
	d.Set(model.KeyVoxelFeatures, out)
	return nil
}

// Feed binds the collated voxels.
func (m *MeanVFE) Feed(b *dataset.Batch, feeds model.Feeds) error {
	v := m.numVoxels()
	feeds[model.KeyVoxels] = nn.FromSlice(b.Voxels, v, m.batch.MaxPoints, m.numFeatures)
	feeds[model.KeyVoxelNumPoints] = nn.FromSlice(b.NumPoints, v)
	return nil
}

// PillarVFE is the PointPillars pillar feature net. Each point is augmented on the host
// with its offset from the pillar's point mean and from the pillar centre (and optionally
// its range); the augmented points pass through PFN layers and are max-pooled per pillar.
type PillarVFE struct {
	cfg        config.VFEConfig
	batch      dataset.Shape
	voxelSize  [3]float32
	offset     [3]float32
	rawDim     int
	featureDim int
	layers     []*pfnLayer
}

// pfnLayer is Linear + BatchNorm + ReLU followed by a max over the points of a pillar.
// Intermediate layers concatenate each point's feature with the pillar maximum.
type pfnLayer struct {
	linear *nn.Linear
	bn     *nn.BatchNorm
	last   bool
}

// NewPillarVFE builds the PFN layers of cfg.
func NewPillarVFE(g *G.ExprGraph, cfg config.VFEConfig, info *model.Info) (model.Module, error) {
	if len(cfg.NumFilters) == 0 {
		return nil, errors.Wrap(config.ErrInvalidConfig, "PillarVFE needs NUM_FILTERS")
	}
	v := &PillarVFE{
		cfg:       cfg,
		batch:     info.Batch,
		voxelSize: info.VoxelSize,
		rawDim:    info.NumRawPointFeatures,
	}
	for i := 0; i < 3; i++ {
		v.offset[i] = info.VoxelSize[i]/2 + info.PointRange[i]
	}

	in := info.NumRawPointFeatures + 3
	if cfg.UseAbsoluteXYZ {
		in += 3
	}
	if cfg.WithDistance {
		in++
	}
	v.featureDim = in

	for i, out := range cfg.NumFilters {
		layer := &pfnLayer{last: i == len(cfg.NumFilters)-1}
		units := out
		if !layer.last {
			units = out / 2
		}
		name := "vfe.pfn_layers." + strconv.Itoa(i)
		layer.linear = nn.NewLinear(g, name+".linear", in, units, !cfg.UseNorm)
		if cfg.UseNorm {
			layer.bn = nn.NewBatchNorm(g, name+".norm", units)
		}
		v.layers = append(v.layers, layer)
		in = out
	}
	info.NumPointFeatures = cfg.NumFilters[len(cfg.NumFilters)-1]
	return v, nil
}

func (v *PillarVFE) Name() string { return "PillarVFE" }

func (v *PillarVFE) Learnables() G.Nodes {
	var out G.Nodes
	for _, l := range v.layers {
		out = append(out, l.linear.Learnables()...)
		if l.bn != nil {
			out = append(out, l.bn.Learnables()...)
		}
	}
	return out
}

func (v *PillarVFE) SetTraining(training bool) {
	for _, l := range v.layers {
		if l.bn != nil {
			l.bn.SetTraining(training)
		}
	}
}

// Children exposes the batch norm layers to the trainer's state and step hooks.
func (v *PillarVFE) Children() []nn.Module {
	var out []nn.Module
	for _, l := range v.layers {
		out = append(out, l.linear)
		if l.bn != nil {
			out = append(out, l.bn)
		}
	}
	return out
}

// Forward writes pillar_features (V, C).
func (v *PillarVFE) Forward(d *model.DataDict) error {
	nv, np := v.batch.Size*v.batch.MaxVoxels, v.batch.MaxPoints
	x := d.Input(model.KeyVoxels, nv, np, v.featureDim)

	e := nn.NewExpr(d.Graph)
	for _, l := range v.layers {
		h, err := l.linear.Forward(x)
		e.Fail(err)
		if e.HasError() {
			break
		}
		units := l.linear.Out
		if l.bn != nil {
			h, err = l.bn.Forward(e.Reshape(h, nv*np, units))
			e.Fail(err)
			h = e.Reshape(h, nv, np, units)
		}
		h = e.ReLU(h)
		hmax := e.Max(h, 1)
		if l.last {
			x = hmax
			break
		}
		repeated := e.BAdd(e.MulS(h, 0), e.Reshape(hmax, nv, 1, units), 1)
		x = e.Concat(2, h, repeated)
	}
	if err := e.Err(); err != nil {
		return errors.Wrap(err, v.Name())
	}
	d.Set(model.KeyPillarFeatures, x)
	return nil
}

// Feed encodes the collated voxels into augmented point features. Padding points stay zero.
func (v *PillarVFE) Feed(b *dataset.Batch, feeds model.Feeds) error {
	nv, np, nf := b.Size*b.MaxVoxels, b.MaxPoints, b.NumFeatures
	if nf != v.rawDim {
		return errors.Wrapf(nn.ErrShapeMismatch, "batch has %d point features, encoder expects %d", nf, v.rawDim)
	}
	out := make([]float32, nv*np*v.featureDim)
	for i := 0; i < nv; i++ {
		count := int(b.NumPoints[i])
		if count == 0 {
			continue
		}
		pts := b.Voxels[i*np*nf : (i+1)*np*nf]
		var mean [3]float32
		for j := 0; j < count; j++ {
			for k := 0; k < 3; k++ {
				mean[k] += pts[j*nf+k]
			}
		}
		for k := range mean {
			mean[k] /= float32(count)
		}
		// coords are (batch, z, y, x); the centre offsets use x, y, z
		coord := b.Coords[i*4 : i*4+4]
		centre := [3]float32{
			float32(coord[3])*v.voxelSize[0] + v.offset[0],
			float32(coord[2])*v.voxelSize[1] + v.offset[1],
			float32(coord[1])*v.voxelSize[2] + v.offset[2],
		}

		for j := 0; j < count; j++ {
			p := pts[j*nf : (j+1)*nf]
			row := out[(i*np+j)*v.featureDim : (i*np+j+1)*v.featureDim]
			n := 0
			if v.cfg.UseAbsoluteXYZ {
				n += copy(row, p)
			} else {
				n += copy(row, p[3:])
			}
			for k := 0; k < 3; k++ {
				row[n] = p[k] - mean[k]
				n++
			}
			for k := 0; k < 3; k++ {
				row[n] = p[k] - centre[k]
				n++
			}
			if v.cfg.WithDistance {
				row[n] = math32.Sqrt(p[0]*p[0] + p[1]*p[1] + p[2]*p[2])
			}
		}
	}
	feeds[model.KeyVoxels] = nn.FromSlice(out, nv, np, v.featureDim)
	return nil
}
