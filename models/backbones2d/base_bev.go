package backbones2d

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/nn"
)

// BaseBEVBackbone is the multi scale BEV network of SECOND and PointPillars. Each level
// downsamples with a strided 3x3 convolution, refines with LAYER_NUMS[i] more, and is brought
// back to a common resolution by a deblock; the deblock outputs are concatenated on channels.
type BaseBEVBackbone struct {
	blocks   []nn.Sequential
	deblocks []nn.Layer
	// extra is the final upsampling applied after concatenation, or nil.
	extra nn.Layer

	inChannels int
	batch      int
}

// NewBaseBEVBackbone builds the levels of cfg on top of info.NumBEVFeatures input channels.
func NewBaseBEVBackbone(g *G.ExprGraph, cfg config.Backbone2DConfig, info *model.Info) (model.Module, error) {
	if len(cfg.LayerNums) != len(cfg.LayerStrides) || len(cfg.LayerNums) != len(cfg.NumFilters) {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "BaseBEVBackbone: %d layer nums, %d strides, %d filters",
			len(cfg.LayerNums), len(cfg.LayerStrides), len(cfg.NumFilters))
	}
	if len(cfg.UpsampleStrides) != len(cfg.NumUpsampleFilters) {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "BaseBEVBackbone: %d upsample strides, %d upsample filters",
			len(cfg.UpsampleStrides), len(cfg.NumUpsampleFilters))
	}
	levels := len(cfg.LayerNums)
	b := &BaseBEVBackbone{inChannels: info.NumBEVFeatures, batch: info.Batch.Size}

	in := info.NumBEVFeatures
	stride := max(info.BEVStride, 1)
	outStride := 0
	for i := 0; i < levels; i++ {
		name := fmt.Sprintf("backbone_2d.blocks.%d", i)
		block := nn.Sequential{nn.NewConvBNReLU(g, name+".0", in, cfg.NumFilters[i], 3, cfg.LayerStrides[i], 1)}
		for k := 0; k < cfg.LayerNums[i]; k++ {
			block = append(block, nn.NewConvBNReLU(g, fmt.Sprintf("%s.%d", name, k+1), cfg.NumFilters[i], cfg.NumFilters[i], 3, 1, 1))
		}
		b.blocks = append(b.blocks, block)
		in = cfg.NumFilters[i]
		stride *= cfg.LayerStrides[i]

		if i >= len(cfg.UpsampleStrides) {
			continue
		}
		dname := fmt.Sprintf("backbone_2d.deblocks.%d", i)
		up := cfg.UpsampleStrides[i]
		if up >= 1 {
			s := int(up)
			b.deblocks = append(b.deblocks, nn.NewDeconvBNReLU(g, dname, in, cfg.NumUpsampleFilters[i], s, s, 0, 0))
			if i == 0 {
				outStride = stride / s
			}
		} else {
			s := int(math32.Round(1 / up))
			b.deblocks = append(b.deblocks, nn.NewConvBNReLU(g, dname, in, cfg.NumUpsampleFilters[i], s, s, 0))
			if i == 0 {
				outStride = stride * s
			}
		}
	}

	out := 0
	for _, f := range cfg.NumUpsampleFilters {
		out += f
	}
	switch {
	case len(cfg.UpsampleStrides) > levels:
		s := int(cfg.UpsampleStrides[len(cfg.UpsampleStrides)-1])
		b.extra = nn.NewDeconvBNReLU(g, fmt.Sprintf("backbone_2d.deblocks.%d", levels), out, out, s, s, 0, 0)
		outStride /= s
	case len(cfg.UpsampleStrides) == 0:
		out = in
		outStride = stride
	}
	if len(b.deblocks) > 0 && len(b.deblocks) < levels {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "BaseBEVBackbone: %d deblocks for %d levels", len(b.deblocks), levels)
	}
	info.NumBEVFeatures = out
	info.BEVStride = max(outStride, 1)
	return b, nil
}

func (b *BaseBEVBackbone) Name() string { return "BaseBEVBackbone" }

func (b *BaseBEVBackbone) Children() []nn.Module {
	var out []nn.Module
	for _, blk := range b.blocks {
		out = append(out, blk)
	}
	for _, d := range b.deblocks {
		out = append(out, d)
	}
	if b.extra != nil {
		out = append(out, b.extra)
	}
	return out
}

func (b *BaseBEVBackbone) Learnables() G.Nodes { return nn.Collect(b.Children()...) }

func (b *BaseBEVBackbone) SetTraining(training bool) {
	for _, m := range b.Children() {
		m.SetTraining(training)
	}
}

// Forward reads spatial_features and writes spatial_features_2d.
func (b *BaseBEVBackbone) Forward(d *model.DataDict) error {
	x, err := d.GetShape(model.KeySpatialFeatures, b.batch, b.inChannels, -1, -1)
	if err != nil {
		return errors.Wrap(err, b.Name())
	}
	var ups G.Nodes
	for i, blk := range b.blocks {
		if x, err = blk.Forward(x); err != nil {
			return errors.Wrapf(err, "%s: level %d", b.Name(), i)
		}
		if i < len(b.deblocks) {
			up, err := b.deblocks[i].Forward(x)
			if err != nil {
				return errors.Wrapf(err, "%s: deblock %d", b.Name(), i)
			}
			ups = append(ups, up)
		}
	}
	switch {
	case len(ups) > 1:
		if x, err = G.Concat(1, ups...); err != nil {
			return errors.Wrapf(err, "%s: concat %v", b.Name(), shapes(ups))
		}
	case len(ups) == 1:
		x = ups[0]
	}
	if b.extra != nil {
		if x, err = b.extra.Forward(x); err != nil {
			return errors.Wrapf(err, "%s: extra deblock", b.Name())
		}
	}
	d.Set(model.KeySpatialFeatures2D, x)
	return nil
}

func shapes(ns G.Nodes) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = fmt.Sprint(n.Shape())
	}
	return out
}
