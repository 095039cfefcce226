package backbones2d

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/nn"
)

// SSFABEVBackbone is the spatial semantic feature aggregation network of CIA-SSD. A spatial
// branch keeps full resolution, a semantic branch downsamples once, and a learned per pixel
// weighting fuses the two.
type SSFABEVBackbone struct {
	bottomUp0, bottomUp1 nn.Sequential
	trans0, trans1       *nn.ConvBNReLU
	deconv0, deconv1     *nn.DeconvBNReLU
	conv0, conv1         *nn.ConvBNReLU
	w0, w1               nn.Sequential

	inChannels int
	batch      int
}

const ssfaChannels = 128

// NewSSFABEVBackbone builds the fixed CIA-SSD layer graph. The output has 128 channels at
// the input resolution.
func NewSSFABEVBackbone(g *G.ExprGraph, _ config.Backbone2DConfig, info *model.Info) (model.Module, error) {
	const c, c2 = ssfaChannels, 2 * ssfaChannels
	in := info.NumBEVFeatures
	if in <= 0 {
		return nil, errors.Wrap(config.ErrInvalidConfig, "SSFABEVBackbone needs BEV input channels")
	}
	s := &SSFABEVBackbone{
		bottomUp0: nn.Sequential{
			nn.NewConvBNReLU(g, "backbone_2d.bottom_up_block_0.0", in, c, 3, 1, 1),
			nn.NewConvBNReLU(g, "backbone_2d.bottom_up_block_0.1", c, c, 3, 1, 1),
			nn.NewConvBNReLU(g, "backbone_2d.bottom_up_block_0.2", c, c, 3, 1, 1),
		},
		bottomUp1: nn.Sequential{
			nn.NewConvBNReLU(g, "backbone_2d.bottom_up_block_1.0", c, c2, 3, 2, 1),
			nn.NewConvBNReLU(g, "backbone_2d.bottom_up_block_1.1", c2, c2, 3, 1, 1),
			nn.NewConvBNReLU(g, "backbone_2d.bottom_up_block_1.2", c2, c2, 3, 1, 1),
		},
		trans0:  nn.NewConvBNReLU(g, "backbone_2d.trans_0", c, c, 1, 1, 0),
		trans1:  nn.NewConvBNReLU(g, "backbone_2d.trans_1", c2, c2, 1, 1, 0),
		deconv0: nn.NewDeconvBNReLU(g, "backbone_2d.deconv_block_0", c2, c, 3, 2, 1, 1),
		deconv1: nn.NewDeconvBNReLU(g, "backbone_2d.deconv_block_1", c2, c, 3, 2, 1, 1),
		conv0:   nn.NewConvBNReLU(g, "backbone_2d.conv_0", c, c, 3, 1, 1),
		conv1:   nn.NewConvBNReLU(g, "backbone_2d.conv_1", c, c, 3, 1, 1),
		w0: nn.Sequential{
			nn.NewConv2d(g, "backbone_2d.w_0.conv", c, 1, nn.ConvOpts{Kernel: 1}),
			nn.NewBatchNorm(g, "backbone_2d.w_0.bn", 1),
		},
		w1: nn.Sequential{
			nn.NewConv2d(g, "backbone_2d.w_1.conv", c, 1, nn.ConvOpts{Kernel: 1}),
			nn.NewBatchNorm(g, "backbone_2d.w_1.bn", 1),
		},
		inChannels: in,
		batch:      info.Batch.Size,
	}
	info.NumBEVFeatures = c
	info.BEVStride = max(info.BEVStride, 1)
	return s, nil
}

func (s *SSFABEVBackbone) Name() string { return "SSFABEVBackbone" }

func (s *SSFABEVBackbone) Children() []nn.Module {
	return []nn.Module{
		s.bottomUp0, s.bottomUp1, s.trans0, s.trans1,
		s.deconv0, s.deconv1, s.conv0, s.conv1, s.w0, s.w1,
	}
}

func (s *SSFABEVBackbone) Learnables() G.Nodes { return nn.Collect(s.Children()...) }

func (s *SSFABEVBackbone) SetTraining(training bool) {
	for _, m := range s.Children() {
		m.SetTraining(training)
	}
}

// Forward reads spatial_features and writes spatial_features_2d. The two way softmax over
// the weight maps is computed as sigmoid(w0 - w1), which is equal and needs no channel
// reduction.
func (s *SSFABEVBackbone) Forward(d *model.DataDict) error {
	x, err := d.GetShape(model.KeySpatialFeatures, s.batch, s.inChannels, -1, -1)
	if err != nil {
		return errors.Wrap(err, s.Name())
	}
	e := nn.NewExpr(d.Graph)
	apply := func(l nn.Layer, in *G.Node) *G.Node {
		if e.HasError() {
			return nil
		}
		out, err := l.Forward(in)
		e.Fail(err)
		return out
	}

	x0 := apply(s.bottomUp0, x)
	x1 := apply(s.bottomUp1, x0)
	t0 := apply(s.trans0, x0)
	t1 := apply(s.trans1, x1)
	mid0 := e.Add(apply(s.deconv0, t1), t0)
	mid1 := apply(s.deconv1, t1)
	out0 := apply(s.conv0, mid0)
	out1 := apply(s.conv1, mid1)

	w0 := e.Sigmoid(e.Sub(apply(s.w0, out0), apply(s.w1, out1)))
	w1 := e.RSub(1, w0)
	out := e.Add(e.BMul(out0, w0, 1), e.BMul(out1, w1, 1))
	if err := e.Err(); err != nil {
		return errors.Wrap(err, s.Name())
	}
	d.Set(model.KeySpatialFeatures2D, out)
	return nil
}
