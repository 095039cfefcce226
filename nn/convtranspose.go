package nn

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ConvTranspose2d is a transposed convolution built from zero insertion and a stride 1
// convolution. The input is spread to (H-1)*stride+1 rows and columns, padded by
// kernel-1-pad on the leading edge and kernel-1-pad+outputPad on the trailing edge, then
// convolved. Output size is (H-1)*stride - 2*pad + kernel + outputPad. Weights use the direct
// convolution layout (out, in, k, k); a kernel exported by a framework that stores transposed
// convolutions as (in, out, k, k) must be swapped and flipped on import.
type ConvTranspose2d struct {
	Name      string
	In, Out   int
	Kernel    int
	Stride    int
	Pad       int
	OutputPad int
	Weight    *G.Node
	Bias      *G.Node

	g *G.ExprGraph
}

// NewConvTranspose2d creates a transposed convolution.
func NewConvTranspose2d(g *G.ExprGraph, name string, in, out, kernel, stride, pad, outputPad int, bias bool) *ConvTranspose2d {
	c := &ConvTranspose2d{
		Name:      name,
		In:        in,
		Out:       out,
		Kernel:    kernel,
		Stride:    stride,
		Pad:       pad,
		OutputPad: outputPad,
		g:         g,
	}
	c.Weight = G.NewTensor(g, Float, 4,
		G.WithShape(out, in, kernel, kernel),
		G.WithName(name+".weight"),
		G.WithInit(G.GlorotN(1.0)))
	if bias {
		c.Bias = G.NewTensor(g, Float, 1, G.WithShape(out), G.WithName(name+".bias"), G.WithInit(G.Zeroes()))
	}
	return c
}

func (c *ConvTranspose2d) Learnables() G.Nodes {
	if c.Bias == nil {
		return G.Nodes{c.Weight}
	}
	return G.Nodes{c.Weight, c.Bias}
}

func (c *ConvTranspose2d) SetTraining(bool) {}

// OutputSize returns the spatial size produced for an input of size n.
func (c *ConvTranspose2d) OutputSize(n int) int {
	return (n-1)*c.Stride - 2*c.Pad + c.Kernel + c.OutputPad
}

func (c *ConvTranspose2d) Forward(x *G.Node) (*G.Node, error) {
	if err := CheckShape(x, -1, c.In, -1, -1); err != nil {
		return nil, errors.Wrap(err, c.Name)
	}
	lead := c.Kernel - 1 - c.Pad
	if lead < 0 {
		return nil, errors.Errorf("%s: padding %d exceeds kernel %d", c.Name, c.Pad, c.Kernel)
	}
	s := x.Shape()
	b, ch, h, w := s[0], s[1], s[2], s[3]
	hp := lead + (h-1)*c.Stride + 1 + lead + c.OutputPad
	wp := lead + (w-1)*c.Stride + 1 + lead + c.OutputPad

	spreadW := Const(c.g, fmt.Sprintf("%s.spread_w", c.Name), selection(w, wp, lead, c.Stride))
	spreadH := Const(c.g, fmt.Sprintf("%s.spread_h", c.Name), selection(h, hp, lead, c.Stride))

	y, err := G.Reshape(x, tensor.Shape{b * ch * h, w})
	if err != nil {
		return nil, err
	}
	if y, err = G.Mul(y, spreadW); err != nil {
		return nil, errors.Wrapf(err, "%s: spread columns", c.Name)
	}
	if y, err = G.Reshape(y, tensor.Shape{b * ch, h, wp}); err != nil {
		return nil, err
	}
	if y, err = G.Transpose(y, 0, 2, 1); err != nil {
		return nil, err
	}
	if y, err = G.Reshape(y, tensor.Shape{b * ch * wp, h}); err != nil {
		return nil, err
	}
	if y, err = G.Mul(y, spreadH); err != nil {
		return nil, errors.Wrapf(err, "%s: spread rows", c.Name)
	}
	if y, err = G.Reshape(y, tensor.Shape{b * ch, wp, hp}); err != nil {
		return nil, err
	}
	if y, err = G.Transpose(y, 0, 2, 1); err != nil {
		return nil, err
	}
	if y, err = G.Reshape(y, tensor.Shape{b, ch, hp, wp}); err != nil {
		return nil, err
	}
	if y, err = G.Conv2d(y, c.Weight, tensor.Shape{c.Kernel, c.Kernel}, []int{0, 0}, []int{1, 1}, []int{1, 1}); err != nil {
		return nil, errors.Wrapf(err, "%s: conv", c.Name)
	}
	if c.Bias != nil {
		return AddChannelBias(y, c.Bias)
	}
	return y, nil
}

// DeconvBNReLU is a transposed convolution (no bias) followed by batch norm and ReLU.
type DeconvBNReLU struct {
	Deconv *ConvTranspose2d
	BN     *BatchNorm
}

// NewDeconvBNReLU creates the upsampling block of the BEV backbones.
func NewDeconvBNReLU(g *G.ExprGraph, name string, in, out, kernel, stride, pad, outputPad int) *DeconvBNReLU {
	return &DeconvBNReLU{
		Deconv: NewConvTranspose2d(g, name+".deconv", in, out, kernel, stride, pad, outputPad, false),
		BN:     NewBatchNorm(g, name+".bn", out),
	}
}

func (d *DeconvBNReLU) Learnables() G.Nodes       { return Collect(d.Deconv, d.BN) }
func (d *DeconvBNReLU) SetTraining(training bool) { d.BN.SetTraining(training) }
func (d *DeconvBNReLU) Children() []Module        { return []Module{d.Deconv, d.BN} }

func (d *DeconvBNReLU) Forward(x *G.Node) (*G.Node, error) {
	y, err := d.Deconv.Forward(x)
	if err != nil {
		return nil, err
	}
	if y, err = d.BN.Forward(y); err != nil {
		return nil, err
	}
	return G.Rectify(y)
}
