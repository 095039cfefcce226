package nn

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Layer is a module with a single input and output.
type Layer interface {
	Module
	Forward(x *G.Node) (*G.Node, error)
}

// Conv2d is a 2D convolution over (B, C, H, W) inputs.
type Conv2d struct {
	Name             string
	In, Out          int
	KernelH, KernelW int
	StrideH, StrideW int
	PadH, PadW       int
	Weight           *G.Node // (out, in, kh, kw)
	Bias             *G.Node // (out) or nil
}

// ConvOpts describes a square convolution.
type ConvOpts struct {
	Kernel, Stride, Pad int
	Bias                bool
	// BiasInit overrides the zero bias initialisation.
	BiasInit *float32
}

// NewConv2d creates a square convolution with Glorot initialised weights.
//
// Arguments:
//   - g: The graph that owns the parameters.
//   - name: The parameter prefix, weights are stored as <name>.weight and <name>.bias.
//   - in: The number of input channels.
//   - out: The number of output channels.
//   - opts: Kernel, stride, padding and bias settings.
//
// Returns:
//   - *Conv2d: The layer.
func NewConv2d(g *G.ExprGraph, name string, in, out int, opts ConvOpts) *Conv2d {
	if opts.Stride == 0 {
		opts.Stride = 1
	}
	c := &Conv2d{
		Name:    name,
		In:      in,
		Out:     out,
		KernelH: opts.Kernel,
		KernelW: opts.Kernel,
		StrideH: opts.Stride,
		StrideW: opts.Stride,
		PadH:    opts.Pad,
		PadW:    opts.Pad,
	}
	c.Weight = G.NewTensor(g, Float, 4,
		G.WithShape(out, in, opts.Kernel, opts.Kernel),
		G.WithName(name+".weight"),
		G.WithInit(G.GlorotN(1.0)))
	if opts.Bias {
		init := G.Zeroes()
		if opts.BiasInit != nil {
			init = G.ValuesOf(*opts.BiasInit)
		}
		c.Bias = G.NewTensor(g, Float, 1, G.WithShape(out), G.WithName(name+".bias"), G.WithInit(init))
	}
	return c
}

func (c *Conv2d) Learnables() G.Nodes {
	if c.Bias == nil {
		return G.Nodes{c.Weight}
	}
	return G.Nodes{c.Weight, c.Bias}
}

func (c *Conv2d) SetTraining(bool) {}

func (c *Conv2d) Forward(x *G.Node) (*G.Node, error) {
	if err := CheckShape(x, -1, c.In, -1, -1); err != nil {
		return nil, errors.Wrap(err, c.Name)
	}
	y, err := G.Conv2d(x, c.Weight,
		tensor.Shape{c.KernelH, c.KernelW},
		[]int{c.PadH, c.PadW},
		[]int{c.StrideH, c.StrideW},
		[]int{1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: conv", c.Name)
	}
	if c.Bias == nil {
		return y, nil
	}
	return AddChannelBias(y, c.Bias)
}

// AddChannelBias adds a (C) vector to every position of a (B, C, H, W) tensor.
func AddChannelBias(x, bias *G.Node) (*G.Node, error) {
	b, err := G.Reshape(bias, tensor.Shape{1, bias.Shape()[0], 1, 1})
	if err != nil {
		return nil, err
	}
	return G.BroadcastAdd(x, b, nil, []byte{0, 2, 3})
}

// MulChannel multiplies every position of a (B, C, H, W) tensor by a (C) vector.
func MulChannel(x, scale *G.Node) (*G.Node, error) {
	s, err := G.Reshape(scale, tensor.Shape{1, scale.Shape()[0], 1, 1})
	if err != nil {
		return nil, err
	}
	return G.BroadcastHadamardProd(x, s, nil, []byte{0, 2, 3})
}

// BatchNorm normalises (B, C, H, W) or (N, C) inputs per channel. Training graphs normalise with
// batch statistics and fold them into the running statistics after every step; inference graphs
// read the running statistics.
type BatchNorm struct {
	Name     string
	Channels int
	Eps      float32
	Momentum float32
	Gamma    *G.Node
	Beta     *G.Node

	g           *G.ExprGraph
	runningMean *tensor.Dense
	runningVar  *tensor.Dense
	training    bool
	batches     []bnBatch
}

// bnBatch holds host copies of one forward pass's batch statistics, taken while the graph runs
// so later in place ops cannot reach them.
type bnBatch struct {
	mean, variance *G.Value
	count          int
}

// NewBatchNorm creates a batch norm layer with eps 1e-3 and momentum 0.01.
func NewBatchNorm(g *G.ExprGraph, name string, channels int) *BatchNorm {
	ones := make([]float32, channels)
	for i := range ones {
		ones[i] = 1
	}
	rv := FromSlice(ones, channels)
	return &BatchNorm{
		Name:        name,
		Channels:    channels,
		Eps:         1e-3,
		Momentum:    0.01,
		Gamma:       G.NewTensor(g, Float, 1, G.WithShape(channels), G.WithName(name+".weight"), G.WithInit(G.Ones())),
		Beta:        G.NewTensor(g, Float, 1, G.WithShape(channels), G.WithName(name+".bias"), G.WithInit(G.Zeroes())),
		g:           g,
		runningMean: Zeros(channels),
		runningVar:  rv,
	}
}

func (b *BatchNorm) Learnables() G.Nodes { return G.Nodes{b.Gamma, b.Beta} }

func (b *BatchNorm) SetTraining(training bool) { b.training = training }

func (b *BatchNorm) State() map[string]*tensor.Dense {
	return map[string]*tensor.Dense{
		b.Name + ".running_mean": b.runningMean,
		b.Name + ".running_var":  b.runningVar,
	}
}

func (b *BatchNorm) Forward(x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	switch {
	case len(shape) == 2 && shape[1] == b.Channels:
		x4, err := Reshape(x, shape[0], shape[1], 1, 1)
		if err != nil {
			return nil, errors.Wrap(err, b.Name)
		}
		y, err := b.forward4(x4)
		if err != nil {
			return nil, err
		}
		return G.Reshape(y, shape.Clone())
	case len(shape) == 4 && shape[1] == b.Channels:
		return b.forward4(x)
	default:
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: input %v, channels %d", b.Name, shape, b.Channels)
	}
}

func (b *BatchNorm) forward4(x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	bc := tensor.Shape{1, b.Channels, 1, 1}
	pattern := []byte{0, 2, 3}

	var mean, variance *G.Node
	var err error
	if b.training {
		if mean, err = G.Mean(x, 0, 2, 3); err != nil {
			return nil, errors.Wrapf(err, "%s: batch mean", b.Name)
		}
	} else {
		mean = Const(b.g, b.Name+".running_mean", b.runningMean)
	}
	mean4, err := G.Reshape(mean, bc)
	if err != nil {
		return nil, err
	}
	centred, err := G.BroadcastSub(x, mean4, nil, pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: centre", b.Name)
	}
	if b.training {
		sq, err := G.Square(centred)
		if err != nil {
			return nil, err
		}
		if variance, err = G.Mean(sq, 0, 2, 3); err != nil {
			return nil, errors.Wrapf(err, "%s: batch variance", b.Name)
		}
		batch := bnBatch{mean: new(G.Value), variance: new(G.Value), count: shape[0] * shape[2] * shape[3]}
		G.Read(mean, batch.mean)
		G.Read(variance, batch.variance)
		b.batches = append(b.batches, batch)
	} else {
		variance = Const(b.g, b.Name+".running_var", b.runningVar)
	}
	veps, err := G.Add(variance, Scalar(b.Eps))
	if err != nil {
		return nil, err
	}
	std, err := G.Sqrt(veps)
	if err != nil {
		return nil, err
	}
	std4, err := G.Reshape(std, bc)
	if err != nil {
		return nil, err
	}
	normed, err := G.BroadcastHadamardDiv(centred, std4, nil, pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: normalise", b.Name)
	}
	scaled, err := MulChannel(normed, b.Gamma)
	if err != nil {
		return nil, err
	}
	return AddChannelBias(scaled, b.Beta)
}

// AfterStep folds the batch statistics of the last run into the running statistics, using the
// unbiased variance estimate.
func (b *BatchNorm) AfterStep() error {
	rm := b.runningMean.Data().([]float32)
	rv := b.runningVar.Data().([]float32)
	for _, batch := range b.batches {
		if *batch.mean == nil || *batch.variance == nil {
			return errors.Errorf("%s: batch statistics were not computed", b.Name)
		}
		mean, _, err := dense(*batch.mean)
		if err != nil {
			return errors.Wrapf(err, "%s: running mean", b.Name)
		}
		variance, _, err := dense(*batch.variance)
		if err != nil {
			return errors.Wrapf(err, "%s: running var", b.Name)
		}
		correction := float32(1)
		if batch.count > 1 {
			correction = float32(batch.count) / float32(batch.count-1)
		}
		for c := range rm {
			rm[c] = (1-b.Momentum)*rm[c] + b.Momentum*mean[c]
			rv[c] = (1-b.Momentum)*rv[c] + b.Momentum*variance[c]*correction
		}
	}
	return nil
}

// ReLU is a parameter free rectifier.
type ReLU struct{}

func (ReLU) Learnables() G.Nodes                { return nil }
func (ReLU) SetTraining(bool)                   {}
func (ReLU) Forward(x *G.Node) (*G.Node, error) { return G.Rectify(x) }

// Dropout zeroes activations with probability P while training.
type Dropout struct {
	P        float64
	training bool
}

func (d *Dropout) Learnables() G.Nodes       { return nil }
func (d *Dropout) SetTraining(training bool) { d.training = training }

func (d *Dropout) Forward(x *G.Node) (*G.Node, error) {
	if !d.training || d.P <= 0 {
		return x, nil
	}
	return G.Dropout(x, d.P)
}

// Sequential chains layers.
type Sequential []Layer

func (s Sequential) Learnables() G.Nodes {
	var out G.Nodes
	for _, l := range s {
		out = append(out, l.Learnables()...)
	}
	return out
}

func (s Sequential) SetTraining(training bool) {
	for _, l := range s {
		l.SetTraining(training)
	}
}

func (s Sequential) Forward(x *G.Node) (*G.Node, error) {
	var err error
	for _, l := range s {
		if x, err = l.Forward(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Layers walks the module tree and returns every module of type T. Composite modules expose
// their children through a Children method.
func Layers[T any](mods ...Module) []T {
	var out []T
	var walk func(m Module)
	walk = func(m Module) {
		if m == nil {
			return
		}
		if t, ok := m.(T); ok {
			out = append(out, t)
		}
		if p, ok := m.(interface{ Children() []Module }); ok {
			for _, c := range p.Children() {
				walk(c)
			}
		}
	}
	for _, m := range mods {
		walk(m)
	}
	return out
}

func (s Sequential) Children() []Module {
	out := make([]Module, len(s))
	for i := range s {
		out[i] = s[i]
	}
	return out
}

// ConvBNReLU is the conv (no bias), batch norm, ReLU block used throughout the BEV backbones.
type ConvBNReLU struct {
	Conv *Conv2d
	BN   *BatchNorm
}

// NewConvBNReLU creates a bias free convolution followed by batch norm and ReLU.
func NewConvBNReLU(g *G.ExprGraph, name string, in, out, kernel, stride, pad int) *ConvBNReLU {
	return &ConvBNReLU{
		Conv: NewConv2d(g, name+".conv", in, out, ConvOpts{Kernel: kernel, Stride: stride, Pad: pad}),
		BN:   NewBatchNorm(g, name+".bn", out),
	}
}

func (c *ConvBNReLU) Learnables() G.Nodes       { return Collect(c.Conv, c.BN) }
func (c *ConvBNReLU) SetTraining(training bool) { c.BN.SetTraining(training) }
func (c *ConvBNReLU) Children() []Module        { return []Module{c.Conv, c.BN} }

func (c *ConvBNReLU) Forward(x *G.Node) (*G.Node, error) {
	y, err := c.Conv.Forward(x)
	if err != nil {
		return nil, err
	}
	if y, err = c.BN.Forward(y); err != nil {
		return nil, err
	}
	return G.Rectify(y)
}

// Linear is a fully connected layer over the last axis. Weights are stored (in, out).
type Linear struct {
	Name    string
	In, Out int
	Weight  *G.Node
	Bias    *G.Node
}

// NewLinear creates a fully connected layer.
func NewLinear(g *G.ExprGraph, name string, in, out int, bias bool) *Linear {
	l := &Linear{
		Name:   name,
		In:     in,
		Out:    out,
		Weight: G.NewMatrix(g, Float, G.WithShape(in, out), G.WithName(name+".weight"), G.WithInit(G.GlorotN(1.0))),
	}
	if bias {
		l.Bias = G.NewTensor(g, Float, 1, G.WithShape(out), G.WithName(name+".bias"), G.WithInit(G.Zeroes()))
	}
	return l
}

func (l *Linear) Learnables() G.Nodes {
	if l.Bias == nil {
		return G.Nodes{l.Weight}
	}
	return G.Nodes{l.Weight, l.Bias}
}

func (l *Linear) SetTraining(bool) {}

// Forward applies the layer to (..., in) and returns (..., out).
func (l *Linear) Forward(x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	if shape[len(shape)-1] != l.In {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: input %v, want last axis %d", l.Name, shape, l.In)
	}
	rows := shape.TotalSize() / l.In
	flat, err := G.Reshape(x, tensor.Shape{rows, l.In})
	if err != nil {
		return nil, err
	}
	y, err := G.Mul(flat, l.Weight)
	if err != nil {
		return nil, errors.Wrap(err, l.Name)
	}
	if l.Bias != nil {
		b, err := G.Reshape(l.Bias, tensor.Shape{1, l.Out})
		if err != nil {
			return nil, err
		}
		if y, err = G.BroadcastAdd(y, b, nil, []byte{0}); err != nil {
			return nil, err
		}
	}
	out := append(shape[:len(shape)-1].Clone(), l.Out)
	return G.Reshape(y, out)
}
