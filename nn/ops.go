package nn

import (
	"fmt"
	"hash"
	"hash/fnv"

	"github.com/chewxy/hm"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// dense returns the row-major data of a float32 value, materialising views.
func dense(v G.Value) ([]float32, tensor.Shape, error) {
	d, ok := v.(*tensor.Dense)
	if !ok {
		if f, ok := v.Data().(float32); ok {
			return []float32{f}, tensor.ScalarShape(), nil
		}
		return nil, nil, errors.Errorf("expected float32 tensor, got %T", v)
	}
	if d.IsMaterializable() {
		d = d.Materialize().(*tensor.Dense)
	}
	switch data := d.Data().(type) {
	case []float32:
		return data, d.Shape(), nil
	case float32:
		return []float32{data}, d.Shape(), nil
	default:
		return nil, nil, errors.Errorf("expected float32 data, got %T", data)
	}
}

func hashOf(op interface{ WriteHash(hash.Hash) }) uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

// scatterOp adds rows of (N, C) features into a (B, C, H, W) canvas at flat positions
// b*H*W + y*W + x. Negative positions are skipped.
type scatterOp struct {
	batch, height, width int
}

func (op scatterOp) Arity() int { return 2 }

func (op scatterOp) Type() hm.Type {
	return hm.NewFnType(G.TensorType{Dims: 2, Of: Float}, G.TensorType{Dims: 1, Of: Float}, G.TensorType{Dims: 4, Of: Float})
}

func (op scatterOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	feats, ok := inputs[0].(tensor.Shape)
	if !ok || len(feats) != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "scatter: features %v", inputs[0])
	}
	return tensor.Shape{op.batch, feats[1], op.height, op.width}, nil
}

func (op scatterOp) Do(inputs ...G.Value) (G.Value, error) {
	feats, fs, err := dense(inputs[0])
	if err != nil {
		return nil, err
	}
	index, _, err := dense(inputs[1])
	if err != nil {
		return nil, err
	}
	c := fs[1]
	plane := op.height * op.width
	out := make([]float32, op.batch*c*plane)
	for n, f := range index {
		pos := int(f)
		if pos < 0 {
			continue
		}
		b, p := pos/plane, pos%plane
		if b >= op.batch {
			return nil, errors.Errorf("scatter: position %d outside canvas", pos)
		}
		for k := 0; k < c; k++ {
			out[(b*c+k)*plane+p] += feats[n*c+k]
		}
	}
	return FromSlice(out, op.batch, c, op.height, op.width), nil
}

func (op scatterOp) ReturnsPtr() bool     { return false }
func (op scatterOp) CallsExtern() bool    { return false }
func (op scatterOp) OverwritesInput() int { return -1 }

func (op scatterOp) WriteHash(h hash.Hash) { fmt.Fprintf(h, "%v", op) }
func (op scatterOp) Hashcode() uint32      { return hashOf(op) }

func (op scatterOp) String() string {
	return fmt.Sprintf("Scatter{%d, %d, %d}", op.batch, op.height, op.width)
}

func (op scatterOp) DiffWRT(inputs int) []bool { return []bool{true, false} }

func (op scatterOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes, error) {
	g, err := G.ApplyOp(gatherOp{}, grad, inputs[1])
	if err != nil {
		return nil, err
	}
	return G.Nodes{g, nil}, nil
}

// gatherOp reads (N, C) rows from a (B, C, H, W) canvas. Negative positions read zeros.
type gatherOp struct{}

func (op gatherOp) Arity() int { return 2 }

func (op gatherOp) Type() hm.Type {
	return hm.NewFnType(G.TensorType{Dims: 4, Of: Float}, G.TensorType{Dims: 1, Of: Float}, G.TensorType{Dims: 2, Of: Float})
}

func (op gatherOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	src, ok := inputs[0].(tensor.Shape)
	if !ok || len(src) != 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "gather: source %v", inputs[0])
	}
	index, ok := inputs[1].(tensor.Shape)
	if !ok || len(index) != 1 {
		return nil, errors.Wrapf(ErrShapeMismatch, "gather: index %v", inputs[1])
	}
	return tensor.Shape{index[0], src[1]}, nil
}

func (op gatherOp) Do(inputs ...G.Value) (G.Value, error) {
	src, ss, err := dense(inputs[0])
	if err != nil {
		return nil, err
	}
	index, _, err := dense(inputs[1])
	if err != nil {
		return nil, err
	}
	c, plane := ss[1], ss[2]*ss[3]
	out := make([]float32, len(index)*c)
	for n, f := range index {
		pos := int(f)
		if pos < 0 {
			continue
		}
		b, p := pos/plane, pos%plane
		if b >= ss[0] {
			return nil, errors.Errorf("gather: position %d outside canvas", pos)
		}
		for k := 0; k < c; k++ {
			out[n*c+k] = src[(b*c+k)*plane+p]
		}
	}
	return FromSlice(out, len(index), c), nil
}

func (op gatherOp) ReturnsPtr() bool      { return false }
func (op gatherOp) CallsExtern() bool     { return false }
func (op gatherOp) OverwritesInput() int  { return -1 }
func (op gatherOp) WriteHash(h hash.Hash) { fmt.Fprint(h, "Gather") }
func (op gatherOp) Hashcode() uint32      { return hashOf(op) }
func (op gatherOp) String() string        { return "Gather" }

func (op gatherOp) DiffWRT(inputs int) []bool { return []bool{true, false} }

func (op gatherOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes, error) {
	s := inputs[0].Shape()
	g, err := G.ApplyOp(scatterOp{batch: s[0], height: s[2], width: s[3]}, grad, inputs[1])
	if err != nil {
		return nil, err
	}
	return G.Nodes{g, nil}, nil
}

// Scatter adds (N, C) features into a zero (batch, C, height, width) canvas. index holds the flat
// position b*height*width + y*width + x of every row, or -1 for padding rows.
func Scatter(features, index *G.Node, batch, height, width int) (*G.Node, error) {
	if err := CheckShape(index, features.Shape()[0]); err != nil {
		return nil, errors.Wrap(err, "scatter index")
	}
	return G.ApplyOp(scatterOp{batch: batch, height: height, width: width}, features, index)
}

// Gather reads (N, C) features out of a (B, C, H, W) canvas, the adjoint of Scatter.
func Gather(canvas, index *G.Node) (*G.Node, error) {
	return G.ApplyOp(gatherOp{}, canvas, index)
}

// hostMapOp applies an elementwise function on the host. It has no gradient; it is used for
// masks that select which elements contribute to a loss.
type hostMapOp struct {
	name string
	fn   func(float32) float32
}

func (op hostMapOp) Arity() int { return 1 }

func (op hostMapOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (op hostMapOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	s, ok := inputs[0].(tensor.Shape)
	if !ok {
		return nil, errors.Errorf("%s: unexpected input %v", op.name, inputs[0])
	}
	return s.Clone(), nil
}

func (op hostMapOp) Do(inputs ...G.Value) (G.Value, error) {
	in, shape, err := dense(inputs[0])
	if err != nil {
		return nil, errors.Wrap(err, op.name)
	}
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = op.fn(v)
	}
	return FromSlice(out, shape.Clone()...), nil
}

func (op hostMapOp) ReturnsPtr() bool      { return false }
func (op hostMapOp) CallsExtern() bool     { return false }
func (op hostMapOp) OverwritesInput() int  { return -1 }
func (op hostMapOp) WriteHash(h hash.Hash) { fmt.Fprintf(h, "HostMap{%s}", op.name) }
func (op hostMapOp) Hashcode() uint32      { return hashOf(op) }
func (op hostMapOp) String() string        { return "HostMap{" + op.name + "}" }

func (op hostMapOp) DiffWRT(inputs int) []bool { return []bool{false} }

func (op hostMapOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes, error) {
	return G.Nodes{nil}, nil
}

// HostMap applies fn to every element of x. name must identify fn together with any value it
// closes over; maps with the same name on the same input are merged in the graph.
func HostMap(x *G.Node, name string, fn func(float32) float32) (*G.Node, error) {
	return G.ApplyOp(&hostMapOp{name: name, fn: fn}, x)
}

func boolf(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

// NotNaN is 1 where x is a number and 0 where it is NaN.
func NotNaN(x *G.Node) (*G.Node, error) {
	return HostMap(x, "notnan", func(v float32) float32 { return boolf(v == v) })
}

// NaNToZero replaces NaN elements with zero.
func NaNToZero(x *G.Node) (*G.Node, error) {
	return HostMap(x, "nan2zero", func(v float32) float32 {
		if v != v {
			return 0
		}
		return v
	})
}

// Less is 1 where x < v.
func Less(x *G.Node, v float32) (*G.Node, error) {
	return HostMap(x, fmt.Sprintf("lt(%g)", v), func(e float32) float32 { return boolf(e < v) })
}

// LessEq is 1 where x <= v.
func LessEq(x *G.Node, v float32) (*G.Node, error) {
	return HostMap(x, fmt.Sprintf("le(%g)", v), func(e float32) float32 { return boolf(e <= v) })
}

// Greater is 1 where x > v.
func Greater(x *G.Node, v float32) (*G.Node, error) {
	return HostMap(x, fmt.Sprintf("gt(%g)", v), func(e float32) float32 { return boolf(e > v) })
}

// Equal is 1 where x == v.
func Equal(x *G.Node, v float32) (*G.Node, error) {
	return HostMap(x, fmt.Sprintf("eq(%g)", v), func(e float32) float32 { return boolf(e == v) })
}

// reshapeOp copies its input into a tensor of a new shape. G.Reshape returns a view over the
// input's memory, which an in place op further down may overwrite while the input is still read.
type reshapeOp struct {
	from, to tensor.Shape
}

func (op reshapeOp) Arity() int { return 1 }

func (op reshapeOp) Type() hm.Type {
	return hm.NewFnType(G.TensorType{Dims: op.from.Dims(), Of: Float}, G.TensorType{Dims: op.to.Dims(), Of: Float})
}

func (op reshapeOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	return op.to.Clone(), nil
}

func (op reshapeOp) Do(inputs ...G.Value) (G.Value, error) {
	in, _, err := dense(inputs[0])
	if err != nil {
		return nil, err
	}
	if len(in) != op.to.TotalSize() {
		return nil, errors.Wrapf(ErrShapeMismatch, "reshape %d values to %v", len(in), op.to)
	}
	return FromSlice(append([]float32(nil), in...), op.to.Clone()...), nil
}

func (op reshapeOp) ReturnsPtr() bool      { return false }
func (op reshapeOp) CallsExtern() bool     { return false }
func (op reshapeOp) OverwritesInput() int  { return -1 }
func (op reshapeOp) WriteHash(h hash.Hash) { fmt.Fprintf(h, "CopyReshape%v->%v", []int(op.from), []int(op.to)) }
func (op reshapeOp) Hashcode() uint32      { return hashOf(op) }
func (op reshapeOp) String() string        { return fmt.Sprintf("CopyReshape%v", []int(op.to)) }

func (op reshapeOp) DiffWRT(inputs int) []bool { return []bool{true} }

func (op reshapeOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes, error) {
	g, err := G.ApplyOp(reshapeOp{from: op.to, to: op.from}, grad)
	if err != nil {
		return nil, err
	}
	return G.Nodes{g}, nil
}

// Reshape returns a copy of x with the given shape. Use it instead of G.Reshape whenever x has
// other consumers.
func Reshape(x *G.Node, shape ...int) (*G.Node, error) {
	from := x.Shape()
	to := tensor.Shape(shape).Clone()
	if from.TotalSize() != to.TotalSize() {
		return nil, errors.Wrapf(ErrShapeMismatch, "reshape %v to %v", from, to)
	}
	if from.IsScalar() || to.IsScalar() {
		return G.Reshape(x, to)
	}
	return G.ApplyOp(reshapeOp{from: from.Clone(), to: to}, x)
}

// clampOp limits values to [lo, hi]; the gradient passes through inside the range only.
type clampOp struct {
	lo, hi float32
}

func (op clampOp) Arity() int { return 1 }

func (op clampOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (op clampOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	s, ok := inputs[0].(tensor.Shape)
	if !ok {
		return nil, errors.Errorf("clamp: unexpected input %v", inputs[0])
	}
	return s.Clone(), nil
}

func (op clampOp) Do(inputs ...G.Value) (G.Value, error) {
	in, shape, err := dense(inputs[0])
	if err != nil {
		return nil, errors.Wrap(err, "clamp")
	}
	out := make([]float32, len(in))
	for i, v := range in {
		switch {
		case v < op.lo:
			out[i] = op.lo
		case v > op.hi:
			out[i] = op.hi
		default:
			out[i] = v
		}
	}
	return FromSlice(out, shape.Clone()...), nil
}

func (op clampOp) ReturnsPtr() bool      { return false }
func (op clampOp) CallsExtern() bool     { return false }
func (op clampOp) OverwritesInput() int  { return -1 }
func (op clampOp) WriteHash(h hash.Hash) { fmt.Fprintf(h, "%v", op) }
func (op clampOp) Hashcode() uint32      { return hashOf(op) }
func (op clampOp) String() string        { return fmt.Sprintf("Clamp{%g, %g}", op.lo, op.hi) }

func (op clampOp) DiffWRT(inputs int) []bool { return []bool{true} }

func (op clampOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes, error) {
	lo, hi := op.lo, op.hi
	inside, err := HostMap(inputs[0], fmt.Sprintf("inside(%g,%g)", lo, hi), func(v float32) float32 {
		return boolf(v >= lo && v <= hi)
	})
	if err != nil {
		return nil, err
	}
	g, err := G.HadamardProd(grad, inside)
	if err != nil {
		return nil, err
	}
	return G.Nodes{g}, nil
}

// Clamp limits x to [lo, hi].
func Clamp(x *G.Node, lo, hi float32) (*G.Node, error) {
	return G.ApplyOp(clampOp{lo: lo, hi: hi}, x)
}

// rowMapOp applies a function to every row of the last axis on the host. Like hostMapOp it has
// no gradient.
type rowMapOp struct {
	name string
	fn   func(in, out []float32)
}

func (op *rowMapOp) Arity() int { return 1 }

func (op *rowMapOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (op *rowMapOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	s, ok := inputs[0].(tensor.Shape)
	if !ok || len(s) == 0 {
		return nil, errors.Errorf("%s: unexpected input %v", op.name, inputs[0])
	}
	return s.Clone(), nil
}

func (op *rowMapOp) Do(inputs ...G.Value) (G.Value, error) {
	in, shape, err := dense(inputs[0])
	if err != nil {
		return nil, errors.Wrap(err, op.name)
	}
	k := shape[len(shape)-1]
	out := make([]float32, len(in))
	for i := 0; i+k <= len(in); i += k {
		op.fn(in[i:i+k], out[i:i+k])
	}
	return FromSlice(out, shape.Clone()...), nil
}

func (op *rowMapOp) ReturnsPtr() bool      { return false }
func (op *rowMapOp) CallsExtern() bool     { return false }
func (op *rowMapOp) OverwritesInput() int  { return -1 }
func (op *rowMapOp) WriteHash(h hash.Hash) { fmt.Fprintf(h, "RowMap{%s}", op.name) }
func (op *rowMapOp) Hashcode() uint32      { return hashOf(op) }
func (op *rowMapOp) String() string        { return "RowMap{" + op.name + "}" }

func (op *rowMapOp) DiffWRT(inputs int) []bool { return []bool{false} }

func (op *rowMapOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes, error) {
	return G.Nodes{nil}, nil
}

// RowMap applies fn to every last-axis row of x.
func RowMap(x *G.Node, name string, fn func(in, out []float32)) (*G.Node, error) {
	return G.ApplyOp(&rowMapOp{name: name, fn: fn}, x)
}

// ArgmaxOneHot replaces every last-axis row by the one-hot encoding of its first maximum.
func ArgmaxOneHot(x *G.Node) (*G.Node, error) {
	return RowMap(x, "argmax_onehot", func(in, out []float32) {
		best := 0
		for i := 1; i < len(in); i++ {
			if in[i] > in[best] {
				best = i
			}
		}
		out[best] = 1
	})
}

// hostFuncOp computes a fixed shape output from any number of inputs on the host. It has
// no gradient: box decoding, proposal selection and target sampling run through it.
type hostFuncOp struct {
	name  string
	dims  []int
	shape tensor.Shape
	fn    func(in [][]float32, out []float32) error
}

func (op *hostFuncOp) Arity() int { return len(op.dims) }

func (op *hostFuncOp) Type() hm.Type {
	ts := make([]hm.Type, 0, len(op.dims)+1)
	for _, d := range op.dims {
		ts = append(ts, G.TensorType{Dims: d, Of: Float})
	}
	ts = append(ts, G.TensorType{Dims: len(op.shape), Of: Float})
	return hm.NewFnType(ts...)
}

func (op *hostFuncOp) InferShape(...G.DimSizer) (tensor.Shape, error) {
	return op.shape.Clone(), nil
}

func (op *hostFuncOp) Do(inputs ...G.Value) (G.Value, error) {
	in := make([][]float32, len(inputs))
	for i, v := range inputs {
		data, _, err := dense(v)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: input %d", op.name, i)
		}
		in[i] = data
	}
	out := make([]float32, op.shape.TotalSize())
	if err := op.fn(in, out); err != nil {
		return nil, errors.Wrap(err, op.name)
	}
	return FromSlice(out, op.shape.Clone()...), nil
}

func (op *hostFuncOp) ReturnsPtr() bool      { return false }
func (op *hostFuncOp) CallsExtern() bool     { return false }
func (op *hostFuncOp) OverwritesInput() int  { return -1 }
func (op *hostFuncOp) WriteHash(h hash.Hash) { fmt.Fprintf(h, "HostFunc{%s}%p", op.name, op) }
func (op *hostFuncOp) Hashcode() uint32      { return hashOf(op) }
func (op *hostFuncOp) String() string        { return "HostFunc{" + op.name + "}" }

func (op *hostFuncOp) DiffWRT(inputs int) []bool { return make([]bool, inputs) }

func (op *hostFuncOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes, error) {
	return make(G.Nodes, len(inputs)), nil
}

// HostFunc adds a node of the given shape computed by fn from the values of inputs. fn
// receives the row-major input data and a zeroed output buffer.
func HostFunc(name string, shape []int, fn func(in [][]float32, out []float32) error, inputs ...*G.Node) (*G.Node, error) {
	if len(inputs) == 0 {
		return nil, errors.Errorf("%s: no inputs", name)
	}
	dims := make([]int, len(inputs))
	for i, n := range inputs {
		if n == nil {
			return nil, errors.Errorf("%s: nil input %d", name, i)
		}
		dims[i] = n.Dims()
	}
	return G.ApplyOp(&hostFuncOp{name: name, dims: dims, shape: tensor.Shape(shape).Clone(), fn: fn}, inputs...)
}
