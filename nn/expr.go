package nn

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Expr chains graph operations and keeps the first error, so long formulas read as formulas.
// Once an operation fails every later call returns nil and Err reports the failure.
//
//	e := nn.NewExpr(g)
//	p := e.Sigmoid(logits)
//	w := e.Mul(e.AddS(e.MulS(target, 2*alpha-1), 1-alpha), e.Square(pt))
//	if err := e.Err(); err != nil {
//		return nil, err
//	}
type Expr struct {
	g   *G.ExprGraph
	err error
}

// NewExpr returns an expression builder for g.
func NewExpr(g *G.ExprGraph) *Expr { return &Expr{g: g} }

// Graph returns the graph the builder adds nodes to.
func (e *Expr) Graph() *G.ExprGraph { return e.g }

// Err returns the first error recorded by the builder.
func (e *Expr) Err() error { return e.err }

// HasError reports whether an operation has failed.
func (e *Expr) HasError() bool { return e.err != nil }

// Fail records err unless an earlier error is already recorded.
func (e *Expr) Fail(err error) {
	if e.err == nil && err != nil {
		e.err = err
	}
}

func (e *Expr) do(op string, f func() (*G.Node, error), inputs ...*G.Node) *G.Node {
	if e.err != nil {
		return nil
	}
	for _, in := range inputs {
		if in == nil {
			e.err = errors.Errorf("%s: nil input", op)
			return nil
		}
	}
	n, err := f()
	if err != nil {
		e.err = errors.Wrap(err, op)
		return nil
	}
	return n
}

func (e *Expr) Add(a, b *G.Node) *G.Node {
	return e.do("add", func() (*G.Node, error) { return G.Add(a, b) }, a, b)
}

func (e *Expr) Sub(a, b *G.Node) *G.Node {
	return e.do("sub", func() (*G.Node, error) { return G.Sub(a, b) }, a, b)
}

// Mul is the elementwise product.
func (e *Expr) Mul(a, b *G.Node) *G.Node {
	return e.do("mul", func() (*G.Node, error) { return G.HadamardProd(a, b) }, a, b)
}

// Div is the elementwise quotient.
func (e *Expr) Div(a, b *G.Node) *G.Node {
	return e.do("div", func() (*G.Node, error) { return G.HadamardDiv(a, b) }, a, b)
}

// MatMul is the matrix product.
func (e *Expr) MatMul(a, b *G.Node) *G.Node {
	return e.do("matmul", func() (*G.Node, error) { return G.Mul(a, b) }, a, b)
}

// AddS adds a scalar.
func (e *Expr) AddS(a *G.Node, v float32) *G.Node {
	return e.do("adds", func() (*G.Node, error) { return G.Add(a, Scalar(v)) }, a)
}

// MulS multiplies by a scalar.
func (e *Expr) MulS(a *G.Node, v float32) *G.Node {
	return e.do("muls", func() (*G.Node, error) { return G.Mul(a, Scalar(v)) }, a)
}

// RSub returns v - a.
func (e *Expr) RSub(v float32, a *G.Node) *G.Node {
	return e.do("rsub", func() (*G.Node, error) { return G.Sub(Scalar(v), a) }, a)
}

// DivS divides by a scalar.
func (e *Expr) DivS(a *G.Node, v float32) *G.Node {
	return e.do("divs", func() (*G.Node, error) { return G.HadamardDiv(a, Scalar(v)) }, a)
}

// PowS raises every element to a constant power. Powers 1 and 2 avoid the generic pow kernel.
func (e *Expr) PowS(a *G.Node, v float32) *G.Node {
	switch v {
	case 1:
		return a
	case 2:
		return e.Square(a)
	case 4:
		return e.Square(e.Square(a))
	}
	return e.do("pow", func() (*G.Node, error) { return G.Pow(a, Scalar(v)) }, a)
}

func (e *Expr) unary(op string, f func(*G.Node) (*G.Node, error), a *G.Node) *G.Node {
	return e.do(op, func() (*G.Node, error) { return f(a) }, a)
}

func (e *Expr) Neg(a *G.Node) *G.Node     { return e.unary("neg", G.Neg, a) }
func (e *Expr) Abs(a *G.Node) *G.Node     { return e.unary("abs", G.Abs, a) }
func (e *Expr) Exp(a *G.Node) *G.Node     { return e.unary("exp", G.Exp, a) }
func (e *Expr) Log(a *G.Node) *G.Node     { return e.unary("log", G.Log, a) }
func (e *Expr) Log1p(a *G.Node) *G.Node   { return e.unary("log1p", G.Log1p, a) }
func (e *Expr) Sqrt(a *G.Node) *G.Node    { return e.unary("sqrt", G.Sqrt, a) }
func (e *Expr) Square(a *G.Node) *G.Node  { return e.unary("square", G.Square, a) }
func (e *Expr) Sigmoid(a *G.Node) *G.Node { return e.unary("sigmoid", G.Sigmoid, a) }
func (e *Expr) ReLU(a *G.Node) *G.Node    { return e.unary("relu", G.Rectify, a) }
func (e *Expr) Sin(a *G.Node) *G.Node     { return e.unary("sin", G.Sin, a) }
func (e *Expr) Cos(a *G.Node) *G.Node     { return e.unary("cos", G.Cos, a) }

// Min is the elementwise minimum, (a + b - |a - b|) / 2.
func (e *Expr) Min(a, b *G.Node) *G.Node {
	return e.MulS(e.Sub(e.Add(a, b), e.Abs(e.Sub(a, b))), 0.5)
}

// MaxS is the elementwise maximum with a constant.
func (e *Expr) MaxS(a *G.Node, v float32) *G.Node {
	d := e.AddS(a, -v)
	return e.AddS(e.MulS(e.Add(d, e.Abs(d)), 0.5), v)
}

func (e *Expr) Sum(a *G.Node, along ...int) *G.Node {
	return e.do("sum", func() (*G.Node, error) { return G.Sum(a, along...) }, a)
}

func (e *Expr) Mean(a *G.Node, along ...int) *G.Node {
	return e.do("mean", func() (*G.Node, error) { return G.Mean(a, along...) }, a)
}

func (e *Expr) Max(a *G.Node, along ...int) *G.Node {
	return e.do("max", func() (*G.Node, error) { return G.Max(a, along...) }, a)
}

func (e *Expr) Reshape(a *G.Node, shape ...int) *G.Node {
	return e.do("reshape", func() (*G.Node, error) { return Reshape(a, shape...) }, a)
}

func (e *Expr) Transpose(a *G.Node, axes ...int) *G.Node {
	return e.do("transpose", func() (*G.Node, error) { return G.Transpose(a, axes...) }, a)
}

func (e *Expr) Concat(axis int, ns ...*G.Node) *G.Node {
	return e.do("concat", func() (*G.Node, error) { return G.Concat(axis, ns...) }, ns...)
}

// BAdd adds b, whose axes listed in pattern have size 1, to a.
func (e *Expr) BAdd(a, b *G.Node, pattern ...byte) *G.Node {
	return e.do("broadcast add", func() (*G.Node, error) { return G.BroadcastAdd(a, b, nil, pattern) }, a, b)
}

// BSub subtracts b, whose axes listed in pattern have size 1, from a.
func (e *Expr) BSub(a, b *G.Node, pattern ...byte) *G.Node {
	return e.do("broadcast sub", func() (*G.Node, error) { return G.BroadcastSub(a, b, nil, pattern) }, a, b)
}

// BMul multiplies a by b, whose axes listed in pattern have size 1.
func (e *Expr) BMul(a, b *G.Node, pattern ...byte) *G.Node {
	return e.do("broadcast mul", func() (*G.Node, error) { return G.BroadcastHadamardProd(a, b, nil, pattern) }, a, b)
}

// BDiv divides a by b, whose axes listed in pattern have size 1.
func (e *Expr) BDiv(a, b *G.Node, pattern ...byte) *G.Node {
	return e.do("broadcast div", func() (*G.Node, error) { return G.BroadcastHadamardDiv(a, b, nil, pattern) }, a, b)
}

// Const adds a fixed tensor to the graph.
func (e *Expr) Const(name string, value *tensor.Dense) *G.Node {
	if e.err != nil {
		return nil
	}
	return Const(e.g, name, value)
}

// Fill adds a constant tensor filled with v.
func (e *Expr) Fill(name string, v float32, shape ...int) *G.Node {
	data := make([]float32, tensor.Shape(shape).TotalSize())
	for i := range data {
		data[i] = v
	}
	return e.Const(name, FromSlice(data, shape...))
}

func (e *Expr) SliceLast(a *G.Node, from, to int) *G.Node {
	return e.do("slice", func() (*G.Node, error) { return SliceLast(e.g, a, from, to) }, a)
}

// Col returns column i of the last axis keeping it as a size 1 axis.
func (e *Expr) Col(a *G.Node, i int) *G.Node { return e.SliceLast(a, i, i+1) }

func (e *Expr) MulTrailing(a *G.Node, w []float32) *G.Node {
	return e.do("mul trailing", func() (*G.Node, error) { return MulTrailing(e.g, a, w) }, a)
}

func (e *Expr) MulRows(a, w *G.Node) *G.Node {
	return e.do("mul rows", func() (*G.Node, error) { return MulRows(a, w) }, a, w)
}

func (e *Expr) Map(a *G.Node, f func(*G.Node) (*G.Node, error), op string) *G.Node {
	return e.do(op, func() (*G.Node, error) { return f(a) }, a)
}

func (e *Expr) NotNaN(a *G.Node) *G.Node    { return e.Map(a, NotNaN, "notnan") }
func (e *Expr) NaNToZero(a *G.Node) *G.Node { return e.Map(a, NaNToZero, "nan2zero") }

func (e *Expr) Less(a *G.Node, v float32) *G.Node {
	return e.do("lt", func() (*G.Node, error) { return Less(a, v) }, a)
}

func (e *Expr) LessEq(a *G.Node, v float32) *G.Node {
	return e.do("le", func() (*G.Node, error) { return LessEq(a, v) }, a)
}

func (e *Expr) Greater(a *G.Node, v float32) *G.Node {
	return e.do("gt", func() (*G.Node, error) { return Greater(a, v) }, a)
}

func (e *Expr) Equal(a *G.Node, v float32) *G.Node {
	return e.do("eq", func() (*G.Node, error) { return Equal(a, v) }, a)
}

func (e *Expr) Clamp(a *G.Node, lo, hi float32) *G.Node {
	return e.do("clamp", func() (*G.Node, error) { return Clamp(a, lo, hi) }, a)
}

// Where selects a where mask is 1 and b where it is 0.
func (e *Expr) Where(mask, a, b *G.Node) *G.Node {
	return e.Add(e.Mul(mask, a), e.Mul(e.RSub(1, mask), b))
}

func (e *Expr) ArgmaxOneHot(a *G.Node) *G.Node { return e.Map(a, ArgmaxOneHot, "argmax") }

func (e *Expr) Gather(canvas, index *G.Node) *G.Node {
	return e.do("gather", func() (*G.Node, error) { return Gather(canvas, index) }, canvas, index)
}

func (e *Expr) Scatter(features, index *G.Node, batch, height, width int) *G.Node {
	return e.do("scatter", func() (*G.Node, error) { return Scatter(features, index, batch, height, width) }, features, index)
}
