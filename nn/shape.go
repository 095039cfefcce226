package nn

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// selection builds the (rows, cols) 0/1 matrix with a one at (i, offset+i*stride) for every row.
func selection(rows, cols, offset, stride int) *tensor.Dense {
	data := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		data[i*cols+offset+i*stride] = 1
	}
	return FromSlice(data, rows, cols)
}

// SliceLast returns x[..., from:to] as a new contiguous node. The selection is a matrix product
// so the result reshapes freely and the gradient flows back to the selected elements.
func SliceLast(g *G.ExprGraph, x *G.Node, from, to int) (*G.Node, error) {
	shape := x.Shape()
	last := shape[len(shape)-1]
	if from < 0 || to > last || from >= to {
		return nil, errors.Wrapf(ErrShapeMismatch, "slice [%d:%d] of %v", from, to, shape)
	}
	rows := shape.TotalSize() / last
	flat, err := G.Reshape(x, tensor.Shape{rows, last})
	if err != nil {
		return nil, err
	}
	width := to - from
	sel := FromSlice(make([]float32, last*width), last, width)
	data := sel.Data().([]float32)
	for j := 0; j < width; j++ {
		data[(from+j)*width+j] = 1
	}
	out, err := G.Mul(flat, Const(g, fmt.Sprintf("slice[%d:%d]", from, to), sel))
	if err != nil {
		return nil, errors.Wrap(err, "slice")
	}
	return G.Reshape(out, append(shape[:len(shape)-1].Clone(), width))
}

// SplitLast cuts the last axis of x into consecutive pieces of the given widths.
func SplitLast(g *G.ExprGraph, x *G.Node, widths ...int) (G.Nodes, error) {
	out := make(G.Nodes, 0, len(widths))
	from := 0
	for _, w := range widths {
		part, err := SliceLast(g, x, from, from+w)
		if err != nil {
			return nil, err
		}
		out = append(out, part)
		from += w
	}
	return out, nil
}

// MulTrailing multiplies every row of x along its last axis by weights. x itself is never
// reshaped: the product of a reshaped view may be computed in place over memory the view shares
// with x.
func MulTrailing(g *G.ExprGraph, x *G.Node, weights []float32) (*G.Node, error) {
	shape := x.Shape()
	last := shape[len(shape)-1]
	if len(weights) != last {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d weights for %v", len(weights), shape)
	}
	wshape := make([]int, len(shape))
	pattern := make([]byte, 0, len(shape)-1)
	for i := range wshape {
		wshape[i] = 1
		if i < len(shape)-1 {
			pattern = append(pattern, byte(i))
		}
	}
	wshape[len(shape)-1] = last
	w := Const(g, "trailing_weights", FromSlice(append([]float32(nil), weights...), wshape...))
	if len(pattern) == 0 {
		return G.HadamardProd(x, w)
	}
	return G.BroadcastHadamardProd(x, w, nil, pattern)
}

// MulRows multiplies x (A, B, ..., K) by w (A, B, ...) broadcast over the last axis.
func MulRows(x, w *G.Node) (*G.Node, error) {
	xs, ws := x.Shape(), w.Shape()
	if len(xs) != len(ws)+1 {
		return nil, errors.Wrapf(ErrShapeMismatch, "row weights %v for %v", ws, xs)
	}
	for i := range ws {
		if ws[i] != xs[i] {
			return nil, errors.Wrapf(ErrShapeMismatch, "row weights %v for %v", ws, xs)
		}
	}
	w1, err := G.Reshape(w, append(ws.Clone(), 1))
	if err != nil {
		return nil, err
	}
	return G.BroadcastHadamardProd(x, w1, nil, []byte{byte(len(ws))})
}

// Flatten copies x into (rows, last).
func Flatten(x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	last := shape[len(shape)-1]
	return Reshape(x, shape.TotalSize()/last, last)
}

// ToChannelsLast turns (B, C, H, W) into (B, H*W, C).
func ToChannelsLast(x *G.Node) (*G.Node, error) {
	s := x.Shape()
	t, err := G.Transpose(x, 0, 2, 3, 1)
	if err != nil {
		return nil, err
	}
	return G.Reshape(t, tensor.Shape{s[0], s[2] * s[3], s[1]})
}
