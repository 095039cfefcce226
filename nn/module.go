// Package nn contains the layers the detector modules are assembled from. Layers build
// gorgonia expression graph nodes; parameters are graph nodes created once per layer and
// collected through Learnables for the solver and for checkpoints.
package nn

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Float is the element type of every tensor in the detector.
var Float = tensor.Float32

// ErrShapeMismatch is returned when a tensor reaching a layer does not have the expected shape.
var ErrShapeMismatch = errors.New("shape mismatch")

// Module owns learnable parameters. SetTraining must be called before the module builds
// its graph, the structure of some layers differs between training and inference.
type Module interface {
	Learnables() G.Nodes
	SetTraining(training bool)
}

// Stateful layers carry non-learnable state (batch norm running statistics) that is saved
// alongside the parameters.
type Stateful interface {
	State() map[string]*tensor.Dense
}

// StepHook is implemented by layers that update host state after each training step.
type StepHook interface {
	AfterStep() error
}

var nodeSeq uint64

// uniqueName appends a process wide sequence number so value nodes never collide.
func uniqueName(name string) string {
	return fmt.Sprintf("%s#%d", name, atomic.AddUint64(&nodeSeq, 1))
}

// Input creates an unbound float32 input node. Bind it with G.Let before running the graph.
func Input(g *G.ExprGraph, name string, shape ...int) *G.Node {
	return G.NewTensor(g, Float, len(shape), G.WithShape(shape...), G.WithName(uniqueName(name)))
}

// Const creates a node holding a fixed tensor. The value can be rewritten in place between runs.
func Const(g *G.ExprGraph, name string, value *tensor.Dense) *G.Node {
	shape := value.Shape()
	return G.NewTensor(g, Float, shape.Dims(), G.WithShape(shape...), G.WithName(uniqueName(name)), G.WithValue(value))
}

// Zeros creates a float32 tensor of the given shape.
func Zeros(shape ...int) *tensor.Dense {
	return tensor.New(tensor.Of(Float), tensor.WithShape(shape...))
}

// FromSlice wraps data in a tensor of the given shape without copying.
func FromSlice(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Scalar returns a float32 scalar constant.
func Scalar(v float32) *G.Node {
	return G.NewConstant(v)
}

// Float32s returns the row-major data of a node value, for tensors and scalars alike.
func Float32s(n *G.Node) ([]float32, error) {
	if n == nil || n.Value() == nil {
		return nil, errors.New("node has no value")
	}
	if d, ok := n.Value().(*tensor.Dense); ok {
		data, _, err := dense(d)
		return data, errors.Wrap(err, n.Name())
	}
	switch v := n.Value().Data().(type) {
	case float32:
		return []float32{v}, nil
	case []float32:
		return v, nil
	default:
		return nil, errors.Errorf("node %s holds %T, want float32", n.Name(), v)
	}
}

// ScalarValue returns the value of a scalar node.
func ScalarValue(n *G.Node) (float32, error) {
	data, err := Float32s(n)
	if err != nil {
		return 0, err
	}
	if len(data) != 1 {
		return 0, errors.Wrapf(ErrShapeMismatch, "node %s has %d values, want 1", n.Name(), len(data))
	}
	return data[0], nil
}

// CheckShape verifies that n has the given shape; -1 matches any size.
func CheckShape(n *G.Node, want ...int) error {
	got := n.Shape()
	if len(got) != len(want) {
		return errors.Wrapf(ErrShapeMismatch, "%s: got %v, want %v", n.Name(), got, want)
	}
	for i := range want {
		if want[i] >= 0 && got[i] != want[i] {
			return errors.Wrapf(ErrShapeMismatch, "%s: got %v, want %v", n.Name(), got, want)
		}
	}
	return nil
}

// Collect concatenates the learnables of the given modules, skipping nil ones.
func Collect(mods ...Module) G.Nodes {
	var out G.Nodes
	for _, m := range mods {
		if m == nil {
			continue
		}
		out = append(out, m.Learnables()...)
	}
	return out
}
