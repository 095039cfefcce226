package train

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ErrNonFinite is returned by a step whose gradients contain NaN or Inf. The parameters are
// left untouched and the gradients cleared.
var ErrNonFinite = errors.New("non-finite gradient")

// AdamW is Adam with decoupled weight decay and global gradient norm clipping. LR and Beta1
// are read at every step so a Schedule can drive them. It implements gorgonia's Solver.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
	// ClipNorm rescales the gradients when their global L2 norm exceeds it. 0 disables it.
	ClipNorm float64

	step    int
	moments map[G.ValueGrad]*moments
	// lastNorm is the gradient norm before clipping of the last step.
	lastNorm float64
}

type moments struct {
	m, v []float32
}

var _ G.Solver = (*AdamW)(nil)

// NewAdamW returns an AdamW solver with beta2 0.99 and eps 1e-8.
func NewAdamW(lr, weightDecay, clipNorm float64) *AdamW {
	return &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.99,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		ClipNorm:    clipNorm,
		moments:     make(map[G.ValueGrad]*moments),
	}
}

// Steps returns the number of steps taken.
func (s *AdamW) Steps() int { return s.step }

// GradNorm returns the gradient norm of the last step before clipping.
func (s *AdamW) GradNorm() float64 { return s.lastNorm }

// Step applies one update to every parameter and clears the gradients, which the tape machine
// accumulates into across runs.
func (s *AdamW) Step(params []G.ValueGrad) error {
	values := make([][]float32, len(params))
	grads := make([][]float32, len(params))
	var sq float64
	for i, p := range params {
		v, err := float32Data(p.Value())
		if err != nil {
			return errors.Wrapf(err, "param %d", i)
		}
		gv, err := p.Grad()
		if err != nil {
			return errors.Wrapf(err, "grad of param %d", i)
		}
		g, err := float32Data(gv)
		if err != nil {
			return errors.Wrapf(err, "grad of param %d", i)
		}
		if len(g) != len(v) {
			return errors.Errorf("param %d: %d values, %d grads", i, len(v), len(g))
		}
		for _, x := range g {
			sq += float64(x) * float64(x)
		}
		values[i], grads[i] = v, g
	}
	norm := math.Sqrt(sq)
	s.lastNorm = norm
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		if err := zeroGrads(params); err != nil {
			return err
		}
		return ErrNonFinite
	}
	scale := float32(1)
	if s.ClipNorm > 0 && norm > s.ClipNorm {
		scale = float32(s.ClipNorm / (norm + 1e-6))
	}

	s.step++
	lr := float32(s.LR)
	b1, b2 := float32(s.Beta1), float32(s.Beta2)
	bc1 := 1 - float32(math.Pow(s.Beta1, float64(s.step)))
	bc2 := 1 - float32(math.Pow(s.Beta2, float64(s.step)))
	decay := 1 - lr*float32(s.WeightDecay)
	eps := float32(s.Eps)

	for i, p := range params {
		st, ok := s.moments[p]
		if !ok {
			st = &moments{m: make([]float32, len(values[i])), v: make([]float32, len(values[i]))}
			s.moments[p] = st
		}
		w, g := values[i], grads[i]
		for j := range w {
			gj := g[j] * scale
			st.m[j] = b1*st.m[j] + (1-b1)*gj
			st.v[j] = b2*st.v[j] + (1-b2)*gj*gj
			w[j] *= decay
			w[j] -= lr * (st.m[j] / bc1) / (math32.Sqrt(st.v[j]/bc2) + eps)
		}
		// One element tensors hand out a copy of their value.
		if d, ok := p.Value().(*tensor.Dense); ok && d.Size() == 1 {
			d.Set(0, w[0])
		}
	}
	return zeroGrads(params)
}

func zeroGrads(params []G.ValueGrad) error {
	for i, p := range params {
		gv, err := p.Grad()
		if err != nil {
			return errors.Wrapf(err, "grad of param %d", i)
		}
		d, ok := gv.(*tensor.Dense)
		if !ok {
			return errors.Errorf("grad of param %d: want a tensor, got %T", i, gv)
		}
		d.Zero()
	}
	return nil
}

// float32Data returns the backing data of a float32 tensor. One element tensors return a
// copy.
func float32Data(v G.Value) ([]float32, error) {
	t, ok := v.(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("want a float32 tensor, got %T", v)
	}
	switch d := t.Data().(type) {
	case []float32:
		return d, nil
	case float32:
		return []float32{d}, nil
	}
	return nil, errors.Errorf("want float32 data, got %s", t.Dtype())
}
