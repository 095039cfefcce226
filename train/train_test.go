package train

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-pcdet/checkpoint"
	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/nn"
	"github.com/nvr-ai/go-pcdet/runstore"
)

// regression fits y = 2a - b + 1 on four samples carried in the voxel features of a batch.
type regression struct {
	g    *G.ExprGraph
	x, y *G.Node
	lin  *nn.Linear
	loss *G.Node
}

func newRegression(t *testing.T) *regression {
	t.Helper()
	g := G.NewGraph()
	r := &regression{
		g:   g,
		x:   nn.Input(g, "x", 4, 2),
		y:   nn.Input(g, "y", 4, 1),
		lin: nn.NewLinear(g, "fit", 2, 1, true),
	}
	pred, err := r.lin.Forward(r.x)
	require.NoError(t, err)
	diff, err := G.Sub(pred, r.y)
	require.NoError(t, err)
	sq, err := G.Square(diff)
	require.NoError(t, err)
	r.loss, err = G.Mean(sq)
	require.NoError(t, err)
	return r
}

func (r *regression) Name() model.Name         { return "Regression" }
func (r *regression) Graph() *G.ExprGraph      { return r.g }
func (r *regression) Learnables() G.Nodes      { return r.lin.Learnables() }
func (r *regression) StepHooks() []nn.StepHook { return nil }
func (r *regression) State() map[string]*tensor.Dense {
	return map[string]*tensor.Dense{}
}

func (r *regression) Loss() (*G.Node, map[string]*G.Node) {
	return r.loss, map[string]*G.Node{"loss": r.loss}
}

func (r *regression) Bind(b *dataset.Batch) error {
	if err := G.Let(r.x, nn.FromSlice(append([]float32(nil), b.Voxels...), 4, 2)); err != nil {
		return err
	}
	return G.Let(r.y, nn.FromSlice(append([]float32(nil), b.NumPoints...), 4, 1))
}

func regressionBatch() *dataset.Batch {
	x := []float32{0, 0, 1, 0, 0, 1, 1, 1}
	y := make([]float32, 4)
	for i := range y {
		y[i] = 2*x[2*i] - x[2*i+1] + 1
	}
	return &dataset.Batch{Count: 4, Voxels: x, NumPoints: y}
}

type batches struct {
	n int
	b *dataset.Batch
}

func (s batches) NumBatches() int { return s.n }

func (s batches) Batches(ctx context.Context, fn func(int, *dataset.Batch) error) error {
	for i := 0; i < s.n; i++ {
		if err := fn(i, s.b); err != nil {
			return err
		}
	}
	return nil
}

func optimization() config.OptimizationConfig {
	return config.OptimizationConfig{
		NumEpochs:    40,
		Optimizer:    OptimizerAdam,
		LR:           0.05,
		GradNormClip: 10,
		LRClip:       1e-7,
	}
}

func TestOneCycle(t *testing.T) {
	s, err := NewSchedule(config.OptimizationConfig{
		NumEpochs: 10, Optimizer: OptimizerAdamOneCycle, LR: 0.01,
		Moms: []float64{0.95, 0.85}, PctStart: 0.4, DivFactor: 10,
	}, 10)
	require.NoError(t, err)

	lr, mom := s.At(0)
	assert.InDelta(t, 0.001, lr, 1e-12)
	assert.InDelta(t, 0.95, mom, 1e-12)

	lr, mom = s.At(40)
	assert.InDelta(t, 0.01, lr, 1e-12)
	assert.InDelta(t, 0.85, mom, 1e-12)

	lr, mom = s.At(100)
	assert.InDelta(t, 0.001/1e4, lr, 1e-12)
	assert.InDelta(t, 0.95, mom, 1e-12)

	// Half way through the warmup the rate is the mean of both ends.
	lr, _ = s.At(20)
	assert.InDelta(t, 0.0055, lr, 1e-9)
}

func TestStepDecay(t *testing.T) {
	cfg := optimization()
	cfg.DecayStepList = []int{2, 4}
	cfg.LRDecay = 0.1
	cfg.LRClip = 1e-3
	s, err := NewSchedule(cfg, 5)
	require.NoError(t, err)

	lr, beta1 := s.At(9)
	assert.InDelta(t, 0.05, lr, 1e-12)
	assert.Equal(t, 0.9, beta1)
	lr, _ = s.At(10)
	assert.InDelta(t, 0.005, lr, 1e-12)
	lr, _ = s.At(25)
	assert.InDelta(t, 1e-3, lr, 1e-12)

	cfg.LRWarmup = true
	cfg.WarmupEpoch = 1
	cfg.DivFactor = 10
	s, err = NewSchedule(cfg, 5)
	require.NoError(t, err)
	lr, _ = s.At(0)
	assert.InDelta(t, 0.005, lr, 1e-12)
	lr, _ = s.At(5)
	assert.InDelta(t, 0.05, lr, 1e-12)
}

func TestNewScheduleRejects(t *testing.T) {
	cfg := optimization()
	_, err := NewSchedule(cfg, 0)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg.Optimizer = "sgd"
	_, err = NewSchedule(cfg, 1)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg.Optimizer = OptimizerAdamOneCycle
	cfg.Moms = []float64{0.9}
	_, err = NewSchedule(cfg, 1)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

type fixedGrad struct {
	value, grad *tensor.Dense
}

func (f fixedGrad) Value() G.Value         { return f.value }
func (f fixedGrad) Grad() (G.Value, error) { return f.grad, nil }

func TestAdamWStep(t *testing.T) {
	p := fixedGrad{value: nn.FromSlice([]float32{1, -1}, 2), grad: nn.FromSlice([]float32{3, -4}, 2)}
	s := NewAdamW(0.1, 0, 1)
	require.NoError(t, s.Step([]G.ValueGrad{p}))
	assert.InDelta(t, 5, s.GradNorm(), 1e-9)
	// The first Adam step moves every weight by lr against the sign of its gradient.
	w := p.value.Data().([]float32)
	assert.InDelta(t, 0.9, w[0], 1e-5)
	assert.InDelta(t, -0.9, w[1], 1e-5)

	one := fixedGrad{value: nn.FromSlice([]float32{2}, 1), grad: nn.FromSlice([]float32{1}, 1)}
	s = NewAdamW(0.1, 0.5, 0)
	require.NoError(t, s.Step([]G.ValueGrad{one}))
	// Decay shrinks the weight by lr*wd before the Adam update.
	assert.InDelta(t, 2*0.95-0.1, one.value.Get(0), 1e-5)

	bad := fixedGrad{value: nn.FromSlice([]float32{1}, 1), grad: nn.FromSlice([]float32{float32(math.NaN())}, 1)}
	assert.ErrorIs(t, s.Step([]G.ValueGrad{bad}), ErrNonFinite)
	assert.Equal(t, float32(1), bad.value.Get(0))
	assert.Equal(t, float32(0), bad.grad.Get(0))

	assert.Equal(t, []float32{0, 0}, p.grad.Data())
}

func TestStepClearsGradients(t *testing.T) {
	r := newRegression(t)
	params := r.Learnables()
	_, err := G.Grad(r.loss, params...)
	require.NoError(t, err)
	vm := G.NewTapeMachine(r.g, G.BindDualValues(params...))
	defer vm.Close()

	// A zero learning rate keeps the parameters still, so every step sees the same gradient.
	s := NewAdamW(0, 0, 0)
	norms := make([]float64, 4)
	for i := range norms {
		require.NoError(t, r.Bind(regressionBatch()))
		require.NoError(t, vm.RunAll())
		require.NoError(t, s.Step(G.NodesToValueGrads(params)))
		norms[i] = s.GradNorm()
		vm.Reset()
	}
	require.Positive(t, norms[0])
	for _, n := range norms[1:] {
		assert.InDelta(t, norms[0], n, 1e-5)
	}
}

func TestFit(t *testing.T) {
	ctx := context.Background()
	store, err := runstore.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	r := newRegression(t)
	dir := t.TempDir()
	tr, err := New(r, optimization(), 5, Options{CheckpointDir: dir, CkptEvery: 20, Store: store})
	require.NoError(t, err)
	defer tr.Close()

	src := batches{n: 5, b: regressionBatch()}
	first, err := tr.Step(src.b)
	require.NoError(t, err)
	require.NoError(t, tr.Fit(ctx, src))
	assert.Equal(t, 40, tr.Epoch())
	assert.Equal(t, 201, tr.Steps())

	last, err := tr.Step(src.b)
	require.NoError(t, err)
	assert.Less(t, last.Loss, first.Loss/10)

	losses, err := store.Metrics(ctx, tr.RunID(), "loss")
	require.NoError(t, err)
	assert.Len(t, losses, 200)
	run, err := store.Run(ctx, tr.RunID())
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusDone, run.Status)

	assert.FileExists(t, CheckpointPath(dir, 20))
	assert.FileExists(t, CheckpointPath(dir, 40))
	ck, err := checkpoint.Load(CheckpointPath(dir, 40))
	require.NoError(t, err)
	assert.Equal(t, "Regression", ck.Model)
	assert.Equal(t, 40, ck.Epoch)

	resumed, err := New(newRegression(t), optimization(), 5, Options{})
	require.NoError(t, err)
	defer resumed.Close()
	require.NoError(t, resumed.Resume(CheckpointPath(dir, 40)))
	assert.Equal(t, 40, resumed.Epoch())
	// Nothing is left to train.
	require.NoError(t, resumed.Fit(ctx, src))
	assert.Equal(t, 201, resumed.Steps())
}
