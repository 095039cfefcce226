// Package train runs the optimisation loop of a detector: one graph built for training, a
// tape machine per run, AdamW with a learning rate schedule, checkpoints and metrics.
package train

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-pcdet/checkpoint"
	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/logging"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/nn"
	"github.com/nvr-ai/go-pcdet/profiler"
	"github.com/nvr-ai/go-pcdet/runstore"
)

// Model is a detector built in training mode.
type Model interface {
	Name() model.Name
	Graph() *G.ExprGraph
	Learnables() G.Nodes
	Loss() (*G.Node, map[string]*G.Node)
	Bind(b *dataset.Batch) error
	StepHooks() []nn.StepHook
	State() map[string]*tensor.Dense
}

// Source yields the batches of one epoch.
type Source interface {
	Batches(ctx context.Context, fn func(step int, b *dataset.Batch) error) error
	NumBatches() int
}

// Options configures a Trainer.
type Options struct {
	// Epochs overrides OPTIMIZATION.NUM_EPOCHS when positive.
	Epochs int
	// CheckpointDir receives checkpoint_epoch_<n>.safetensors files. Empty disables them.
	CheckpointDir string
	// CkptEvery saves a checkpoint every that many epochs; the last epoch is always saved.
	CkptEvery int
	// LogEvery logs every that many steps. 0 logs every step.
	LogEvery int
	// Store receives the metrics of every step when set.
	Store *runstore.Store
	// ConfigYAML is stored with the run.
	ConfigYAML string
	// Profiler times the phases of every step when set.
	Profiler *profiler.RuntimeProfiler
	Logger   *zap.Logger
}

// StepResult holds the scalars of one step.
type StepResult struct {
	Step     int
	Epoch    int
	Loss     float32
	Losses   map[string]float32
	LR       float64
	GradNorm float64
	Skipped  bool
	Duration time.Duration
}

// Trainer owns the tape machine and the solver of one training run.
type Trainer struct {
	model  Model
	opt    config.OptimizationConfig
	opts   Options
	vm     G.VM
	solver *AdamW
	sched  Schedule
	params G.Nodes
	hooks  []nn.StepHook
	loss   *G.Node
	tb     map[string]*G.Node
	runID  uuid.UUID
	logger *zap.Logger

	epochs int
	epoch  int
	step   int
}

// New prepares the gradient graph of m and the solver configured by opt for epochs of
// stepsPerEpoch steps.
func New(m Model, opt config.OptimizationConfig, stepsPerEpoch int, opts Options) (*Trainer, error) {
	loss, tb := m.Loss()
	if loss == nil {
		return nil, errors.Errorf("%s was not built for training", m.Name())
	}
	if opts.Epochs > 0 {
		opt.NumEpochs = opts.Epochs
	}
	sched, err := NewSchedule(opt, stepsPerEpoch)
	if err != nil {
		return nil, err
	}
	params := m.Learnables()
	if len(params) == 0 {
		return nil, errors.Errorf("%s has no learnable parameters", m.Name())
	}
	if _, err := G.Grad(loss, params...); err != nil {
		return nil, errors.Wrap(err, "gradient graph")
	}

	t := &Trainer{
		model:  m,
		opt:    opt,
		opts:   opts,
		vm:     G.NewTapeMachine(m.Graph(), G.BindDualValues(params...)),
		solver: NewAdamW(opt.LR, opt.WeightDecay, opt.GradNormClip),
		sched:  sched,
		params: params,
		hooks:  m.StepHooks(),
		loss:   loss,
		tb:     tb,
		logger: logging.OrNop(opts.Logger),
		epochs: opt.NumEpochs,
	}
	return t, nil
}

// Close releases the tape machine.
func (t *Trainer) Close() error { return t.vm.Close() }

// Steps returns the number of optimizer steps taken.
func (t *Trainer) Steps() int { return t.step }

// Epoch returns the number of completed epochs.
func (t *Trainer) Epoch() int { return t.epoch }

// RunID returns the id of the run in the store, or uuid.Nil.
func (t *Trainer) RunID() uuid.UUID { return t.runID }

func (t *Trainer) time(name string) func() {
	if t.opts.Profiler == nil {
		return func() {}
	}
	return t.opts.Profiler.StartOperation(name)
}

// Step runs one forward and backward pass on b and updates the parameters. A step with a
// non-finite gradient leaves the parameters unchanged and is reported as skipped.
func (t *Trainer) Step(b *dataset.Batch) (StepResult, error) {
	start := time.Now()
	res := StepResult{Step: t.step, Epoch: t.epoch, Losses: make(map[string]float32, len(t.tb))}
	lr, beta1 := t.sched.At(t.step)
	t.solver.LR, t.solver.Beta1 = lr, beta1
	res.LR = lr

	done := t.time("bind")
	err := t.model.Bind(b)
	done()
	if err != nil {
		return res, errors.Wrap(err, "bind")
	}

	defer t.vm.Reset()
	done = t.time("forward_backward")
	err = t.vm.RunAll()
	done()
	if err != nil {
		return res, errors.Wrapf(err, "step %d", t.step)
	}

	loss, err := nn.ScalarValue(t.loss)
	if err != nil {
		return res, errors.Wrap(err, "loss")
	}
	res.Loss = loss
	for k, n := range t.tb {
		if v, err := nn.ScalarValue(n); err == nil {
			res.Losses[k] = v
		}
	}

	done = t.time("solver")
	err = t.solver.Step(G.NodesToValueGrads(t.params))
	done()
	res.GradNorm = t.solver.GradNorm()
	switch {
	case errors.Is(err, ErrNonFinite):
		res.Skipped = true
		t.logger.Warn("step skipped", zap.Int("step", t.step), zap.Float32("loss", loss))
	case err != nil:
		return res, errors.Wrap(err, "solver")
	default:
		for _, h := range t.hooks {
			if err := h.AfterStep(); err != nil {
				return res, errors.Wrap(err, "after step")
			}
		}
	}
	t.step++
	res.Duration = time.Since(start)
	if p := t.opts.Profiler; p != nil {
		p.RecordMetric("loss", float64(loss))
	}
	return res, nil
}

// Fit trains for the configured epochs, starting after the last completed epoch.
func (t *Trainer) Fit(ctx context.Context, src Source) (err error) {
	if t.opts.Store != nil {
		if t.runID, err = t.opts.Store.StartRun(ctx, runstore.KindTrain, string(t.model.Name()), t.opts.ConfigYAML); err != nil {
			return err
		}
		defer func() {
			status := runstore.StatusDone
			switch {
			case errors.Is(err, context.Canceled):
				status = runstore.StatusCanceled
			case err != nil:
				status = runstore.StatusFailed
			}
			if ferr := t.opts.Store.FinishRun(context.WithoutCancel(ctx), t.runID, status); ferr != nil && err == nil {
				err = ferr
			}
		}()
	}
	t.logger.Info("training started",
		zap.String("model", string(t.model.Name())),
		zap.Stringer("run", t.runID),
		zap.Int("epochs", t.epochs),
		zap.Int("start_epoch", t.epoch),
		zap.Int("steps_per_epoch", src.NumBatches()),
		zap.Int("params", len(t.params)),
	)

	for t.epoch < t.epochs {
		var sum float64
		var n int
		began := time.Now()
		err := src.Batches(ctx, func(_ int, b *dataset.Batch) error {
			res, err := t.Step(b)
			if err != nil {
				return err
			}
			if !res.Skipped {
				sum += float64(res.Loss)
				n++
			}
			t.logStep(res)
			return t.record(ctx, res)
		})
		if err != nil {
			return errors.Wrapf(err, "epoch %d", t.epoch)
		}
		t.epoch++

		mean := 0.0
		if n > 0 {
			mean = sum / float64(n)
		}
		t.logger.Info("epoch done",
			zap.Int("epoch", t.epoch),
			zap.Float64("mean_loss", mean),
			zap.Int("skipped", src.NumBatches()-n),
			zap.Duration("took", time.Since(began).Truncate(time.Millisecond)),
		)
		if t.saveDue() {
			if _, err := t.Save(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Trainer) saveDue() bool {
	if t.opts.CheckpointDir == "" {
		return false
	}
	every := max(t.opts.CkptEvery, 1)
	return t.epoch%every == 0 || t.epoch == t.epochs
}

func (t *Trainer) logStep(res StepResult) {
	every := max(t.opts.LogEvery, 1)
	if res.Step%every != 0 {
		return
	}
	fields := []zap.Field{
		zap.Int("epoch", res.Epoch),
		zap.Int("step", res.Step),
		zap.Float32("loss", res.Loss),
		zap.Float64("lr", res.LR),
		zap.Float64("grad_norm", res.GradNorm),
		zap.Duration("took", res.Duration.Truncate(time.Microsecond)),
	}
	for k, v := range res.Losses {
		if k != "loss" {
			fields = append(fields, zap.Float32(k, v))
		}
	}
	t.logger.Info("step", fields...)
}

func (t *Trainer) record(ctx context.Context, res StepResult) error {
	if t.opts.Store == nil {
		return nil
	}
	values := map[string]float64{
		"loss":      float64(res.Loss),
		"lr":        res.LR,
		"grad_norm": res.GradNorm,
	}
	for k, v := range res.Losses {
		values[k] = float64(v)
	}
	return t.opts.Store.Record(ctx, t.runID, res.Step, res.Epoch, values)
}

// CheckpointPath returns the checkpoint file of an epoch.
func CheckpointPath(dir string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("checkpoint_epoch_%d.safetensors", epoch))
}

// Save writes the checkpoint of the last completed epoch and returns its path.
func (t *Trainer) Save() (string, error) {
	ck, err := checkpoint.Snapshot(t.model, string(t.model.Name()), t.epoch, t.step)
	if err != nil {
		return "", err
	}
	path := CheckpointPath(t.opts.CheckpointDir, t.epoch)
	if err := checkpoint.Save(path, ck); err != nil {
		return "", err
	}
	t.logger.Info("checkpoint saved", zap.String("path", path), zap.Int("epoch", t.epoch))
	return path, nil
}

// Resume restores the parameters of a checkpoint and continues after its epoch. The solver
// moments start from zero.
func (t *Trainer) Resume(path string) error {
	ck, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if ck.Model != "" && ck.Model != string(t.model.Name()) {
		return errors.Errorf("checkpoint of %s, training %s", ck.Model, t.model.Name())
	}
	if err := checkpoint.Restore(t.model, ck); err != nil {
		return err
	}
	t.epoch, t.step = ck.Epoch, ck.Step
	t.logger.Info("resumed", zap.String("path", path), zap.Int("epoch", t.epoch), zap.Int("step", t.step))
	return nil
}
