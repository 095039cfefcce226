package inference

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/checkpoint"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/models"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
	"github.com/nvr-ai/go-pcdet/profiler"
)

// detector is the part of an evaluation detector the graph engine drives.
type detector interface {
	Graph() *G.ExprGraph
	Bind(b *dataset.Batch) error
	PostProcess(b *dataset.Batch, recall models.RecallRecord) ([][]postprocess.Result, error)
}

// graphEngine evaluates a detector graph on a tape machine. The machine is not
// re-entrant, so predictions are serialised.
type graphEngine struct {
	mu     sync.Mutex
	det    detector
	vm     G.VM
	batch  *batcher
	prof   *profiler.RuntimeProfiler
	logger *zap.Logger
}

func newGraphEngine(det detector, batch *batcher, prof *profiler.RuntimeProfiler, logger *zap.Logger) *graphEngine {
	return &graphEngine{
		det:    det,
		vm:     G.NewTapeMachine(det.Graph()),
		batch:  batch,
		prof:   prof,
		logger: logger,
	}
}

// Restore loads the weights of the checkpoint at path into det.
func Restore(det *models.Detector, path string) (*checkpoint.Checkpoint, error) {
	ck, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	if ck.Model != "" && ck.Model != string(det.Name()) {
		return nil, errors.Errorf("checkpoint %s holds %s, config builds %s", path, ck.Model, det.Name())
	}
	if err := checkpoint.Restore(det, ck); err != nil {
		return nil, errors.Wrapf(err, "restore %s", path)
	}
	return ck, nil
}

func (e *graphEngine) Predict(ctx context.Context, points []float32) ([]postprocess.Result, error) {
	out, err := e.PredictBatch(ctx, [][]float32{points})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *graphEngine) PredictBatch(ctx context.Context, clouds [][]float32) ([][]postprocess.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batch.run(ctx, clouds, e.forward)
}

func (e *graphEngine) forward(b *dataset.Batch) ([][]postprocess.Result, error) {
	if e.prof != nil {
		defer e.prof.StartOperation("graph_forward")()
	}
	if err := e.det.Bind(b); err != nil {
		return nil, err
	}
	defer e.vm.Reset()
	if err := e.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run graph")
	}
	out, err := e.det.PostProcess(b, nil)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("batch predicted", zap.Int("samples", b.Count), zap.Strings("frames", b.FrameIDs))
	return out, nil
}

func (e *graphEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vm.Close()
}
