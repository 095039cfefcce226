// Package inference - Inference engine interface and implementations.
package inference

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/logging"
	"github.com/nvr-ai/go-pcdet/models"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
	"github.com/nvr-ai/go-pcdet/profiler"
)

// Engine detects objects in point clouds of (N, NUM_POINT_FEATURES) float32 values. Engines
// are safe for concurrent use.
type Engine interface {
	Predict(ctx context.Context, points []float32) ([]postprocess.Result, error)
	// PredictBatch runs the clouds in batches of the engine batch size and returns their
	// detections in order.
	PredictBatch(ctx context.Context, clouds [][]float32) ([][]postprocess.Result, error)
	Close() error
}

// EngineBuilder builds an Engine with a fluent API. The first error stops the chain and is
// returned by Build.
type EngineBuilder struct {
	typ        EngineType
	cfg        *config.Config
	checkpoint string
	batchSize  int
	workers    int
	prof       *profiler.RuntimeProfiler
	logger     *zap.Logger
	err        error
}

// NewEngineBuilder creates a new engine builder for the graph engine with batches of one.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{typ: EngineGraph, batchSize: 1}
}

// WithConfig sets the resolved configuration of the detector.
func (b *EngineBuilder) WithConfig(cfg *config.Config) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if cfg == nil {
		b.err = errors.New("nil config")
		return b
	}
	b.cfg = cfg
	return b
}

// WithBackend selects the engine implementation.
func (b *EngineBuilder) WithBackend(name string) *EngineBuilder {
	if b.HasError() {
		return b
	}
	b.typ, b.err = ParseEngineType(name)
	return b
}

// WithCheckpoint sets the weights of the graph engine. Without one the detector keeps its
// initial weights.
func (b *EngineBuilder) WithCheckpoint(path string) *EngineBuilder {
	if b.HasError() {
		return b
	}
	b.checkpoint = path
	return b
}

// WithBatchSize sets the static number of clouds per forward pass.
func (b *EngineBuilder) WithBatchSize(n int) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if n <= 0 {
		b.err = errors.Errorf("batch size %d", n)
		return b
	}
	b.batchSize = n
	return b
}

// WithNMSWorkers bounds the goroutines of post-processing.
func (b *EngineBuilder) WithNMSWorkers(n int) *EngineBuilder {
	if b.HasError() {
		return b
	}
	b.workers = n
	return b
}

// WithProfiler times every forward pass.
func (b *EngineBuilder) WithProfiler(p *profiler.RuntimeProfiler) *EngineBuilder {
	b.prof = p
	return b
}

// WithLogger sets the logger of the engine and of the detector build.
func (b *EngineBuilder) WithLogger(logger *zap.Logger) *EngineBuilder {
	b.logger = logger
	return b
}

// HasError checks if the engine builder has errors.
//
// Returns:
//   - bool: True if there are errors, false otherwise.
func (b *EngineBuilder) HasError() bool {
	return b.err != nil
}

// MustBuild builds the engine and panics if there is an error.
func (b *EngineBuilder) MustBuild(ctx context.Context) Engine {
	e, err := b.Build(ctx)
	if err != nil {
		panic(err)
	}
	return e
}

// Build builds the engine.
//
// Returns:
//   - Engine: The engine.
//   - error: The first error of the chain, or the error building the engine.
func (b *EngineBuilder) Build(ctx context.Context) (Engine, error) {
	if b.HasError() {
		return nil, b.err
	}
	if b.cfg == nil {
		return nil, errors.New("config not set")
	}
	logger := logging.OrNop(b.logger)
	ctx = logging.WithContext(ctx, logger)

	switch b.typ {
	case EngineONNX:
		return newONNXEngine(ctx, b.cfg, b.batchSize, b.workers, b.prof, logger)
	case EngineGraph:
		det, err := models.Build(b.cfg, model.Options{
			Mode:       model.ModeEval,
			BatchSize:  b.batchSize,
			NMSWorkers: b.workers,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		if b.checkpoint != "" {
			ck, err := Restore(det, b.checkpoint)
			if err != nil {
				return nil, err
			}
			logger.Info("weights restored", zap.String("path", b.checkpoint), zap.Int("epoch", ck.Epoch))
		}
		batch, err := newBatcher(ctx, b.cfg, b.batchSize)
		if err != nil {
			return nil, err
		}
		return newGraphEngine(det, batch, b.prof, logger), nil
	}
	return nil, errors.Wrapf(ErrUnknownEngine, "%q", b.typ)
}
