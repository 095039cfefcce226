package inference

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/inference/providers"
	"github.com/nvr-ai/go-pcdet/models"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
	"github.com/nvr-ai/go-pcdet/profiler"
)

// onnxEngine runs an exported network that maps the voxel tensors of a batch to dense class
// logits (B, N, C) and decoded boxes (B, N, 7). Selection of the final detections happens
// in Go with the same post-processing as the graph detector.
type onnxEngine struct {
	mu      sync.Mutex
	session *Session
	post    *models.PostProcessor
	batch   *batcher
	shape   dataset.Shape

	numBoxes  int
	numScores int

	voxels    *ort.Tensor[float32]
	numPoints *ort.Tensor[float32]
	coords    *ort.Tensor[int32]
	cls       *ort.Tensor[float32]
	box       *ort.Tensor[float32]

	prof   *profiler.RuntimeProfiler
	logger *zap.Logger
}

// onnxExportable reports whether a detector's predictions can be post-processed from the
// two dense outputs alone.
func onnxExportable(spec models.Spec) error {
	if spec.Post != models.PostClassScores {
		return errors.Errorf("%s needs head outputs beyond class scores and boxes", spec.Name)
	}
	return nil
}

func newONNXEngine(ctx context.Context, cfg *config.Config, batchSize, workers int, prof *profiler.RuntimeProfiler, logger *zap.Logger) (*onnxEngine, error) {
	oc := cfg.Runtime.ONNX
	if oc.ModelPath == "" {
		return nil, errors.Wrap(config.ErrInvalidConfig, "RUNTIME.ONNX.MODEL_PATH is empty")
	}
	if oc.NumBoxes <= 0 {
		return nil, errors.Wrap(config.ErrInvalidConfig, "RUNTIME.ONNX.NUM_BOXES must be positive")
	}
	if len(oc.InputNames) != 3 || len(oc.OutputNames) != 2 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "RUNTIME.ONNX needs 3 inputs and 2 outputs, got %d and %d",
			len(oc.InputNames), len(oc.OutputNames))
	}
	spec, err := models.Detectors.Lookup(cfg.Model.Name)
	if err != nil {
		return nil, err
	}
	if err := onnxExportable(spec); err != nil {
		return nil, err
	}
	post, err := models.NewPostProcessor(spec, cfg, workers)
	if err != nil {
		return nil, err
	}
	batch, err := newBatcher(ctx, cfg, batchSize)
	if err != nil {
		return nil, err
	}
	popts, err := providers.FromConfig(oc)
	if err != nil {
		return nil, err
	}
	if err := providers.Init(oc.LibraryPath); err != nil {
		return nil, err
	}

	e := &onnxEngine{
		post:      post,
		batch:     batch,
		shape:     batch.ds.Shape(),
		numBoxes:  oc.NumBoxes,
		numScores: cfg.NumClass(),
		prof:      prof,
		logger:    logger,
	}
	if cfg.Model.DenseHead.ClassAgnostic {
		e.numScores = 1
	}
	inputs, outputs, err := e.allocate()
	if err != nil {
		return nil, err
	}
	e.session, err = NewSession(oc.ModelPath, oc.InputNames, oc.OutputNames, inputs, outputs, popts)
	if err != nil {
		return nil, err
	}
	logger.Info("onnx engine ready",
		zap.String("model", oc.ModelPath),
		zap.String("provider", string(popts.Backend)),
		zap.Int("batch_size", e.shape.Size),
		zap.Int("boxes", e.numBoxes),
	)
	return e, nil
}

// allocate creates the static tensors of one batch. On failure the tensors created so far
// are destroyed.
func (e *onnxEngine) allocate() (inputs, outputs []ort.Value, err error) {
	s := e.shape
	rows := int64(s.Size * s.MaxVoxels)
	defer func() {
		if err != nil {
			for _, v := range append(inputs, outputs...) {
				v.Destroy()
			}
			inputs, outputs = nil, nil
		}
	}()
	if e.voxels, err = ort.NewEmptyTensor[float32](ort.NewShape(rows, int64(s.MaxPoints), int64(s.NumFeatures))); err != nil {
		return nil, nil, errors.Wrap(err, "voxel tensor")
	}
	inputs = append(inputs, e.voxels)
	if e.numPoints, err = ort.NewEmptyTensor[float32](ort.NewShape(rows)); err != nil {
		return inputs, nil, errors.Wrap(err, "point count tensor")
	}
	inputs = append(inputs, e.numPoints)
	if e.coords, err = ort.NewEmptyTensor[int32](ort.NewShape(rows, 4)); err != nil {
		return inputs, nil, errors.Wrap(err, "coordinate tensor")
	}
	inputs = append(inputs, e.coords)

	if e.cls, err = ort.NewEmptyTensor[float32](ort.NewShape(int64(s.Size), int64(e.numBoxes), int64(e.numScores))); err != nil {
		return inputs, nil, errors.Wrap(err, "class tensor")
	}
	outputs = append(outputs, e.cls)
	if e.box, err = ort.NewEmptyTensor[float32](ort.NewShape(int64(s.Size), int64(e.numBoxes), common.BoxDim)); err != nil {
		return inputs, outputs, errors.Wrap(err, "box tensor")
	}
	outputs = append(outputs, e.box)
	return inputs, outputs, nil
}

func (e *onnxEngine) Predict(ctx context.Context, points []float32) ([]postprocess.Result, error) {
	out, err := e.PredictBatch(ctx, [][]float32{points})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *onnxEngine) PredictBatch(ctx context.Context, clouds [][]float32) ([][]postprocess.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batch.run(ctx, clouds, e.forward)
}

func (e *onnxEngine) forward(b *dataset.Batch) ([][]postprocess.Result, error) {
	if e.prof != nil {
		defer e.prof.StartOperation("onnx_forward")()
	}
	fillInputs(b, e.voxels.GetData(), e.numPoints.GetData(), e.coords.GetData())
	if err := e.session.Run(); err != nil {
		return nil, err
	}
	p := densePredictions(b.Size, e.numBoxes, e.numScores, e.cls.GetData(), e.box.GetData())
	return e.post.Run(p, b, false, nil)
}

func (e *onnxEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	runs, mean := e.session.Stats()
	e.logger.Info("onnx engine closed", zap.Int64("runs", runs), zap.Duration("mean_run", mean))
	return e.session.Close()
}

// fillInputs copies the voxel tensors of b into the session inputs.
func fillInputs(b *dataset.Batch, voxels, numPoints []float32, coords []int32) {
	copy(voxels, b.Voxels)
	copy(numPoints, b.NumPoints)
	copy(coords, b.Coords)
}

// densePredictions copies the session outputs, which are overwritten by the next run.
func densePredictions(batchSize, numBoxes, numScores int, cls, box []float32) *model.Predictions {
	return &model.Predictions{
		BatchSize: batchSize,
		NumBoxes:  numBoxes,
		NumScores: numScores,
		Scores:    append([]float32(nil), cls[:batchSize*numBoxes*numScores]...),
		Boxes:     append([]float32(nil), box[:batchSize*numBoxes*common.BoxDim]...),
	}
}
