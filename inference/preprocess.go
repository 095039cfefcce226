package inference

import (
	"context"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
)

// ErrInvalidPoints is returned for a point cloud whose length is not a multiple of the
// point feature count.
var ErrInvalidPoints = errors.New("invalid point cloud")

// batcher turns raw point clouds into padded batches of the static detector shape.
type batcher struct {
	ds          *dataset.Dataset
	numFeatures int
}

func newBatcher(ctx context.Context, cfg *config.Config, batchSize int) (*batcher, error) {
	ds, err := dataset.NewFromFiles(ctx, cfg, nil, dataset.Options{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return &batcher{ds: ds, numFeatures: cfg.DataConfig.NumPointFeatures}, nil
}

// Check reports a cloud that does not hold whole points.
func (p *batcher) Check(points []float32) error {
	if len(points)%p.numFeatures != 0 {
		return errors.Wrapf(ErrInvalidPoints, "%d values is not a multiple of %d features", len(points), p.numFeatures)
	}
	return nil
}

// run prepares clouds in groups of the batch size and calls fn on each batch. The
// detections are returned in cloud order.
func (p *batcher) run(ctx context.Context, clouds [][]float32, fn func(*dataset.Batch) ([][]postprocess.Result, error)) ([][]postprocess.Result, error) {
	for _, c := range clouds {
		if err := p.Check(c); err != nil {
			return nil, err
		}
	}
	size := p.ds.Shape().Size
	out := make([][]postprocess.Result, 0, len(clouds))
	for start := 0; start < len(clouds); start += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+size, len(clouds))
		frames := make([]*dataset.Frame, 0, end-start)
		for i := start; i < end; i++ {
			f := &dataset.Frame{
				ID:          strconv.Itoa(i),
				Points:      append([]float32(nil), clouds[i]...),
				NumFeatures: p.numFeatures,
			}
			p.ds.Prepare(f)
			frames = append(frames, f)
		}
		b, err := p.ds.Collate(frames)
		if err != nil {
			return nil, err
		}
		dets, err := fn(b)
		if err != nil {
			return nil, err
		}
		out = append(out, dets...)
	}
	return out, nil
}
