package dataset

import (
	"context"
	"math/rand/v2"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/logging"
)

// Dataset is a directory of frames prepared for one model configuration.
type Dataset struct {
	cfg       config.DataConfig
	classes   *common.ClassSet
	files     []FrameFile
	training  bool
	voxelizer *Voxelizer
	augmentor *Augmentor
	shape     Shape
	rng       *rand.Rand
	logger    *zap.Logger
}

// Options configures a Dataset.
type Options struct {
	// Root is the dataset directory; see ListFrames for the layout.
	Root string
	// Training enables augmentation, shuffling and the training voxel budget.
	Training bool
	// BatchSize is the static number of samples per batch.
	BatchSize int
	// Seed seeds augmentation and shuffling.
	Seed int64
}

// New lists the frames under opts.Root and prepares the processors of cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Dataset, error) {
	files, err := ListFrames(opts.Root)
	if err != nil {
		return nil, err
	}
	d, err := NewFromFiles(ctx, cfg, files, opts)
	if err != nil {
		return nil, err
	}
	d.logger.Info("dataset ready",
		zap.String("root", opts.Root),
		zap.Int("frames", len(files)),
		zap.Bool("training", opts.Training),
		zap.Strings("augmentations", d.augmentor.Names()))
	return d, nil
}

// NewFromFiles is New for an explicit frame list.
func NewFromFiles(ctx context.Context, cfg *config.Config, files []FrameFile, opts Options) (*Dataset, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("batch size %d", opts.BatchSize)
	}
	vox, err := NewVoxelizer(cfg.DataConfig, opts.Training)
	if err != nil {
		return nil, err
	}
	aug := &Augmentor{}
	if opts.Training {
		if aug, err = NewAugmentor(cfg.DataConfig.DataAugmentor); err != nil {
			return nil, err
		}
	}
	seed := uint64(opts.Seed)
	return &Dataset{
		cfg:       cfg.DataConfig,
		classes:   common.NewClassSet(common.Dataset(cfg.DataConfig.Dataset), cfg.ClassNames...),
		files:     files,
		training:  opts.Training,
		voxelizer: vox,
		augmentor: aug,
		shape:     ShapeOf(cfg, opts.BatchSize, opts.Training),
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger:    logging.FromContext(ctx),
	}, nil
}

// ShapeOf returns the static batch shape of a configuration.
func ShapeOf(cfg *config.Config, batchSize int, training bool) Shape {
	proc, _ := cfg.DataConfig.Processor(config.ProcessorToVoxels)
	return Shape{
		Size:        batchSize,
		MaxVoxels:   proc.MaxNumberOfVoxels.Get(training),
		MaxPoints:   proc.MaxPointsPerVoxel,
		NumFeatures: cfg.DataConfig.NumPointFeatures,
		MaxObjects:  cfg.DataConfig.MaxObjects,
	}
}

// Len returns the number of frames.
func (d *Dataset) Len() int { return len(d.files) }

// Shape returns the batch shape.
func (d *Dataset) Shape() Shape { return d.shape }

// Classes returns the class set of the configuration.
func (d *Dataset) Classes() *common.ClassSet { return d.classes }

// Voxelizer returns the voxelizer of the dataset.
func (d *Dataset) Voxelizer() *Voxelizer { return d.voxelizer }

// Frame loads frame i and runs the data processors on it.
func (d *Dataset) Frame(i int) (*Frame, error) {
	if i < 0 || i >= len(d.files) {
		return nil, errors.Errorf("frame %d out of range [0, %d)", i, len(d.files))
	}
	file := d.files[i]
	points, err := ReadPoints(file.PointsPath, d.cfg.NumPointFeatures)
	if err != nil {
		return nil, err
	}
	f := &Frame{ID: file.ID, Points: points, NumFeatures: d.cfg.NumPointFeatures}
	if file.LabelPath != "" {
		labels, err := ReadLabels(file.LabelPath)
		if err != nil {
			return nil, err
		}
		for _, l := range labels {
			f.GTBoxes = append(f.GTBoxes, l.Box)
			f.GTNames = append(f.GTNames, l.Name)
		}
	}
	d.Prepare(f)
	return f, nil
}

// Prepare filters classes, augments when training and applies the range and shuffle
// processors in configuration order.
func (d *Dataset) Prepare(f *Frame) {
	f.FilterClasses(d.classes)
	if d.training {
		d.augmentor.Apply(f, d.rng)
		wrapHeadings(f)
	}
	for _, p := range d.cfg.DataProcessor {
		switch p.Name {
		case config.ProcessorMaskOutsideRange:
			f.MaskPointsOutsideRange(d.cfg.PointCloudRange)
			if p.RemoveOutsideBoxes && d.training {
				f.MaskBoxesOutsideRange(d.cfg.PointCloudRange, 1)
			}
		case config.ProcessorShufflePoints:
			if p.Shuffle.Get(d.training) {
				f.ShufflePoints(d.rng)
			}
		}
	}
}

// Collate voxelizes frames and collates them into a batch.
func (d *Dataset) Collate(frames []*Frame) (*Batch, error) {
	voxels := make([]Voxels, len(frames))
	for i, f := range frames {
		voxels[i] = d.voxelizer.Generate(f.Points)
	}
	b, err := Collate(frames, voxels, d.shape)
	if err != nil {
		return nil, err
	}
	if b.Truncated > 0 {
		d.logger.Warn("ground truth truncated to MAX_OBJECTS",
			zap.Int("dropped", b.Truncated), zap.Int("max_objects", d.shape.MaxObjects))
	}
	return b, nil
}

// Batches calls fn with consecutive batches of one epoch. The frame order is shuffled when
// training. The last batch may hold fewer than Size samples.
func (d *Dataset) Batches(ctx context.Context, fn func(step int, b *Batch) error) error {
	order := make([]int, len(d.files))
	for i := range order {
		order[i] = i
	}
	if d.training {
		d.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	step := 0
	for start := 0; start < len(order); start += d.shape.Size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+d.shape.Size, len(order))
		frames := make([]*Frame, 0, end-start)
		for _, idx := range order[start:end] {
			f, err := d.Frame(idx)
			if err != nil {
				return err
			}
			frames = append(frames, f)
		}
		b, err := d.Collate(frames)
		if err != nil {
			return err
		}
		if err := fn(step, b); err != nil {
			return err
		}
		step++
	}
	return nil
}

// NumBatches returns the number of batches per epoch.
func (d *Dataset) NumBatches() int {
	return (len(d.files) + d.shape.Size - 1) / d.shape.Size
}
