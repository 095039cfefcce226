package models

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/logging"
	"github.com/nvr-ai/go-pcdet/models/backbones2d"
	"github.com/nvr-ai/go-pcdet/models/backbones3d"
	"github.com/nvr-ai/go-pcdet/models/densehead"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/models/roihead"
	"github.com/nvr-ai/go-pcdet/nn"
)

// Detector is a built detector: the modules of its configuration in topology order and the
// graph they added themselves to. The graph is built for one mode. A training detector has
// a loss node; an evaluation detector is post-processed on the host after every run.
type Detector struct {
	Spec   Spec
	Config *config.Config
	Info   *model.Info

	graph   *G.ExprGraph
	data    *model.DataDict
	modules []model.Module
	kinds   map[model.Kind]model.Module

	loss   *G.Node
	tbDict map[string]*G.Node

	post   *PostProcessor
	logger *zap.Logger
}

// Build builds the detector of cfg for batches of opts.BatchSize samples.
func Build(cfg *config.Config, opts model.Options) (*Detector, error) {
	return BuildDetector(cfg, cfg.NumClass(), dataset.ShapeOf(cfg, opts.BatchSize, opts.Training()), opts)
}

// BuildDetector builds the detector named by cfg.Model.Name.
//
// Arguments:
//   - cfg: The resolved configuration.
//   - numClass: The number of foreground classes.
//   - shape: The static batch shape of the dataset the detector is fed from.
//   - opts: The mode, NMS workers and logger.
//
// Returns:
//   - *Detector: The detector with its graph built.
//   - error: ErrUnknownModule or ErrKernelRequired for a name without implementation,
//     config.ErrInvalidConfig when a required module is missing or the modules do not fit
//     together.
func BuildDetector(cfg *config.Config, numClass int, shape dataset.Shape, opts model.Options) (*Detector, error) {
	spec, err := Detectors.Lookup(cfg.Model.Name)
	if err != nil {
		return nil, err
	}
	if err := spec.Check(cfg.Model); err != nil {
		return nil, err
	}
	if shape.Size <= 0 {
		return nil, errors.Wrap(config.ErrInvalidConfig, "batch size must be positive")
	}
	info, err := newInfo(cfg, numClass, shape, opts)
	if err != nil {
		return nil, err
	}

	g := G.NewGraph()
	det := &Detector{
		Spec:   spec,
		Config: cfg,
		Info:   info,
		graph:  g,
		data:   model.NewDataDict(g, shape.Size, info.Training),
		kinds:  make(map[model.Kind]model.Module),
		logger: info.Logger,
	}
	for _, kind := range model.Topology {
		m, err := buildModule(g, kind, cfg.Model, info)
		if err != nil {
			return nil, errors.Wrapf(err, "build %s", kind)
		}
		if m == nil {
			continue
		}
		det.logger.Debug("module built",
			zap.String("kind", string(kind)),
			zap.String("name", m.Name()),
			zap.Int("point_features", info.NumPointFeatures),
			zap.Int("bev_features", info.NumBEVFeatures),
			zap.Int("bev_stride", info.BEVStride),
		)
		det.modules = append(det.modules, m)
		det.kinds[kind] = m
	}
	for _, m := range det.modules {
		if err := m.Forward(det.data); err != nil {
			return nil, errors.Wrapf(err, "forward %s", m.Name())
		}
	}

	if info.Training {
		if err := det.buildLoss(); err != nil {
			return nil, err
		}
	} else if det.post, err = NewPostProcessor(spec, cfg, opts.NMSWorkers); err != nil {
		return nil, err
	}
	det.logger.Info("detector built",
		zap.String("name", string(spec.Name)),
		zap.Int("modules", len(det.modules)),
		zap.Int("learnables", len(det.Learnables())),
		zap.Bool("training", info.Training),
	)
	return det, nil
}

func newInfo(cfg *config.Config, numClass int, shape dataset.Shape, opts model.Options) (*model.Info, error) {
	info := &model.Info{
		NumClass:                 numClass,
		ClassNames:               cfg.ClassNames,
		Batch:                    shape,
		Training:                 opts.Training(),
		NumRawPointFeatures:      cfg.DataConfig.NumPointFeatures,
		NumPointFeatures:         cfg.DataConfig.NumPointFeatures,
		PredictBoxesWhenTraining: cfg.Model.RoIHead.Name != "",
		Seed:                     uint64(cfg.Runtime.Seed),
		Logger:                   logging.OrNop(opts.Logger),
	}
	if len(cfg.DataConfig.PointCloudRange) != 6 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "POINT_CLOUD_RANGE has %d values", len(cfg.DataConfig.PointCloudRange))
	}
	copy(info.PointRange[:], cfg.DataConfig.PointCloudRange)
	if proc, ok := cfg.DataConfig.Processor(config.ProcessorToVoxels); ok {
		if len(proc.VoxelSize) != 3 {
			return nil, errors.Wrapf(config.ErrInvalidConfig, "VOXEL_SIZE has %d values", len(proc.VoxelSize))
		}
		grid, err := config.GridSize(cfg.DataConfig.PointCloudRange, proc.VoxelSize)
		if err != nil {
			return nil, err
		}
		info.GridSize = grid
		copy(info.VoxelSize[:], proc.VoxelSize)
	}
	return info, nil
}

func buildModule(g *G.ExprGraph, kind model.Kind, cfg config.ModelConfig, info *model.Info) (model.Module, error) {
	switch kind {
	case model.KindVFE:
		return backbones3d.BuildVFE(g, cfg.VFE, info)
	case model.KindBackbone3D:
		return backbones3d.BuildBackbone(g, cfg.Backbone3D, info)
	case model.KindMapToBEV:
		return backbones2d.BuildMapToBEV(g, cfg.MapToBEV, info)
	case model.KindPFE:
		return backbones3d.BuildPFE(g, cfg.PFE, info)
	case model.KindBackbone2D:
		return backbones2d.BuildBackbone(g, cfg.Backbone2D, info)
	case model.KindDenseHead:
		return densehead.Build(g, cfg.DenseHead, info)
	case model.KindPointHead:
		return densehead.BuildPointHead(g, cfg.PointHead, info)
	case model.KindRoIHead:
		return roihead.Build(g, cfg.RoIHead, info)
	}
	return nil, errors.Wrapf(model.ErrUnknownModule, "topology slot %q", kind)
}

// buildLoss sums the losses of every loss head. The components of each head are collected
// in the tb dict together with the total as "loss".
func (d *Detector) buildLoss() error {
	e := nn.NewExpr(d.graph)
	d.tbDict = make(map[string]*G.Node)
	for _, m := range d.modules {
		h, ok := m.(model.LossHead)
		if !ok {
			continue
		}
		l, tb, err := h.Loss(d.data)
		if err != nil {
			return errors.Wrapf(err, "loss of %s", m.Name())
		}
		for k, v := range tb {
			d.tbDict[k] = v
		}
		if d.loss == nil {
			d.loss = l
		} else {
			d.loss = e.Add(d.loss, l)
		}
	}
	if d.loss == nil {
		return errors.Wrapf(config.ErrInvalidConfig, "%s has no head with a loss", d.Spec.Name)
	}
	if err := e.Err(); err != nil {
		return errors.Wrap(err, "loss")
	}
	d.tbDict["loss"] = d.loss
	return nil
}

// Name returns the detector name.
func (d *Detector) Name() model.Name { return d.Spec.Name }

// Graph returns the expression graph of the detector.
func (d *Detector) Graph() *G.ExprGraph { return d.graph }

// Data returns the data dictionary the modules wrote to.
func (d *Detector) Data() *model.DataDict { return d.data }

// Modules returns the modules in topology order.
func (d *Detector) Modules() []model.Module { return d.modules }

// Module returns the module built for a topology slot, or nil.
func (d *Detector) Module(kind model.Kind) model.Module { return d.kinds[kind] }

// PostProcessor returns the host post-processing of an evaluation detector.
func (d *Detector) PostProcessor() *PostProcessor { return d.post }

// Training reports whether the detector holds the training graph.
func (d *Detector) Training() bool { return d.Info.Training }

// Loss returns the scalar training loss and its named components. It is nil for an
// evaluation detector.
func (d *Detector) Loss() (*G.Node, map[string]*G.Node) { return d.loss, d.tbDict }

// Learnables returns the trainable nodes of every module.
func (d *Detector) Learnables() G.Nodes {
	var out G.Nodes
	for _, m := range d.modules {
		out = append(out, m.Learnables()...)
	}
	return out
}

// State returns the non trainable tensors, the batch norm running statistics, by name.
func (d *Detector) State() map[string]*tensor.Dense {
	out := make(map[string]*tensor.Dense)
	for _, s := range nn.Layers[nn.Stateful](d.children()...) {
		for k, v := range s.State() {
			out[k] = v
		}
	}
	return out
}

// StepHooks returns the layers to notify after every optimizer step.
func (d *Detector) StepHooks() []nn.StepHook {
	return nn.Layers[nn.StepHook](d.children()...)
}

func (d *Detector) children() []nn.Module {
	out := make([]nn.Module, len(d.modules))
	for i, m := range d.modules {
		out[i] = m
	}
	return out
}

// Bind feeds the host inputs of every module from b.
func (d *Detector) Bind(b *dataset.Batch) error {
	if b.Shape != d.Info.Batch {
		return errors.Wrapf(nn.ErrShapeMismatch, "batch shape %+v, detector built for %+v", b.Shape, d.Info.Batch)
	}
	feeds := model.Feeds{}
	for _, m := range d.modules {
		f, ok := m.(model.Feeder)
		if !ok {
			continue
		}
		if err := f.Feed(b, feeds); err != nil {
			return errors.Wrapf(err, "feed %s", m.Name())
		}
	}
	return d.data.Bind(feeds)
}

// predictor returns the last module whose predictions feed post-processing.
func (d *Detector) predictor() (model.Predictor, error) {
	for i := len(d.modules) - 1; i >= 0; i-- {
		if p, ok := d.modules[i].(model.Predictor); ok {
			return p, nil
		}
	}
	return nil, errors.Wrapf(model.ErrMissingKey, "%s has no predicting head", d.Spec.Name)
}
