package densehead

import (
	"fmt"
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/losses"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
	"github.com/nvr-ai/go-pcdet/nn"
)

// centerHeadOrder is the regression layout the center targets are written in.
var centerHeadOrder = []string{"center", "center_z", "dim", "rot"}

// centerLosses selects the heatmap and regression losses of a center head variant.
type centerLosses struct {
	heatmap func(e *nn.Expr, pred, gt *G.Node) *G.Node
	reg     func(e *nn.Expr, output, mask, ind, target *G.Node) *G.Node
}

func focalLossUnmasked(e *nn.Expr, pred, gt *G.Node) *G.Node {
	return losses.FocalLossCenterNet{}.Forward(e, pred, gt, nil)
}

var (
	centerLossesDefault = centerLosses{
		heatmap: focalLossUnmasked,
		reg:     losses.RegLossCenterNet{}.Forward,
	}
	centerLossesV1 = centerLosses{
		heatmap: losses.CenterNetFocalLoss{}.Forward,
		reg:     losses.CenterNetRegLoss{}.Forward,
	}
	centerLossesV2 = centerLosses{
		heatmap: losses.CenterNetFocalLoss{}.Forward,
		reg:     losses.CenterNetSmoothRegLoss{Sigma: 3}.Forward,
	}
)

// separateHead is one task branch per head output: a stack of 3x3 conv, BN, ReLU blocks
// followed by a 3x3 output convolution.
type separateHead struct {
	names    []string
	branches []nn.Sequential
}

func newSeparateHead(g *G.ExprGraph, prefix string, in int, names []string, dict map[string]config.HeadDictConfig, useBias bool) separateHead {
	const hmBias = -2.19
	s := separateHead{names: names}
	for _, name := range names {
		hd := dict[name]
		var branch nn.Sequential
		for k := 0; k < hd.NumConv-1; k++ {
			p := fmt.Sprintf("%s.%s.%d", prefix, name, k)
			branch = append(branch,
				nn.NewConv2d(g, p+".0", in, in, nn.ConvOpts{Kernel: 3, Pad: 1, Bias: useBias}),
				nn.NewBatchNorm(g, p+".1", in),
				nn.ReLU{})
		}
		opts := nn.ConvOpts{Kernel: 3, Pad: 1, Bias: true}
		if name == "hm" {
			bias := float32(hmBias)
			opts.BiasInit = &bias
		}
		out := fmt.Sprintf("%s.%s.%d", prefix, name, max(hd.NumConv-1, 0))
		branch = append(branch, nn.NewConv2d(g, out, in, hd.OutChannels, opts))
		s.branches = append(s.branches, branch)
	}
	return s
}

func (s separateHead) modules() []nn.Module {
	out := make([]nn.Module, len(s.branches))
	for i, b := range s.branches {
		out[i] = b
	}
	return out
}

// centerHeadNodes are the graph outputs of one class group.
type centerHeadNodes struct {
	heatmap *G.Node // (B, C, H, W) probabilities
	boxes   *G.Node // (B, 8, H, W) regression maps in centerHeadOrder
}

// CenterHead predicts a class heatmap and per pixel box regressions for each group of
// classes, and decodes the heatmap peaks into boxes.
type CenterHead struct {
	name     string
	cfg      config.DenseHeadConfig
	lossFns  centerLosses
	classIDs [][]int // detector class index of each head class
	shared   nn.Sequential
	heads    []separateHead
	assigner *centerAssigner
	nms      *postprocess.NMSConfig

	batch      int
	inChannels int
	outputs    []centerHeadNodes
	withTarget bool
}

// NewCenterHead builds a center head with the default focal and regression losses.
func NewCenterHead(g *G.ExprGraph, cfg config.DenseHeadConfig, info *model.Info) (*CenterHead, error) {
	return newCenterHead(g, "CenterHead", cfg, info, centerLossesDefault)
}

func newCenterHead(g *G.ExprGraph, name string, cfg config.DenseHeadConfig, info *model.Info, fns centerLosses) (*CenterHead, error) {
	groups := cfg.ClassNamesEachHead
	if len(groups) == 0 {
		groups = [][]string{info.ClassNames}
	}
	h := &CenterHead{
		name:       name,
		cfg:        cfg,
		lossFns:    fns,
		batch:      info.Batch.Size,
		inChannels: info.NumBEVFeatures,
		nms:        postprocess.NewNMSConfig(cfg.PostProcessing.NMSConfig, 0),
	}
	for _, group := range groups {
		var ids []int
		for _, n := range group {
			id := -1
			for k, c := range info.ClassNames {
				if c == n {
					id = k
				}
			}
			if id < 0 {
				return nil, errors.Wrapf(config.ErrInvalidConfig, "%s: class %q is not a detector class", name, n)
			}
			ids = append(ids, id)
		}
		h.classIDs = append(h.classIDs, ids)
	}

	order := cfg.SeparateHeadCfg.HeadOrder
	if len(order) < len(centerHeadOrder) {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "%s: HEAD_ORDER %v", name, order)
	}
	codes := 0
	for i, n := range centerHeadOrder {
		hd, ok := cfg.SeparateHeadCfg.HeadDict[n]
		if order[i] != n || !ok {
			return nil, errors.Wrapf(config.ErrInvalidConfig, "%s: HEAD_ORDER must start with %v", name, centerHeadOrder)
		}
		codes += hd.OutChannels
	}
	if codes != centerCodeSize {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "%s: %d regression channels, want %d", name, codes, centerCodeSize)
	}
	if n := len(cfg.LossConfig.LossWeights.CodeWeights); n > 0 && n != centerCodeSize {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "%s: %d code weights", name, n)
	}

	ta := cfg.TargetAssignerConfig
	stride := ta.FeatureMapStride
	if stride == 0 {
		stride = max(info.BEVStride, 1)
	}
	if stride != max(info.BEVStride, 1) {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "%s: FEATURE_MAP_STRIDE %d, features have stride %d", name, stride, info.BEVStride)
	}
	ny, nx := info.BEVSize(stride)
	h.assigner = &centerAssigner{
		pcRange:   info.PointRange,
		voxelSize: info.VoxelSize,
		stride:    stride,
		ny:        ny,
		nx:        nx,
		maxObjs:   max(ta.NumMaxObjs, 1),
		overlap:   ta.GaussianOverlap,
		minRadius: ta.MinRadius,
	}
	if h.assigner.overlap == 0 {
		h.assigner.overlap = 0.1
	}

	shared := cfg.SharedConvChannel
	if shared <= 0 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "%s: SHARED_CONV_CHANNEL %d", name, shared)
	}
	h.shared = nn.Sequential{
		nn.NewConv2d(g, "dense_head.shared_conv.0", info.NumBEVFeatures, shared, nn.ConvOpts{Kernel: 3, Pad: 1, Bias: cfg.UseBiasBeforeNorm}),
		nn.NewBatchNorm(g, "dense_head.shared_conv.1", shared),
		nn.ReLU{},
	}
	for i, ids := range h.classIDs {
		dict := make(map[string]config.HeadDictConfig, len(cfg.SeparateHeadCfg.HeadDict)+1)
		for k, v := range cfg.SeparateHeadCfg.HeadDict {
			dict[k] = v
		}
		dict["hm"] = config.HeadDictConfig{OutChannels: len(ids), NumConv: max(cfg.NumHMConv, 1)}
		names := append(append([]string(nil), centerHeadOrder...), "hm")
		h.heads = append(h.heads, newSeparateHead(g, fmt.Sprintf("dense_head.heads_list.%d", i), shared, names, dict, cfg.UseBiasBeforeNorm))
	}
	return h, nil
}

func (h *CenterHead) Name() string { return h.name }

func (h *CenterHead) Children() []nn.Module {
	out := []nn.Module{h.shared}
	for _, s := range h.heads {
		out = append(out, s.modules()...)
	}
	return out
}

func (h *CenterHead) Learnables() G.Nodes { return nn.Collect(h.Children()...) }

func (h *CenterHead) SetTraining(training bool) {
	for _, m := range h.Children() {
		m.SetTraining(training)
	}
}

// Forward reads spatial_features_2d and adds the heatmap and regression maps of every class
// group.
func (h *CenterHead) Forward(d *model.DataDict) error {
	a := h.assigner
	x, err := d.GetShape(model.KeySpatialFeatures2D, h.batch, h.inChannels, a.ny, a.nx)
	if err != nil {
		return errors.Wrap(err, h.name)
	}
	if x, err = h.shared.Forward(x); err != nil {
		return errors.Wrapf(err, "%s: shared conv", h.name)
	}
	e := nn.NewExpr(d.Graph)
	h.outputs = h.outputs[:0]
	for i, s := range h.heads {
		maps := make(map[string]*G.Node, len(s.names))
		for k, name := range s.names {
			out, err := s.branches[k].Forward(x)
			if err != nil {
				return errors.Wrapf(err, "%s: head %d %s", h.name, i, name)
			}
			maps[name] = out
		}
		var regs []*G.Node
		for _, name := range centerHeadOrder {
			regs = append(regs, maps[name])
		}
		h.outputs = append(h.outputs, centerHeadNodes{
			heatmap: e.Sigmoid(maps["hm"]),
			boxes:   e.Concat(1, regs...),
		})
	}
	if err := e.Err(); err != nil {
		return errors.Wrap(err, h.name)
	}
	d.Set(model.KeyClsPreds, h.outputs[0].heatmap)
	d.Set(model.KeyBoxPreds, h.outputs[0].boxes)
	d.SetFlag(model.KeyClsPredsNormalized, true)
	return nil
}

func headKey(name string, i int) string { return fmt.Sprintf("%s_%d", name, i) }

// Loss sums, over the class groups, the heatmap focal loss and the code weighted L1 loss of
// the regressions read at the object centres.
func (h *CenterHead) Loss(d *model.DataDict) (*G.Node, map[string]*G.Node, error) {
	if len(h.outputs) == 0 {
		return nil, nil, errors.Wrap(model.ErrMissingKey, h.name+" loss before forward")
	}
	h.withTarget = true
	a := h.assigner
	w := h.cfg.LossConfig.LossWeights
	codeWeights := w.CodeWeights
	if len(codeWeights) == 0 {
		codeWeights = []float32{1, 1, 1, 1, 1, 1, 1, 1}
	}
	e := nn.NewExpr(d.Graph)
	cw := e.Const("code_weights", nn.FromSlice(append([]float32(nil), codeWeights...), centerCodeSize))

	tb := make(map[string]*G.Node)
	var total *G.Node
	for i, out := range h.outputs {
		heat := d.Input(headKey("heatmaps", i), h.batch, len(h.classIDs[i]), a.ny, a.nx)
		target := d.Input(headKey("target_boxes", i), h.batch, a.maxObjs, centerCodeSize)
		ind := d.Input(headKey("inds", i), h.batch, a.maxObjs)
		mask := d.Input(headKey("masks", i), h.batch, a.maxObjs)

		pred := e.Clamp(out.heatmap, 1e-4, 1-1e-4)
		hmLoss := e.MulS(h.lossFns.heatmap(e, pred, heat), w.ClsWeight)
		reg := h.lossFns.reg(e, out.boxes, mask, ind, target)
		locLoss := e.MulS(e.Sum(e.Mul(reg, cw)), w.LocWeight)

		tb[headKey("hm_loss_head", i)] = hmLoss
		tb[headKey("loc_loss_head", i)] = locLoss
		if total == nil {
			total = e.Add(hmLoss, locLoss)
		} else {
			total = e.Add(total, e.Add(hmLoss, locLoss))
		}
	}
	if err := e.Err(); err != nil {
		return nil, nil, errors.Wrap(err, h.name)
	}
	tb["rpn_loss"] = total
	return total, tb, nil
}

// Feed draws the heatmap and regression targets of every class group once the loss has
// been built.
func (h *CenterHead) Feed(b *dataset.Batch, feeds model.Feeds) error {
	if !h.withTarget {
		return nil
	}
	a := h.assigner
	plane := a.ny * a.nx
	for i, ids := range h.classIDs {
		c := len(ids)
		heat := make([]float32, h.batch*c*plane)
		boxes := make([]float32, h.batch*a.maxObjs*centerCodeSize)
		inds := make([]float32, h.batch*a.maxObjs)
		masks := make([]float32, h.batch*a.maxObjs)
		for s := 0; s < min(b.Count, h.batch); s++ {
			gt, labels := b.GT(s)
			local := make([]int, len(labels))
			for j, l := range labels {
				for k, id := range ids {
					if id == l-1 {
						local[j] = k + 1
					}
				}
			}
			t := a.assign(c, gt, local)
			copy(heat[s*c*plane:], t.heatmap)
			copy(boxes[s*a.maxObjs*centerCodeSize:], t.boxes)
			copy(inds[s*a.maxObjs:], t.inds)
			copy(masks[s*a.maxObjs:], t.masks)
		}
		feeds[headKey("heatmaps", i)] = nn.FromSlice(heat, h.batch, c, a.ny, a.nx)
		feeds[headKey("target_boxes", i)] = nn.FromSlice(boxes, h.batch, a.maxObjs, centerCodeSize)
		feeds[headKey("inds", i)] = nn.FromSlice(inds, h.batch, a.maxObjs)
		feeds[headKey("masks", i)] = nn.FromSlice(masks, h.batch, a.maxObjs)
	}
	return nil
}

type peak struct {
	score float32
	class int
	pos   int
}

// Predict decodes the strongest heatmap peaks of every class group into boxes, drops those
// under the score threshold or outside the centre range, and suppresses overlaps within
// each group. The detections are final.
func (h *CenterHead) Predict(_ *model.DataDict, _ *dataset.Batch) (*model.Predictions, error) {
	a := h.assigner
	post := h.cfg.PostProcessing
	limit := post.PostCenterLimitRange
	if len(limit) != 0 && len(limit) != 6 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "%s: POST_CENTER_LIMIT_RANGE %v", h.name, limit)
	}
	k := post.MaxObjPerSample
	if k <= 0 {
		k = 500
	}
	plane := a.ny * a.nx
	cellX := float32(a.stride) * a.voxelSize[0]
	cellY := float32(a.stride) * a.voxelSize[1]

	final := make([][]postprocess.Result, h.batch)
	for i, out := range h.outputs {
		hm, err := nn.Float32s(out.heatmap)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: heatmap %d", h.name, i)
		}
		reg, err := nn.Float32s(out.boxes)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: boxes %d", h.name, i)
		}
		c := len(h.classIDs[i])
		for s := 0; s < h.batch; s++ {
			var peaks []peak
			for cls := 0; cls < c; cls++ {
				for p, v := range hm[(s*c+cls)*plane : (s*c+cls+1)*plane] {
					if v > post.ScoreThresh {
						peaks = append(peaks, peak{score: v, class: cls, pos: p})
					}
				}
			}
			sort.SliceStable(peaks, func(x, y int) bool { return peaks[x].score > peaks[y].score })
			if len(peaks) > k {
				peaks = peaks[:k]
			}

			at := func(ch, p int) float32 { return reg[(s*centerCodeSize+ch)*plane+p] }
			var dets []postprocess.Result
			for _, pk := range peaks {
				y, x := pk.pos/a.nx, pk.pos%a.nx
				box := common.Box3D{
					X:       (float32(x)+at(0, pk.pos))*cellX + a.pcRange[0],
					Y:       (float32(y)+at(1, pk.pos))*cellY + a.pcRange[1],
					Z:       at(2, pk.pos),
					DX:      math32.Exp(at(3, pk.pos)),
					DY:      math32.Exp(at(4, pk.pos)),
					DZ:      math32.Exp(at(5, pk.pos)),
					Heading: math32.Atan2(at(7, pk.pos), at(6, pk.pos)),
				}
				if len(limit) == 6 && !inLimit(box, limit) {
					continue
				}
				dets = append(dets, postprocess.Result{Box: box, Score: pk.score, Label: h.classIDs[i][pk.class] + 1})
			}
			for _, idx := range postprocess.ApplyNMS(dets, h.nms) {
				final[s] = append(final[s], dets[idx])
			}
		}
	}
	return &model.Predictions{BatchSize: h.batch, Normalized: true, Final: final}, nil
}

func inLimit(b common.Box3D, r []float32) bool {
	return b.X >= r[0] && b.Y >= r[1] && b.Z >= r[2] && b.X <= r[3] && b.Y <= r[4] && b.Z <= r[5]
}
