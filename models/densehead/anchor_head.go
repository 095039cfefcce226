package densehead

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/losses"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/nn"
)

// Training target inputs of the anchor heads.
const (
	keyClsTargets = "box_cls_targets"
	keyClsWeights = "box_cls_weights"
	keyRegTargets = "box_reg_targets"
	keyRegWeights = "box_reg_weights"
	keyDirTargets = "dir_cls_targets"
	keyDirWeights = "dir_cls_weights"
)

// AnchorHeadTemplate holds what every anchor head shares: the anchors, the box coder, the
// target assigner, the losses and the decoding of raw predictions into boxes. Concrete heads
// build the prediction layers and call SetPredictions from Forward.
type AnchorHeadTemplate struct {
	Config   config.DenseHeadConfig
	NumClass int
	Anchors  []ClassAnchors
	Coder    ResidualCoder
	Assigner *AxisAlignedTargetAssigner

	batch    int
	ny, nx   int
	perLoc   int
	flat     []common.Box3D
	dirBins  int
	training bool
	// predictBoxes decodes boxes in the training graph as well, for heads feeding a second
	// stage.
	predictBoxes bool
	withTargets  bool

	clsLoss losses.Classification
	regLoss losses.WeightedSmoothL1
	weights config.LossWeights

	clsPreds, boxPreds, dirPreds *G.Node
	batchCls, batchBox           *G.Node
}

// NewAnchorHeadTemplate generates the anchors of cfg for the feature map described by info
// and checks that they match it.
func NewAnchorHeadTemplate(cfg config.DenseHeadConfig, info *model.Info, predictBoxes bool) (*AnchorHeadTemplate, error) {
	gen, err := NewAnchorGenerator(info.PointRange, cfg.AnchorGeneratorConfig)
	if err != nil {
		return nil, err
	}
	anchors, err := gen.Generate(info.GridSize)
	if err != nil {
		return nil, err
	}
	flat, err := Interleave(anchors)
	if err != nil {
		return nil, err
	}
	ny, nx := info.BEVSize(max(info.BEVStride, 1))
	if anchors[0].NY != ny || anchors[0].NX != nx {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "anchors on a %dx%d map, features are %dx%d",
			anchors[0].NY, anchors[0].NX, ny, nx)
	}
	coder, err := NewResidualCoder(cfg.TargetAssignerConfig)
	if err != nil {
		return nil, err
	}
	assigner, err := NewAxisAlignedTargetAssigner(cfg.TargetAssignerConfig, info.ClassNames, coder, 0)
	if err != nil {
		return nil, err
	}
	clsLoss, err := losses.NewClassification(cfg.LossConfig.ClsLoss)
	if err != nil {
		return nil, err
	}
	switch cfg.LossConfig.RegLoss {
	case "", "WeightedSmoothL1Loss":
	default:
		return nil, errors.Wrapf(losses.ErrUnknownLoss, "regression loss %q", cfg.LossConfig.RegLoss)
	}
	w := cfg.LossConfig.LossWeights
	if n := len(w.CodeWeights); n > 0 && n != coder.CodeSize() {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "%d code weights for %d box codes", n, coder.CodeSize())
	}

	perLoc := 0
	for _, a := range anchors {
		perLoc += a.PerLoc
	}
	h := &AnchorHeadTemplate{
		Config:       cfg,
		NumClass:     info.NumClass,
		Anchors:      anchors,
		Coder:        coder,
		Assigner:     assigner,
		batch:        info.Batch.Size,
		ny:           ny,
		nx:           nx,
		perLoc:       perLoc,
		flat:         flat,
		dirBins:      max(cfg.NumDirBins, 2),
		training:     info.Training,
		predictBoxes: predictBoxes,
		clsLoss:      clsLoss,
		regLoss:      losses.NewWeightedSmoothL1(w.CodeWeights),
		weights:      w,
	}
	if !cfg.UseDirectionClassifier {
		h.dirBins = 0
	}
	return h, nil
}

// NumAnchors returns the anchors per sample.
func (h *AnchorHeadTemplate) NumAnchors() int { return len(h.flat) }

// AnchorsPerLocation returns the anchors of all classes at one feature map location.
func (h *AnchorHeadTemplate) AnchorsPerLocation() int { return h.perLoc }

// FlatAnchors returns the anchors in prediction order.
func (h *AnchorHeadTemplate) FlatAnchors() []common.Box3D { return h.flat }

// DirBins returns the number of direction bins, 0 without a direction classifier.
func (h *AnchorHeadTemplate) DirBins() int { return h.dirBins }

func (h *AnchorHeadTemplate) SetTraining(training bool) { h.training = training }

// toAnchors turns a (B, perLoc*width, H, W) map into (B, H*W*perLoc, width).
func (h *AnchorHeadTemplate) toAnchors(e *nn.Expr, x *G.Node, width int) *G.Node {
	last := e.Map(x, nn.ToChannelsLast, "channels last")
	return e.Reshape(last, h.batch, h.NumAnchors(), width)
}

// SetPredictions stores the raw per anchor predictions of the (B, C, H, W) convolution
// outputs and, when boxes are predicted, the decoded batch predictions. dir may be nil.
func (h *AnchorHeadTemplate) SetPredictions(d *model.DataDict, cls, box, dir *G.Node) error {
	e := nn.NewExpr(d.Graph)
	h.clsPreds = h.toAnchors(e, cls, h.NumClass)
	h.boxPreds = h.toAnchors(e, box, h.Coder.CodeSize())
	if dir != nil {
		h.dirPreds = h.toAnchors(e, dir, h.dirBins)
	}
	if err := e.Err(); err != nil {
		return errors.Wrap(err, "anchor predictions")
	}
	d.Set(model.KeyClsPreds, h.clsPreds)
	d.Set(model.KeyBoxPreds, h.boxPreds)
	if h.dirPreds != nil {
		d.Set(model.KeyDirClsPreds, h.dirPreds)
	}
	if h.training && !h.predictBoxes {
		return nil
	}

	inputs := []*G.Node{h.boxPreds}
	if h.dirPreds != nil {
		inputs = append(inputs, h.dirPreds)
	}
	decoded, err := nn.HostFunc("decode_anchor_boxes", []int{h.batch, h.NumAnchors(), common.BoxDim},
		func(in [][]float32, out []float32) error {
			var dirLogits []float32
			if len(in) > 1 {
				dirLogits = in[1]
			}
			h.DecodeBoxes(in[0], dirLogits, out)
			return nil
		}, inputs...)
	if err != nil {
		return errors.Wrap(err, "decode boxes")
	}
	h.batchCls, h.batchBox = h.clsPreds, decoded
	d.Set(model.KeyBatchClsPreds, h.batchCls)
	d.Set(model.KeyBatchBoxPreds, h.batchBox)
	d.SetFlag(model.KeyClsPredsNormalized, false)
	return nil
}

// DecodeBoxes decodes (B, A, code) box codes into (B, A, 7) boxes. With direction logits
// (B, A, bins) the heading is moved into the predicted direction bin.
func (h *AnchorHeadTemplate) DecodeBoxes(codes, dirLogits, out []float32) {
	code := h.Coder.CodeSize()
	a := len(h.flat)
	period := 2 * math32.Pi / float32(max(h.dirBins, 1))
	for i := 0; i < len(codes)/code; i++ {
		b := h.Coder.Decode(codes[i*code:(i+1)*code], h.flat[i%a])
		if dirLogits != nil {
			bins := dirLogits[i*h.dirBins : (i+1)*h.dirBins]
			best := 0
			for k := range bins {
				if bins[k] > bins[best] {
					best = k
				}
			}
			rot := common.LimitPeriod(b.Heading-h.Config.DirOffset, h.Config.DirLimitOffset, period)
			b.Heading = rot + h.Config.DirOffset + period*float32(best)
		}
		b.Put(out[i*common.BoxDim:])
	}
}

// Loss builds the anchor classification, box regression and direction losses against the
// target inputs fed from the batch ground truth.
func (h *AnchorHeadTemplate) Loss(d *model.DataDict) (*G.Node, map[string]*G.Node, error) {
	if h.clsPreds == nil {
		return nil, nil, errors.Wrap(model.ErrMissingKey, "anchor head loss before forward")
	}
	h.withTargets = true
	b, a, code := h.batch, h.NumAnchors(), h.Coder.CodeSize()
	e := nn.NewExpr(d.Graph)
	perSample := func(sum *G.Node, weight float32) *G.Node {
		return e.MulS(e.DivS(sum, float32(b)), weight)
	}

	clsTargets := d.Input(keyClsTargets, b, a, h.NumClass)
	clsWeights := d.Input(keyClsWeights, b, a)
	clsLoss := perSample(e.Sum(h.clsLoss.Forward(e, h.clsPreds, clsTargets, clsWeights)), h.weights.ClsWeight)

	regTargets := d.Input(keyRegTargets, b, a, code)
	regWeights := d.Input(keyRegWeights, b, a)
	pred, target := addSinDifference(e, h.boxPreds, regTargets, code)
	locLoss := perSample(e.Sum(h.regLoss.Forward(e, pred, target, regWeights)), h.weights.LocWeight)

	tb := map[string]*G.Node{
		"rpn_loss_cls": clsLoss,
		"rpn_loss_loc": locLoss,
	}
	total := e.Add(clsLoss, locLoss)
	if h.dirPreds != nil {
		dirTargets := d.Input(keyDirTargets, b, a, h.dirBins)
		dirWeights := d.Input(keyDirWeights, b, a)
		dirLoss := perSample(e.Sum(losses.WeightedCrossEntropy{}.Forward(e, h.dirPreds, dirTargets, dirWeights)), h.weights.DirWeight)
		tb["rpn_loss_dir"] = dirLoss
		total = e.Add(total, dirLoss)
	}
	if err := e.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "anchor head loss")
	}
	tb["rpn_loss"] = total
	return total, tb, nil
}

// addSinDifference replaces the heading codes of pred and target by sin(p)cos(t) and
// cos(p)sin(t), whose difference is sin(p - t).
func addSinDifference(e *nn.Expr, pred, target *G.Node, code int) (*G.Node, *G.Node) {
	p, t := e.Col(pred, 6), e.Col(target, 6)
	ps := e.Mul(e.Sin(p), e.Cos(t))
	ts := e.Mul(e.Cos(p), e.Sin(t))
	join := func(x, rot *G.Node) *G.Node {
		parts := []*G.Node{e.SliceLast(x, 0, 6), rot}
		if code > 7 {
			parts = append(parts, e.SliceLast(x, 7, code))
		}
		return e.Concat(2, parts...)
	}
	return join(pred, ps), join(target, ts)
}

// Feed assigns the targets of every sample once the loss has been built. Classification
// weights count positives and negatives, regression and direction weights positives only,
// all normalised by the positives of the sample.
func (h *AnchorHeadTemplate) Feed(b *dataset.Batch, feeds model.Feeds) error {
	if !h.withTargets {
		return nil
	}
	n, a, c, code := h.batch, h.NumAnchors(), h.NumClass, h.Coder.CodeSize()
	clsT := make([]float32, n*a*c)
	clsW := make([]float32, n*a)
	regT := make([]float32, n*a*code)
	regW := make([]float32, n*a)
	var dirT, dirW []float32
	if h.dirBins > 0 {
		dirT = make([]float32, n*a*h.dirBins)
		dirW = make([]float32, n*a)
	}
	period := 2 * math32.Pi / float32(max(h.dirBins, 1))

	for i := 0; i < min(b.Count, n); i++ {
		gt, labels := b.GT(i)
		t := h.Assigner.Assign(h.Anchors, gt, labels)
		if len(t.Labels) != a {
			return errors.Wrapf(nn.ErrShapeMismatch, "%d targets for %d anchors", len(t.Labels), a)
		}
		pos := 0
		for _, l := range t.Labels {
			if l > 0 {
				pos++
			}
		}
		norm := 1 / float32(max(pos, 1))
		copy(regT[i*a*code:], t.RegTargets)
		for k, l := range t.Labels {
			row := i*a + k
			if l < 0 {
				continue
			}
			clsW[row] = norm
			if l == 0 {
				continue
			}
			cls := int(l) - 1
			if c == 1 {
				cls = 0
			}
			clsT[row*c+cls] = 1
			regW[row] = norm
			if dirW != nil {
				dirW[row] = norm
				rot := t.RegTargets[k*code+6] + h.flat[k].Heading
				off := common.LimitPeriod(rot-h.Config.DirOffset, 0, 2*math32.Pi)
				bin := min(max(int(math32.Floor(off/period)), 0), h.dirBins-1)
				dirT[row*h.dirBins+bin] = 1
			}
		}
	}

	feeds[keyClsTargets] = nn.FromSlice(clsT, n, a, c)
	feeds[keyClsWeights] = nn.FromSlice(clsW, n, a)
	feeds[keyRegTargets] = nn.FromSlice(regT, n, a, code)
	feeds[keyRegWeights] = nn.FromSlice(regW, n, a)
	if dirW != nil {
		feeds[keyDirTargets] = nn.FromSlice(dirT, n, a, h.dirBins)
		feeds[keyDirWeights] = nn.FromSlice(dirW, n, a)
	}
	return nil
}

// Predict copies the evaluated batch predictions: raw class logits and decoded boxes for
// every anchor.
func (h *AnchorHeadTemplate) Predict(_ *model.DataDict, _ *dataset.Batch) (*model.Predictions, error) {
	if h.batchCls == nil {
		return nil, errors.Wrap(model.ErrMissingKey, model.KeyBatchBoxPreds)
	}
	scores, err := nn.Float32s(h.batchCls)
	if err != nil {
		return nil, errors.Wrap(err, model.KeyBatchClsPreds)
	}
	boxes, err := nn.Float32s(h.batchBox)
	if err != nil {
		return nil, errors.Wrap(err, model.KeyBatchBoxPreds)
	}
	return &model.Predictions{
		BatchSize: h.batch,
		NumBoxes:  h.NumAnchors(),
		NumScores: h.NumClass,
		Scores:    append([]float32(nil), scores...),
		Boxes:     append([]float32(nil), boxes...),
	}, nil
}

// AnchorHeadSingle predicts class logits, box codes and direction bins for every anchor with
// 1x1 convolutions over spatial_features_2d.
type AnchorHeadSingle struct {
	*AnchorHeadTemplate
	convCls *nn.Conv2d
	convBox *nn.Conv2d
	convDir *nn.Conv2d

	inChannels int
}

// NewAnchorHeadSingle builds the head. The classification bias starts at -log((1-pi)/pi)
// with pi 0.01, so every anchor begins as background.
func NewAnchorHeadSingle(g *G.ExprGraph, cfg config.DenseHeadConfig, info *model.Info, predictBoxes bool) (*AnchorHeadSingle, error) {
	t, err := NewAnchorHeadTemplate(cfg, info, predictBoxes)
	if err != nil {
		return nil, err
	}
	const pi = 0.01
	bias := -math32.Log((1 - pi) / pi)
	clsOpts := nn.ConvOpts{Kernel: 1, Bias: true, BiasInit: &bias}
	boxOpts := nn.ConvOpts{Kernel: 1, Bias: true}
	h := &AnchorHeadSingle{
		AnchorHeadTemplate: t,
		convCls:            nn.NewConv2d(g, "dense_head.conv_cls", info.NumBEVFeatures, t.perLoc*t.NumClass, clsOpts),
		convBox:            nn.NewConv2d(g, "dense_head.conv_box", info.NumBEVFeatures, t.perLoc*t.Coder.CodeSize(), boxOpts),
		inChannels:         info.NumBEVFeatures,
	}
	if t.dirBins > 0 {
		h.convDir = nn.NewConv2d(g, "dense_head.conv_dir_cls", info.NumBEVFeatures, t.perLoc*t.dirBins, boxOpts)
	}
	return h, nil
}

func (h *AnchorHeadSingle) Name() string { return "AnchorHeadSingle" }

func (h *AnchorHeadSingle) Learnables() G.Nodes {
	out := nn.Collect(h.convCls, h.convBox)
	if h.convDir != nil {
		out = append(out, h.convDir.Learnables()...)
	}
	return out
}

// Forward reads spatial_features_2d and writes the per anchor predictions.
func (h *AnchorHeadSingle) Forward(d *model.DataDict) error {
	x, err := d.GetShape(model.KeySpatialFeatures2D, h.batch, h.inChannels, h.ny, h.nx)
	if err != nil {
		return errors.Wrap(err, h.Name())
	}
	cls, err := h.convCls.Forward(x)
	if err != nil {
		return errors.Wrap(err, h.Name())
	}
	box, err := h.convBox.Forward(x)
	if err != nil {
		return errors.Wrap(err, h.Name())
	}
	var dir *G.Node
	if h.convDir != nil {
		if dir, err = h.convDir.Forward(x); err != nil {
			return errors.Wrap(err, h.Name())
		}
	}
	return errors.Wrap(h.SetPredictions(d, cls, box, dir), h.Name())
}

// AnchorHeadSemi is the anchor head of the semi-supervised detectors. It decodes boxes in
// training too, where the teacher predictions become pseudo labels.
type AnchorHeadSemi struct {
	*AnchorHeadSingle
}

func (h *AnchorHeadSemi) Name() string { return "AnchorHeadSemi" }

// Forward runs the single head and names the result after this head.
func (h *AnchorHeadSemi) Forward(d *model.DataDict) error {
	return errors.Wrap(h.AnchorHeadSingle.Forward(d), h.Name())
}
