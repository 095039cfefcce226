// Package roihead holds the second stage heads. They take the boxes of a dense head as
// proposals, pool BEV features inside each of them and refine or rescore them.
package roihead

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/losses"
	"github.com/nvr-ai/go-pcdet/models/densehead"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
	"github.com/nvr-ai/go-pcdet/nn"
)

// Column layout of the proposals node (B, R, proposalWidth).
const (
	propBox       = 0
	propScore     = 7
	propLabel     = 8
	proposalWidth = 9
)

// Column layout of the sampled targets node (B, S, targetWidth).
const (
	tgtRoI      = 0
	tgtScore    = 7
	tgtLabel    = 8
	tgtGT       = 9 // box and class of the matched ground truth, lidar frame
	tgtIoU      = 17
	tgtRegValid = 18
	tgtClsLabel = 19
	tgtReg      = 20
	targetWidth = tgtReg + common.BoxDim
)

// Loss names understood by the template.
const (
	LossBinaryCrossEntropy = "BinaryCrossEntropy"
	LossSmoothL1           = "smoothL1"
	LossL2                 = "L2"
	LossFocalBCE           = "focalbce"
)

// RoIHeadTemplate holds what every RoI head shares: proposal selection from the dense head
// predictions, sampling of training RoIs against the ground truth and the box, classification
// and IoU losses of the refined RoIs. Concrete heads pool features for the RoIs and add
// their prediction layers.
type RoIHeadTemplate struct {
	Config   config.RoIHeadConfig
	NumClass int
	Coder    densehead.ResidualCoder
	Targets  *ProposalTargetLayer

	batch    int
	maxGT    int
	training bool
	nms      *postprocess.NMSConfig
	numRoIs  int

	proposals *G.Node // (B, R, proposalWidth)
	targets   *G.Node // (B, S, targetWidth), training only
	rois      *G.Node // (B, N, 7)
	roiScores *G.Node // (B, N)
	roiLabels *G.Node // (B, N)
	withGT    bool
}

// NewRoIHeadTemplate checks cfg against the pipeline described by info.
func NewRoIHeadTemplate(cfg config.RoIHeadConfig, info *model.Info) (*RoIHeadTemplate, error) {
	coder, err := densehead.NewResidualCoder(config.TargetAssignerConfig{BoxCoder: cfg.TargetConfig.BoxCoder})
	if err != nil {
		return nil, err
	}
	nmsCfg := cfg.NMSConfig.Get(info.Training)
	if nmsCfg.MultiClassesNMS {
		return nil, errors.Wrap(config.ErrInvalidConfig, "RoI proposal layer supports class agnostic NMS only")
	}
	if nmsCfg.NMSPostMaxSize <= 0 {
		return nil, errors.Wrap(config.ErrInvalidConfig, "RoI NMS_POST_MAXSIZE must be positive")
	}
	if info.Training && cfg.TargetConfig.RoIPerImage <= 0 {
		return nil, errors.Wrap(config.ErrInvalidConfig, "ROI_PER_IMAGE must be positive")
	}
	if w := cfg.LossConfig.LossWeights.CodeWeights; len(w) > 0 && len(w) != coder.CodeSize() {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "%d RoI code weights for %d box codes", len(w), coder.CodeSize())
	}
	return &RoIHeadTemplate{
		Config:   cfg,
		NumClass: info.NumClass,
		Coder:    coder,
		Targets:  NewProposalTargetLayer(cfg.TargetConfig, coder, info.Seed),
		batch:    info.Batch.Size,
		maxGT:    info.Batch.MaxObjects,
		training: info.Training,
		nms:      postprocess.NewNMSConfig(nmsCfg, 0),
		numRoIs:  nmsCfg.NMSPostMaxSize,
	}, nil
}

func (h *RoIHeadTemplate) SetTraining(training bool) { h.training = training }

// NumRoIs returns the RoIs per sample the head predicts for: ROI_PER_IMAGE when training,
// NMS_POST_MAXSIZE otherwise.
func (h *RoIHeadTemplate) NumRoIs() int {
	if h.training {
		return h.Config.TargetConfig.RoIPerImage
	}
	return h.numRoIs
}

// RoIs returns the (B, N, 7) RoIs the head pools features for.
func (h *RoIHeadTemplate) RoIs() *G.Node { return h.rois }

// ProposalLayer selects up to NMS_POST_MAXSIZE proposals per sample from batch_box_preds by
// class agnostic NMS on the best class logit, and writes rois, roi_scores and 1-based
// roi_labels. Slots without a proposal hold a zero box with label 0.
func (h *RoIHeadTemplate) ProposalLayer(d *model.DataDict) error {
	boxes, err := d.GetShape(model.KeyBatchBoxPreds, h.batch, -1, common.BoxDim)
	if err != nil {
		return errors.Wrap(err, "proposal layer")
	}
	cls, err := d.GetShape(model.KeyBatchClsPreds, h.batch, boxes.Shape()[1], -1)
	if err != nil {
		return errors.Wrap(err, "proposal layer")
	}
	a, c := boxes.Shape()[1], cls.Shape()[2]
	r := h.numRoIs

	h.proposals, err = nn.HostFunc("proposal_layer", []int{h.batch, r, proposalWidth},
		func(in [][]float32, out []float32) error {
			for i := 0; i < h.batch; i++ {
				for _, p := range h.selectProposals(in[1][i*a*c:(i+1)*a*c], in[0][i*a*common.BoxDim:(i+1)*a*common.BoxDim], c) {
					p.put(out[i*r*proposalWidth:], r)
				}
			}
			return nil
		}, boxes, cls)
	if err != nil {
		return errors.Wrap(err, "proposal layer")
	}
	if err := h.setRoIs(d, h.proposals, r, proposalWidth, propBox, propScore, propLabel); err != nil {
		return err
	}
	d.SetFlag(model.KeyHasClassLabels, c > 1)
	return nil
}

// indexedProposal is a proposal with its output slot.
type indexedProposal struct {
	Proposal
	slot int
}

func (p indexedProposal) put(out []float32, r int) {
	if p.slot >= r {
		return
	}
	row := out[p.slot*proposalWidth:]
	p.Box.Put(row[propBox:])
	row[propScore] = p.Score
	row[propLabel] = float32(p.Label)
}

func (h *RoIHeadTemplate) selectProposals(scores, boxes []float32, c int) []indexedProposal {
	n := len(scores) / c
	best := make([]float32, n)
	labels := make([]int, n)
	bs := make([]common.Box3D, n)
	for j := 0; j < n; j++ {
		row := scores[j*c : (j+1)*c]
		k := 0
		for q := range row {
			if row[q] > row[k] {
				k = q
			}
		}
		best[j], labels[j] = row[k], k+1
		bs[j] = common.BoxFromSlice(boxes[j*common.BoxDim:])
	}
	keep := postprocess.ClassAgnosticNMS(best, bs, math32.Inf(-1), h.nms)
	out := make([]indexedProposal, len(keep))
	for slot, j := range keep {
		out[slot] = indexedProposal{Proposal: Proposal{Box: bs[j], Score: best[j], Label: labels[j]}, slot: slot}
	}
	return out
}

// setRoIs slices the box, score and label columns of a packed (B, N, width) node into the
// rois, roi_scores and roi_labels keys.
func (h *RoIHeadTemplate) setRoIs(d *model.DataDict, packed *G.Node, n, width, box, score, label int) error {
	e := nn.NewExpr(d.Graph)
	h.rois = e.SliceLast(packed, box, box+common.BoxDim)
	h.roiScores = e.Reshape(e.Col(packed, score), h.batch, n)
	h.roiLabels = e.Reshape(e.Col(packed, label), h.batch, n)
	if err := e.Err(); err != nil {
		return errors.Wrap(err, "rois")
	}
	d.Set(model.KeyRoIs, h.rois)
	d.Set(model.KeyRoIScores, h.roiScores)
	d.Set(model.KeyRoILabels, h.roiLabels)
	return nil
}

// AssignTargets samples ROI_PER_IMAGE training RoIs per sample out of the proposals and
// replaces rois, roi_scores and roi_labels by them. It reads the gt_boxes input.
func (h *RoIHeadTemplate) AssignTargets(d *model.DataDict) error {
	if h.proposals == nil {
		return errors.Wrap(model.ErrMissingKey, "assign targets before the proposal layer")
	}
	h.withGT = true
	gt := d.Input(model.KeyGTBoxes, h.batch, h.maxGT, dataset.GTDim)
	r, s := h.numRoIs, h.Config.TargetConfig.RoIPerImage

	var err error
	h.targets, err = nn.HostFunc("proposal_target_layer", []int{h.batch, s, targetWidth},
		func(in [][]float32, out []float32) error {
			for i := 0; i < h.batch; i++ {
				props := unpackProposals(in[0][i*r*proposalWidth : (i+1)*r*proposalWidth])
				boxes, labels := unpackGT(in[1][i*h.maxGT*dataset.GTDim : (i+1)*h.maxGT*dataset.GTDim])
				h.writeTargets(h.Targets.Sample(props, boxes, labels), out[i*s*targetWidth:(i+1)*s*targetWidth])
			}
			return nil
		}, h.proposals, gt)
	if err != nil {
		return errors.Wrap(err, "proposal target layer")
	}
	return h.setRoIs(d, h.targets, s, targetWidth, tgtRoI, tgtScore, tgtLabel)
}

func (h *RoIHeadTemplate) writeTargets(sampled []SampledRoI, out []float32) {
	for k, sr := range sampled {
		row := out[k*targetWidth : (k+1)*targetWidth]
		sr.Box.Put(row[tgtRoI:])
		row[tgtScore] = sr.Score
		row[tgtLabel] = float32(sr.Label)
		sr.GT.Put(row[tgtGT:])
		row[tgtGT+common.BoxDim] = float32(sr.GTLabel)
		row[tgtIoU] = sr.IoU
		if h.Targets.RegValid(sr.IoU) {
			row[tgtRegValid] = 1
		}
		row[tgtClsLabel] = h.Targets.ClsLabel(sr.IoU)
		h.Targets.RegTarget(sr, row[tgtReg:])
	}
}

func unpackProposals(rows []float32) []Proposal {
	out := make([]Proposal, len(rows)/proposalWidth)
	for j := range out {
		row := rows[j*proposalWidth:]
		out[j] = Proposal{
			Box:   common.BoxFromSlice(row[propBox:]),
			Score: row[propScore],
			Label: int(row[propLabel]),
		}
	}
	return out
}

// unpackGT drops the trailing all-zero padding rows of a (M, 8) ground truth block.
func unpackGT(rows []float32) ([]common.Box3D, []int) {
	k := len(rows)/dataset.GTDim - 1
	for ; k >= 0; k-- {
		var sum float32
		for _, v := range rows[k*dataset.GTDim : (k+1)*dataset.GTDim] {
			sum += v
		}
		if sum != 0 {
			break
		}
	}
	boxes := make([]common.Box3D, k+1)
	labels := make([]int, k+1)
	for j := range boxes {
		row := rows[j*dataset.GTDim:]
		boxes[j] = common.BoxFromSlice(row)
		labels[j] = int(row[common.BoxDim])
	}
	return boxes, labels
}

// Feed binds the ground truth boxes of the batch.
func (h *RoIHeadTemplate) Feed(b *dataset.Batch, feeds model.Feeds) error {
	if !h.withGT {
		return nil
	}
	if b.Size != h.batch || b.MaxObjects != h.maxGT {
		return errors.Wrapf(nn.ErrShapeMismatch, "batch %dx%d, head built for %dx%d", b.Size, b.MaxObjects, h.batch, h.maxGT)
	}
	feeds[model.KeyGTBoxes] = nn.FromSlice(append([]float32(nil), b.GTBoxes...), h.batch, h.maxGT, dataset.GTDim)
	return nil
}

// targetColumns returns columns [from, to) of the flattened (B*S, targetWidth) targets.
func (h *RoIHeadTemplate) targetColumns(e *nn.Expr, from, to int) *G.Node {
	n := h.batch * h.Config.TargetConfig.RoIPerImage
	return e.SliceLast(e.Reshape(h.targets, n, targetWidth), from, to)
}

// targetVector returns column col of the flattened targets as an (B*S) vector.
func (h *RoIHeadTemplate) targetVector(e *nn.Expr, col int) *G.Node {
	return e.Reshape(h.targetColumns(e, col, col+1), h.batch*h.Config.TargetConfig.RoIPerImage)
}

// maskedMean sums loss (N) over mask (N) and divides by max(sum(mask), 1).
func maskedMean(e *nn.Expr, loss, mask *G.Node) *G.Node {
	return e.Div(e.Sum(e.Mul(loss, mask)), e.MaxS(e.Sum(mask), 1))
}

// BoxRegLoss is the smooth L1 loss of (B*S, code) box codes against the canonical targets of
// the foreground RoIs, plus the corner loss of the decoded boxes when enabled.
func (h *RoIHeadTemplate) BoxRegLoss(e *nn.Expr, rcnnReg *G.Node) (*G.Node, map[string]*G.Node) {
	if h.targets == nil {
		e.Fail(errors.Wrap(model.ErrMissingKey, "box regression loss without targets"))
		return nil, nil
	}
	w := h.Config.LossConfig.LossWeights
	fg := h.targetVector(e, tgtRegValid)
	regTargets := h.targetColumns(e, tgtReg, tgtReg+common.BoxDim)
	perCode := losses.NewWeightedSmoothL1(w.CodeWeights).Forward(e, rcnnReg, regTargets, nil)
	reg := e.MulS(maskedMean(e, e.Sum(perCode, 1), fg), w.RCNNRegWeight)
	tb := map[string]*G.Node{"rcnn_loss_reg": reg}
	if !h.Config.LossConfig.CornerLoss {
		return reg, tb
	}

	rois := losses.SplitBoxes(e, h.targetColumns(e, tgtRoI, tgtRoI+common.BoxDim))
	diag := e.Sqrt(e.Add(e.Square(rois.DX), e.Square(rois.DY)))
	code := losses.SplitBoxes(e, rcnnReg)
	lx, ly := e.Mul(code.X, diag), e.Mul(code.Y, diag)
	cos, sin := e.Cos(rois.Heading), e.Sin(rois.Heading)
	pred := e.Concat(1,
		e.Add(e.Sub(e.Mul(lx, cos), e.Mul(ly, sin)), rois.X),
		e.Add(e.Add(e.Mul(lx, sin), e.Mul(ly, cos)), rois.Y),
		e.Add(e.Mul(code.Z, rois.DZ), rois.Z),
		e.Mul(e.Exp(code.DX), rois.DX),
		e.Mul(e.Exp(code.DY), rois.DY),
		e.Mul(e.Exp(code.DZ), rois.DZ),
		e.Add(code.Heading, rois.Heading),
	)
	gt := h.targetColumns(e, tgtGT, tgtGT+common.BoxDim)
	corner := e.MulS(maskedMean(e, losses.CornerLoss(e, pred, gt), fg), w.RCNNCorner)
	tb["rcnn_loss_corner"] = corner
	return e.Add(reg, corner), tb
}

// ClsLoss is the binary cross entropy of (B*S, 1) RoI logits against the classification
// labels, ignoring labels below zero.
func (h *RoIHeadTemplate) ClsLoss(e *nn.Expr, rcnnCls *G.Node) *G.Node {
	if h.targets == nil {
		e.Fail(errors.Wrap(model.ErrMissingKey, "classification loss without targets"))
		return nil
	}
	switch h.Config.LossConfig.ClsLoss {
	case "", LossBinaryCrossEntropy:
	default:
		e.Fail(errors.Wrapf(losses.ErrUnknownLoss, "RoI classification loss %q", h.Config.LossConfig.ClsLoss))
		return nil
	}
	labels := h.targetVector(e, tgtClsLabel)
	n := h.batch * h.Config.TargetConfig.RoIPerImage
	logits := e.Reshape(rcnnCls, n)
	valid := e.RSub(1, e.Less(labels, 0))
	loss := losses.SigmoidCrossEntropyWithLogits(e, logits, e.Mul(labels, valid))
	return e.MulS(maskedMean(e, loss, valid), h.Config.LossConfig.LossWeights.RCNNClsWeight)
}

// IoULoss is the loss of (B*S, 1) IoU predictions against the IoU labels of IOU_LOSS,
// ignoring labels below zero.
func (h *RoIHeadTemplate) IoULoss(e *nn.Expr, rcnnIoU *G.Node) *G.Node {
	if h.targets == nil {
		e.Fail(errors.Wrap(model.ErrMissingKey, "IoU loss without targets"))
		return nil
	}
	n := h.batch * h.Config.TargetConfig.RoIPerImage
	labels := h.targetVector(e, tgtClsLabel)
	pred := e.Reshape(rcnnIoU, n)
	valid := e.RSub(1, e.Less(labels, 0))
	target := e.Mul(labels, valid)

	var loss *G.Node
	switch h.Config.LossConfig.IoULoss {
	case "", LossBinaryCrossEntropy:
		loss = losses.SigmoidCrossEntropyWithLogits(e, pred, target)
	case LossL2:
		loss = e.Square(e.Sub(pred, target))
	case LossSmoothL1:
		loss = losses.SmoothL1(e, e.Sub(pred, target), 1.0/9.0)
	case LossFocalBCE:
		loss = losses.NewSigmoidFocal().Forward(e, pred, target, nil)
	default:
		e.Fail(errors.Wrapf(losses.ErrUnknownLoss, "RoI IoU loss %q", h.Config.LossConfig.IoULoss))
		return nil
	}
	return e.MulS(maskedMean(e, loss, valid), h.Config.LossConfig.LossWeights.RCNNIoUWeight)
}

// predictions collects the host values of the RoIs for post-processing.
func (h *RoIHeadTemplate) predictions(scores *G.Node) (*model.Predictions, error) {
	vals := make([][]float32, 4)
	for i, n := range []*G.Node{scores, h.rois, h.roiScores, h.roiLabels} {
		v, err := nn.Float32s(n)
		if err != nil {
			return nil, errors.Wrap(err, "RoI predictions")
		}
		vals[i] = append([]float32(nil), v...)
	}
	n := h.NumRoIs()
	labels := make([]int32, len(vals[3]))
	for i, v := range vals[3] {
		labels[i] = int32(v)
	}
	return &model.Predictions{
		BatchSize: h.batch,
		NumBoxes:  n,
		NumScores: len(vals[0]) / (h.batch * n),
		Scores:    vals[0],
		Boxes:     vals[1],
		Labels:    labels,
		RoIScores: vals[2],
		RoIs:      vals[1],
	}, nil
}
