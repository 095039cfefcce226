package models

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
)

// Rescoring modes of NMS_CONFIG.SCORE_TYPE.
const (
	ScoreIoU            = "iou"
	ScoreCls            = "cls"
	ScoreWeightedIoUCls = "weighted_iou_cls"
	ScoreByClass        = "score_by_class"
)

// RecallRecord counts ground truth boxes: "gt" in total, "roi_<t>" covered by a RoI and
// "rcnn_<t>" covered by a predicted box with 3D IoU above t.
type RecallRecord map[string]int

// RecallKey returns the record key of stage ("roi" or "rcnn") at IoU threshold t.
func RecallKey(stage string, t float32) string { return fmt.Sprintf("%s_%g", stage, t) }

// NewRecallRecord returns an empty record for the thresholds.
func NewRecallRecord(thresholds []float32) RecallRecord {
	r := RecallRecord{"gt": 0}
	for _, t := range thresholds {
		r[RecallKey("roi", t)] = 0
		r[RecallKey("rcnn", t)] = 0
	}
	return r
}

// Add counts the recall of one sample. rois is nil for detectors without a second stage.
func (r RecallRecord) Add(gt, preds, rois []common.Box3D, thresholds []float32) {
	if len(gt) == 0 {
		return
	}
	rcnn := bestOverlaps(preds, gt)
	var roi []float32
	if rois != nil {
		roi = bestOverlaps(rois, gt)
	}
	for _, t := range thresholds {
		r[RecallKey("rcnn", t)] += countAbove(rcnn, t)
		if roi != nil {
			r[RecallKey("roi", t)] += countAbove(roi, t)
		}
	}
	r["gt"] += len(gt)
}

// Merge adds the counts of o.
func (r RecallRecord) Merge(o RecallRecord) {
	for k, v := range o {
		r[k] += v
	}
}

// bestOverlaps returns for every gt box the best 3D IoU with any box of preds.
func bestOverlaps(preds, gt []common.Box3D) []float32 {
	best := make([]float32, len(gt))
	if len(preds) == 0 {
		return best
	}
	m := common.IoU3DMatrix(preds, gt)
	for i := range preds {
		for j := range gt {
			best[j] = math32.Max(best[j], m[i*len(gt)+j])
		}
	}
	return best
}

func countAbove(v []float32, t float32) int {
	n := 0
	for _, x := range v {
		if x > t {
			n++
		}
	}
	return n
}

func sigmoid(x float32) float32 { return 1 / (1 + math32.Exp(-x)) }

// checkScoreType validates the rescoring mode of a PostIoURescore detector.
func checkScoreType(nms config.NMSConfig) error {
	switch nms.ScoreType {
	case "", ScoreIoU, ScoreCls, ScoreWeightedIoUCls:
		return nil
	case ScoreByClass:
		for name, t := range nms.ScoreByClass {
			if t != ScoreIoU && t != ScoreCls {
				return errors.Wrapf(config.ErrInvalidConfig, "SCORE_BY_CLASS %s: %q", name, t)
			}
		}
		return nil
	}
	return errors.Wrapf(config.ErrInvalidConfig, "SCORE_TYPE %q", nms.ScoreType)
}

// PostProcessor selects detections from host predictions. It is shared by the graph
// detector and engines that run the network elsewhere.
type PostProcessor struct {
	Spec       Spec
	Config     config.PostProcessingConfig
	ClassNames []string

	nms *postprocess.NMSConfig
}

// NewPostProcessor validates the post-processing block of cfg for spec.
func NewPostProcessor(spec Spec, cfg *config.Config, workers int) (*PostProcessor, error) {
	pp := cfg.Model.PostProcessing
	if spec.Post == PostIoURescore {
		if err := checkScoreType(pp.NMSConfig); err != nil {
			return nil, err
		}
	}
	return &PostProcessor{
		Spec:       spec,
		Config:     pp,
		ClassNames: cfg.ClassNames,
		nms:        postprocess.NewNMSConfig(pp.NMSConfig, workers),
	}, nil
}

// PostProcess turns the evaluated predictions for b into detections, one slice per real
// sample, and adds the recall of every sample to recall when it is not nil.
func (d *Detector) PostProcess(b *dataset.Batch, recall RecallRecord) ([][]postprocess.Result, error) {
	if d.Training() {
		return nil, errors.New("post-processing needs an evaluation detector")
	}
	pred, err := d.predictor()
	if err != nil {
		return nil, err
	}
	p, err := pred.Predict(d.data, b)
	if err != nil {
		return nil, errors.Wrap(err, "predict")
	}
	return d.post.Run(p, b, d.data.Flag(model.KeyHasClassLabels), recall)
}

// Run selects the detections of the b.Count real samples of p. hasLabels reports that the
// first stage labels override the class of the scores.
func (pp *PostProcessor) Run(p *model.Predictions, b *dataset.Batch, hasLabels bool, recall RecallRecord) ([][]postprocess.Result, error) {
	out := make([][]postprocess.Result, b.Count)
	for i := 0; i < b.Count; i++ {
		boxes := sampleBoxes(p.Boxes, i, p.NumBoxes)
		var rois []common.Box3D
		if p.RoIs != nil {
			rois = sampleBoxes(p.RoIs, i, p.NumBoxes)
		}

		var (
			dets []postprocess.Result
			err  error
		)
		switch {
		case p.Final != nil:
			dets = p.Final[i]
		case pp.Spec.Post == PostFinal:
			return nil, errors.Wrapf(model.ErrMissingKey, "%s head returned no final detections", pp.Spec.Name)
		case pp.Spec.Post == PostIoURescore:
			dets, err = pp.rescore(p, i, boxes)
		default:
			dets = pp.classScores(p, i, boxes, hasLabels && p.Labels != nil)
		}
		if err != nil {
			return nil, err
		}
		out[i] = dets

		if recall != nil {
			gt, _ := b.GT(i)
			preds := postprocess.Boxes(dets)
			if rois != nil {
				preds = boxes
			}
			recall.Add(gt, preds, rois, pp.Config.RecallThreshList)
		}
	}
	return out, nil
}

func sampleBoxes(flat []float32, i, n int) []common.Box3D {
	out := make([]common.Box3D, n)
	for j := range out {
		out[j] = common.BoxFromSlice(flat[(i*n+j)*common.BoxDim:])
	}
	return out
}

// classScores selects detections from class scores: the best class of every box and class
// agnostic NMS, or NMS per class with MULTI_CLASSES_NMS.
func (pp *PostProcessor) classScores(p *model.Predictions, i int, boxes []common.Box3D, hasLabels bool) []postprocess.Result {
	n, c := p.NumBoxes, p.NumScores

	if pp.Config.NMSConfig.MultiClassesNMS {
		scores := make([]float32, n*c)
		for j := 0; j < n; j++ {
			for k, s := range p.Row(i, j) {
				if !p.Normalized {
					s = sigmoid(s)
				}
				scores[j*c+k] = s
			}
		}
		return postprocess.MultiClassNMS(scores, c, boxes, pp.Config.ScoreThresh, pp.nms)
	}

	scores := make([]float32, n)
	raw := make([]float32, n)
	labels := make([]int, n)
	for j := 0; j < n; j++ {
		row := p.Row(i, j)
		k := 0
		for q := range row {
			if row[q] > row[k] {
				k = q
			}
		}
		raw[j], scores[j], labels[j] = row[k], row[k], k+1
		if !p.Normalized {
			scores[j] = sigmoid(row[k])
		}
		if hasLabels {
			labels[j] = int(p.Labels[i*n+j])
			if labels[j] == 0 {
				scores[j] = math32.Inf(-1)
			}
		}
	}
	keep := postprocess.ClassAgnosticNMS(scores, boxes, pp.Config.ScoreThresh, pp.nms)
	out := make([]postprocess.Result, len(keep))
	for k, j := range keep {
		s := scores[j]
		if pp.Config.OutputRawScore {
			s = raw[j]
		}
		out[k] = postprocess.Result{Box: boxes[j], Score: s, Label: labels[j]}
	}
	return out
}

// rescore blends the first stage score of every RoI with its predicted IoU and keeps the
// RoIs surviving class agnostic NMS, labelled with their first stage class. Padding RoIs
// are dropped.
func (pp *PostProcessor) rescore(p *model.Predictions, i int, boxes []common.Box3D) ([]postprocess.Result, error) {
	n := p.NumBoxes
	if p.RoIScores == nil || p.Labels == nil {
		return nil, errors.Wrapf(model.ErrMissingKey, "%s needs RoI scores and labels", pp.Spec.Name)
	}
	nms := pp.Config.NMSConfig
	w := nms.ScoreWeights.IoU
	scores := make([]float32, n)
	for j := 0; j < n; j++ {
		label := int(p.Labels[i*n+j])
		if label == 0 {
			scores[j] = math32.Inf(-1)
			continue
		}
		iou, cls := p.Row(i, j)[0], p.RoIScores[i*n+j]
		if !p.Normalized {
			iou, cls = sigmoid(iou), sigmoid(cls)
		}
		switch nms.ScoreType {
		case "", ScoreIoU:
			scores[j] = iou
		case ScoreCls:
			scores[j] = cls
		case ScoreWeightedIoUCls:
			scores[j] = math32.Pow(iou, w) * math32.Pow(cls, 1-w)
		case ScoreByClass:
			scores[j] = cls
			if label <= len(pp.ClassNames) && nms.ScoreByClass[pp.ClassNames[label-1]] == ScoreIoU {
				scores[j] = iou
			}
		}
	}
	keep := postprocess.ClassAgnosticNMS(scores, boxes, pp.Config.ScoreThresh, pp.nms)
	out := make([]postprocess.Result, len(keep))
	for k, j := range keep {
		out[k] = postprocess.Result{Box: boxes[j], Score: scores[j], Label: int(p.Labels[i*n+j])}
	}
	return out, nil
}
