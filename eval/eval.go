// Package eval accumulates detections over a dataset and reports the recall of the RoIs and
// of the final boxes together with the average precision of every class.
package eval

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/logging"
	"github.com/nvr-ai/go-pcdet/models"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
)

// DefaultIoU is the matching threshold of classes without an entry in Options.IoU.
const DefaultIoU = 0.5

// Options configures an Evaluator.
type Options struct {
	// IoU maps class names to the 3D IoU a detection needs to match a ground truth box.
	IoU map[string]float32
}

// KittiIoU are the moderate thresholds of the KITTI benchmark.
var KittiIoU = map[string]float32{"Car": 0.7, "Pedestrian": 0.5, "Cyclist": 0.5}

type scored struct {
	score float32
	tp    bool
}

// Evaluator collects matched detections per class.
type Evaluator struct {
	classNames []string
	thresholds []float32
	iou        []float32
	recall     models.RecallRecord
	dets       [][]scored
	numGT      []int
	frames     int
}

// New returns an empty evaluator for the 1-based classes of classNames.
func New(classNames []string, recallThresh []float32, opts Options) *Evaluator {
	e := &Evaluator{
		classNames: classNames,
		thresholds: recallThresh,
		iou:        make([]float32, len(classNames)),
		recall:     models.NewRecallRecord(recallThresh),
		dets:       make([][]scored, len(classNames)),
		numGT:      make([]int, len(classNames)),
	}
	for i, name := range classNames {
		e.iou[i] = DefaultIoU
		if t, ok := opts.IoU[name]; ok {
			e.iou[i] = t
		}
	}
	return e
}

// Recall returns the record the detector adds to.
func (e *Evaluator) Recall() models.RecallRecord { return e.recall }

// Add matches the detections of one frame to its ground truth. Detections are matched in
// score order, each to the unmatched box of its class with the highest IoU above the class
// threshold.
func (e *Evaluator) Add(gt []common.Box3D, labels []int, dets []postprocess.Result) {
	e.frames++
	for _, l := range labels {
		if l >= 1 && l <= len(e.numGT) {
			e.numGT[l-1]++
		}
	}
	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return dets[order[a]].Score > dets[order[b]].Score })

	var iou []float32
	if len(dets) > 0 && len(gt) > 0 {
		iou = common.IoU3DMatrix(postprocess.Boxes(dets), gt)
	}
	used := make([]bool, len(gt))
	for _, i := range order {
		d := dets[i]
		if d.Label < 1 || d.Label > len(e.dets) {
			continue
		}
		best, match := e.iou[d.Label-1], -1
		for j := range gt {
			if used[j] || labels[j] != d.Label {
				continue
			}
			if v := iou[i*len(gt)+j]; v >= best {
				best, match = v, j
			}
		}
		if match >= 0 {
			used[match] = true
		}
		e.dets[d.Label-1] = append(e.dets[d.Label-1], scored{score: d.Score, tp: match >= 0})
	}
}

// ClassResult is the average precision of one class.
type ClassResult struct {
	Name   string  `json:"name"`
	IoU    float32 `json:"iou"`
	NumGT  int     `json:"num_gt"`
	NumDet int     `json:"num_det"`
	AP11   float64 `json:"ap_r11"`
	AP40   float64 `json:"ap_r40"`
}

// Result summarises an evaluation.
type Result struct {
	Frames  int                `json:"frames"`
	NumGT   int                `json:"num_gt"`
	Recall  map[string]float64 `json:"recall"`
	Classes []ClassResult      `json:"classes"`
	MAP11   float64            `json:"map_r11"`
	MAP40   float64            `json:"map_r40"`
}

// Metrics flattens the result into named values for the run store.
func (r *Result) Metrics() map[string]float64 {
	out := map[string]float64{"map_r11": r.MAP11, "map_r40": r.MAP40}
	for k, v := range r.Recall {
		out["recall_"+k] = v
	}
	for _, c := range r.Classes {
		out[c.Name+"_ap_r11"] = c.AP11
		out[c.Name+"_ap_r40"] = c.AP40
	}
	return out
}

// Result computes recall ratios and the AP of every class. Classes without ground truth are
// left out of the means.
func (e *Evaluator) Result() *Result {
	gt := e.recall["gt"]
	r := &Result{Frames: e.frames, NumGT: gt, Recall: make(map[string]float64)}
	for _, t := range e.thresholds {
		for _, stage := range []string{"roi", "rcnn"} {
			k := models.RecallKey(stage, t)
			r.Recall[k] = float64(e.recall[k]) / float64(max(gt, 1))
		}
	}

	var ap11, ap40 []float64
	for c, name := range e.classNames {
		res := ClassResult{Name: name, IoU: e.iou[c], NumGT: e.numGT[c], NumDet: len(e.dets[c])}
		if res.NumGT > 0 {
			res.AP11 = AveragePrecision(e.dets[c], res.NumGT, 11)
			res.AP40 = AveragePrecision(e.dets[c], res.NumGT, 40)
			ap11 = append(ap11, res.AP11)
			ap40 = append(ap40, res.AP40)
		}
		r.Classes = append(r.Classes, res)
	}
	if len(ap11) > 0 {
		r.MAP11 = stat.Mean(ap11, nil)
		r.MAP40 = stat.Mean(ap40, nil)
	}
	return r
}

// AveragePrecision interpolates the precision recall curve of dets at points recall
// positions. With 11 points they are 0, 0.1, ... 1; otherwise 1/points, 2/points, ... 1.
func AveragePrecision(dets []scored, numGT, points int) float64 {
	if numGT == 0 || len(dets) == 0 {
		return 0
	}
	sorted := append([]scored(nil), dets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })

	precision := make([]float64, len(sorted))
	recall := make([]float64, len(sorted))
	tp := 0
	for i, d := range sorted {
		if d.tp {
			tp++
		}
		precision[i] = float64(tp) / float64(i+1)
		recall[i] = float64(tp) / float64(numGT)
	}
	// Precision envelope: the best precision at any higher recall.
	for i := len(precision) - 2; i >= 0; i-- {
		precision[i] = max(precision[i], precision[i+1])
	}

	samples := make([]float64, points)
	for k := range samples {
		var r float64
		if points == 11 {
			r = float64(k) / 10
		} else {
			r = float64(k+1) / float64(points)
		}
		i := sort.SearchFloat64s(recall, r-1e-9)
		if i < len(precision) {
			samples[k] = precision[i]
		}
	}
	return floats.Sum(samples) / float64(points)
}

// Source yields evaluation batches.
type Source interface {
	Batches(ctx context.Context, fn func(step int, b *dataset.Batch) error) error
	NumBatches() int
}

// Run evaluates det on every batch of src.
func Run(ctx context.Context, det *models.Detector, src Source, opts Options) (*Result, error) {
	if det.Training() {
		return nil, errors.New("evaluation needs a detector built for evaluation")
	}
	logger := logging.FromContext(ctx)
	pp := det.Config.Model.PostProcessing
	e := New(det.Info.ClassNames, pp.RecallThreshList, opts)

	vm := G.NewTapeMachine(det.Graph())
	defer vm.Close()
	began := time.Now()
	err := src.Batches(ctx, func(step int, b *dataset.Batch) error {
		if err := det.Bind(b); err != nil {
			return err
		}
		defer vm.Reset()
		if err := vm.RunAll(); err != nil {
			return errors.Wrapf(err, "batch %d", step)
		}
		out, err := det.PostProcess(b, e.Recall())
		if err != nil {
			return err
		}
		for i, dets := range out {
			gt, labels := b.GT(i)
			e.Add(gt, labels, dets)
		}
		if step%50 == 0 {
			logger.Info("eval", zap.Int("batch", step), zap.Int("of", src.NumBatches()))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res := e.Result()
	logger.Info("eval done",
		zap.Int("frames", res.Frames),
		zap.Float64("map_r11", res.MAP11),
		zap.Float64("map_r40", res.MAP40),
		zap.Duration("took", time.Since(began).Truncate(time.Millisecond)),
	)
	for k, v := range res.Recall {
		logger.Info("recall", zap.String("key", k), zap.Float64("value", v))
	}
	return res, nil
}
