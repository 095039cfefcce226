package densehead

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
)

// Targets are the training targets of one sample, in the interleaved anchor order.
type Targets struct {
	// Labels holds -1 for ignored anchors, 0 for background and the 1-based class otherwise.
	Labels []int32
	// RegTargets holds (A, code) box codes, zero for anchors that are not foreground.
	RegTargets []float32
	RegWeights []float32
}

// AxisAlignedTargetAssigner matches anchors to ground truth boxes class by class on their
// nearest axis aligned BEV IoU.
type AxisAlignedTargetAssigner struct {
	classNames        []string
	posFraction       float32
	sampleSize        int
	normByNumExamples bool
	matchHeight       bool
	coder             ResidualCoder
	rng               *rand.Rand
}

// NewAxisAlignedTargetAssigner builds the assigner of cfg. classNames are the detector
// classes that ground truth labels index into. A negative POS_FRACTION disables sampling.
func NewAxisAlignedTargetAssigner(cfg config.TargetAssignerConfig, classNames []string, coder ResidualCoder, seed uint64) (*AxisAlignedTargetAssigner, error) {
	if cfg.Name != "" && cfg.Name != "AxisAlignedTargetAssigner" {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "target assigner %q", cfg.Name)
	}
	if cfg.PosFraction >= 0 && cfg.SampleSize <= 0 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "POS_FRACTION %g needs a SAMPLE_SIZE", cfg.PosFraction)
	}
	return &AxisAlignedTargetAssigner{
		classNames:        classNames,
		posFraction:       cfg.PosFraction,
		sampleSize:        cfg.SampleSize,
		normByNumExamples: cfg.NormByNumExamples,
		matchHeight:       cfg.MatchHeight,
		coder:             coder,
		rng:               rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (t *AxisAlignedTargetAssigner) className(label int) string {
	if label < 1 || label > len(t.classNames) {
		return ""
	}
	return t.classNames[label-1]
}

// Assign computes the targets of one sample. gtLabels are 1-based indices into the
// detector classes; all zero boxes are skipped.
func (t *AxisAlignedTargetAssigner) Assign(anchors []ClassAnchors, gt []common.Box3D, gtLabels []int) Targets {
	code := t.coder.CodeSize()
	perClass := make([]Targets, len(anchors))
	for c := range anchors {
		var boxes []common.Box3D
		var labels []int
		for j, b := range gt {
			if b.IsZero() || t.className(gtLabels[j]) != anchors[c].Name {
				continue
			}
			boxes = append(boxes, b)
			labels = append(labels, gtLabels[j])
		}
		perClass[c] = t.assignSingle(&anchors[c], boxes, labels)
	}

	if len(anchors) == 0 {
		return Targets{}
	}
	locs := anchors[0].NY * anchors[0].NX
	total := 0
	for _, a := range anchors {
		total += a.PerLoc
	}
	out := Targets{
		Labels:     make([]int32, 0, locs*total),
		RegTargets: make([]float32, 0, locs*total*code),
		RegWeights: make([]float32, 0, locs*total),
	}
	for loc := 0; loc < locs; loc++ {
		for c, a := range anchors {
			lo, hi := loc*a.PerLoc, (loc+1)*a.PerLoc
			out.Labels = append(out.Labels, perClass[c].Labels[lo:hi]...)
			out.RegTargets = append(out.RegTargets, perClass[c].RegTargets[lo*code:hi*code]...)
			out.RegWeights = append(out.RegWeights, perClass[c].RegWeights[lo:hi]...)
		}
	}
	return out
}

func (t *AxisAlignedTargetAssigner) assignSingle(a *ClassAnchors, gt []common.Box3D, gtLabels []int) Targets {
	n, m := len(a.Boxes), len(gt)
	code := t.coder.CodeSize()
	labels := make([]int32, n)
	for i := range labels {
		labels[i] = -1
	}
	argmax := make([]int, n)

	var forced, bg []int
	if n > 0 && m > 0 {
		var overlaps []float32
		if t.matchHeight {
			overlaps = common.IoU3DMatrix(a.Boxes, gt)
		} else {
			overlaps = common.NearestBEVIoUMatrix(a.Boxes, gt)
		}
		maxOverlap := make([]float32, n)
		for i := 0; i < n; i++ {
			row := overlaps[i*m : (i+1)*m]
			for j, v := range row {
				if v > row[argmax[i]] {
					argmax[i] = j
				}
			}
			maxOverlap[i] = row[argmax[i]]
		}
		gtMax := make([]float32, m)
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				gtMax[j] = max(gtMax[j], overlaps[i*m+j])
			}
		}
		for j := range gtMax {
			if gtMax[j] == 0 {
				gtMax[j] = -1
			}
		}
		// anchors that are the best match of some box are positive whatever their IoU
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				if overlaps[i*m+j] == gtMax[j] {
					forced = append(forced, i)
					break
				}
			}
		}
		for _, i := range forced {
			labels[i] = int32(gtLabels[argmax[i]])
		}
		for i := 0; i < n; i++ {
			if maxOverlap[i] >= a.Matched {
				labels[i] = int32(gtLabels[argmax[i]])
			}
			if maxOverlap[i] < a.Unmatched {
				bg = append(bg, i)
			}
		}
	} else {
		bg = make([]int, n)
		for i := range bg {
			bg[i] = i
		}
	}

	fg := positives(labels)
	if t.posFraction >= 0 {
		maxFG := int(t.posFraction * float32(t.sampleSize))
		if len(fg) > maxFG {
			t.rng.Shuffle(len(fg), func(i, j int) { fg[i], fg[j] = fg[j], fg[i] })
			for _, i := range fg[maxFG:] {
				labels[i] = -1
			}
			fg = positives(labels)
		}
		numBG := t.sampleSize - len(fg)
		if len(bg) > numBG {
			for k := 0; k < numBG; k++ {
				labels[bg[t.rng.IntN(len(bg))]] = 0
			}
		} else {
			for _, i := range bg {
				labels[i] = 0
			}
		}
	} else {
		for _, i := range bg {
			labels[i] = 0
		}
		if m == 0 {
			for i := range labels {
				labels[i] = 0
			}
		}
		for _, i := range forced {
			labels[i] = int32(gtLabels[argmax[i]])
		}
	}

	out := Targets{
		Labels:     labels,
		RegTargets: make([]float32, n*code),
		RegWeights: make([]float32, n),
	}
	for _, i := range fg {
		t.coder.Encode(gt[argmax[i]], a.Boxes[i], out.RegTargets[i*code:(i+1)*code])
	}
	weight := float32(1)
	if t.normByNumExamples {
		examples := 0
		for _, l := range labels {
			if l >= 0 {
				examples++
			}
		}
		weight = 1 / float32(max(examples, 1))
	}
	for i, l := range labels {
		if l > 0 {
			out.RegWeights[i] = weight
		}
	}
	return out
}

func positives(labels []int32) []int {
	var out []int
	for i, l := range labels {
		if l > 0 {
			out = append(out, i)
		}
	}
	return out
}
