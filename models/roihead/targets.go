package roihead

import (
	"math/rand/v2"

	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/models/densehead"
)

// Classification label types of the proposal target layer.
const (
	ClsScoreCls    = "cls"
	ClsScoreRoIIoU = "roi_iou"
)

// Proposal is one first stage box handed to the second stage.
type Proposal struct {
	Box   common.Box3D
	Score float32
	// Label is 1-based; padding proposals have label 0.
	Label int
}

// SampledRoI is a proposal picked for training together with the ground truth it covers best.
type SampledRoI struct {
	Proposal
	GT      common.Box3D
	GTLabel int
	IoU     float32
}

// ProposalTargetLayer samples a fixed number of proposals per frame for the second stage
// and derives their classification and regression targets.
type ProposalTargetLayer struct {
	cfg   config.RoITargetConfig
	coder densehead.ResidualCoder
	rng   *rand.Rand
}

// NewProposalTargetLayer returns the layer for cfg. Sampling is seeded by seed.
func NewProposalTargetLayer(cfg config.RoITargetConfig, coder densehead.ResidualCoder, seed uint64) *ProposalTargetLayer {
	return &ProposalTargetLayer{
		cfg:   cfg,
		coder: coder,
		rng:   rand.New(rand.NewPCG(seed, seed^0x2545f4914f6cdd1d)),
	}
}

// maxOverlaps returns, for every proposal, the best 3D IoU with a ground truth box and the
// index of that box. With byClass only boxes of the proposal's class are compared; proposals
// without a same class box get overlap 0 and box 0.
func maxOverlaps(props []Proposal, gt []common.Box3D, gtLabels []int, byClass bool) ([]float32, []int) {
	overlaps := make([]float32, len(props))
	assign := make([]int, len(props))
	for i, p := range props {
		best := float32(-1)
		for j, g := range gt {
			if byClass && gtLabels[j] != p.Label {
				continue
			}
			if iou := common.IoU3D(p.Box, g); iou > best {
				best, assign[i] = iou, j
			}
		}
		overlaps[i] = math32.Max(best, 0)
	}
	return overlaps, assign
}

// Sample picks RoIPerImage proposals of one frame: up to FGRatio of them foreground
// (overlap at least min(REG_FG_THRESH, CLS_FG_THRESH)), the rest background drawn from hard
// (overlap in [CLS_BG_THRESH_LO, REG_FG_THRESH)) and easy (below CLS_BG_THRESH_LO) proposals
// in HARD_BG_RATIO proportion. Background is drawn with replacement, as is foreground when
// there is no background at all. Foreground comes first in the result.
//
// An empty gt is treated as a single all-zero box of class 0.
func (l *ProposalTargetLayer) Sample(props []Proposal, gt []common.Box3D, gtLabels []int) []SampledRoI {
	if len(gt) == 0 {
		gt, gtLabels = []common.Box3D{{}}, []int{0}
	}
	overlaps, assign := maxOverlaps(props, gt, gtLabels, l.cfg.SampleRoIByEachClass)

	perImage := l.cfg.RoIPerImage
	fgPerImage := int(math32.Round(l.cfg.FGRatio * float32(perImage)))
	fgThresh := math32.Min(l.cfg.RegFGThresh, l.cfg.ClsFGThresh)

	var fg, easy, hard []int
	for i, o := range overlaps {
		switch {
		case o >= fgThresh:
			fg = append(fg, i)
		case o < l.cfg.ClsBGThreshLo:
			easy = append(easy, i)
		}
		if o < l.cfg.RegFGThresh && o >= l.cfg.ClsBGThreshLo {
			hard = append(hard, i)
		}
	}

	var picked []int
	bgCount := len(easy) + len(hard)
	switch {
	case len(fg) > 0 && bgCount > 0:
		n := min(fgPerImage, len(fg))
		perm := l.rng.Perm(len(fg))
		for _, k := range perm[:n] {
			picked = append(picked, fg[k])
		}
		picked = append(picked, l.sampleBackground(hard, easy, perImage-n)...)
	case len(fg) > 0:
		for k := 0; k < perImage; k++ {
			picked = append(picked, fg[l.rng.IntN(len(fg))])
		}
	case bgCount > 0:
		picked = l.sampleBackground(hard, easy, perImage)
	}

	out := make([]SampledRoI, len(picked))
	for k, i := range picked {
		out[k] = SampledRoI{
			Proposal: props[i],
			GT:       gt[assign[i]],
			GTLabel:  gtLabels[assign[i]],
			IoU:      overlaps[i],
		}
	}
	return out
}

func (l *ProposalTargetLayer) sampleBackground(hard, easy []int, n int) []int {
	draw := func(from []int, k int) []int {
		out := make([]int, k)
		for i := range out {
			out[i] = from[l.rng.IntN(len(from))]
		}
		return out
	}
	switch {
	case len(hard) > 0 && len(easy) > 0:
		nh := min(int(float32(n)*l.cfg.HardBGRatio), len(hard))
		return append(draw(hard, nh), draw(easy, n-nh)...)
	case len(hard) > 0:
		return draw(hard, n)
	case len(easy) > 0:
		return draw(easy, n)
	}
	return nil
}

// RegValid reports whether a sampled RoI contributes to the box regression loss.
func (l *ProposalTargetLayer) RegValid(iou float32) bool { return iou > l.cfg.RegFGThresh }

// ClsLabel returns the classification target of a sampled RoI. For CLS_SCORE_TYPE cls it is
// 1 above CLS_FG_THRESH, 0 up to CLS_BG_THRESH and -1 (ignored) between. For roi_iou it is
// 1 above CLS_FG_THRESH, 0 below CLS_BG_THRESH and linear in the IoU between.
func (l *ProposalTargetLayer) ClsLabel(iou float32) float32 {
	fgT, bgT := l.cfg.ClsFGThresh, l.cfg.ClsBGThresh
	if l.cfg.ClsScoreType == ClsScoreCls {
		switch {
		case iou > fgT:
			return 1
		case iou > bgT && iou < fgT:
			return -1
		}
		return 0
	}
	switch {
	case iou > fgT:
		return 1
	case iou < bgT:
		return 0
	}
	return (iou - bgT) / (fgT - bgT)
}

// Canonical expresses gt in the frame of roi: centred on the roi, rotated by minus the roi
// heading, with the heading folded into [-pi/2, pi/2] so that opposite directions share a
// target.
func Canonical(gt, roi common.Box3D) common.Box3D {
	ry := common.LimitPeriod(roi.Heading, 0, 2*math32.Pi)
	sin, cos := math32.Sincos(-ry)
	dx, dy := gt.X-roi.X, gt.Y-roi.Y
	out := gt
	out.X = dx*cos - dy*sin
	out.Y = dx*sin + dy*cos
	out.Z = gt.Z - roi.Z

	h := common.LimitPeriod(gt.Heading-ry, 0, 2*math32.Pi)
	if h > math32.Pi*0.5 && h < math32.Pi*1.5 {
		h = common.LimitPeriod(h+math32.Pi, 0, 2*math32.Pi)
	}
	if h > math32.Pi {
		h -= 2 * math32.Pi
	}
	out.Heading = math32.Min(math32.Max(h, -math32.Pi/2), math32.Pi/2)
	return out
}

// RegTarget encodes the canonical gt of a sampled RoI against the RoI moved to the origin
// with zero heading.
func (l *ProposalTargetLayer) RegTarget(s SampledRoI, dst []float32) {
	anchor := common.Box3D{DX: s.Box.DX, DY: s.Box.DY, DZ: s.Box.DZ}
	l.coder.Encode(Canonical(s.GT, s.Box), anchor, dst)
}
