package losses

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/nn"
)

// cornerNetFocal is the CornerNet focal loss on heatmap probabilities. Positions where the
// target is exactly 1 are positives; negatives are down-weighted by (1 - gt)^4. The sum is
// normalised by the number of positives; with no positives the normaliser is 1 and the
// positive term is zero, so the loss is the negated negative term.
func cornerNetFocal(e *nn.Expr, pred, gt, mask *G.Node) *G.Node {
	pos := e.Equal(gt, 1)
	neg := e.Less(gt, 1)
	negWeights := e.PowS(e.RSub(1, gt), 4)

	posLoss := e.Mul(e.Mul(e.Log(pred), e.Square(e.RSub(1, pred))), pos)
	negLoss := e.Mul(e.Mul(e.Mul(e.Log(e.RSub(1, pred)), e.Square(pred)), negWeights), neg)

	var numPos *G.Node
	if mask != nil {
		if e.HasError() {
			return nil
		}
		s := mask.Shape()
		m := e.Reshape(mask, s[0], 1, s[1], s[2])
		posLoss = e.BMul(posLoss, m, 1)
		negLoss = e.BMul(negLoss, m, 1)
		numPos = e.Sum(e.BMul(pos, m, 1))
	} else {
		numPos = e.Sum(pos)
	}
	total := e.Add(e.Sum(posLoss), e.Sum(negLoss))
	return e.Neg(e.Div(total, e.MaxS(numPos, 1)))
}

// CenterNetFocalLoss is the heatmap focal loss on (B, C, H, W) probabilities.
type CenterNetFocalLoss struct{}

func (CenterNetFocalLoss) Forward(e *nn.Expr, pred, gt *G.Node) *G.Node {
	return cornerNetFocal(e, pred, gt, nil)
}

// FocalLossCenterNet is the heatmap focal loss with an optional (B, H, W) valid mask.
type FocalLossCenterNet struct{}

func (FocalLossCenterNet) Forward(e *nn.Expr, pred, gt, mask *G.Node) *G.Node {
	return cornerNetFocal(e, pred, gt, mask)
}

// TransposeAndGather reads the (B, M, D) feature vectors at per-sample flat positions ind
// (B, M) of a (B, D, H, W) map.
func TransposeAndGather(e *nn.Expr, feat, ind *G.Node) *G.Node {
	if e.HasError() {
		return nil
	}
	if feat == nil || ind == nil {
		e.Fail(errors.New("transpose and gather: nil input"))
		return nil
	}
	fs, is := feat.Shape(), ind.Shape()
	b, d, plane, m := fs[0], fs[1], fs[2]*fs[3], is[1]
	offs := make([]float32, b*m)
	for i := range offs {
		offs[i] = float32((i / m) * plane)
	}
	flat := e.Reshape(e.Add(ind, e.Const("batch_offsets", nn.FromSlice(offs, b, m))), b*m)
	return e.Reshape(e.Gather(feat, flat), b, m, d)
}

// maskedAbsDiff is |pred - target| over valid objects and non-NaN target codes.
func maskedAbsDiff(e *nn.Expr, pred, target, mask *G.Node) *G.Node {
	valid := e.MulRows(e.NotNaN(target), mask)
	return e.Abs(e.Sub(e.Mul(pred, valid), e.Mul(e.NaNToZero(target), valid)))
}

// CenterNetRegLoss is the masked L1 regression loss on gathered predictions, normalised by
// num + 1e-4.
type CenterNetRegLoss struct{}

// Forward returns the (D) per-code loss for a (B, D, H, W) output, (B, M) mask and indices
// and (B, M, D) targets.
func (CenterNetRegLoss) Forward(e *nn.Expr, output, mask, ind, target *G.Node) *G.Node {
	pred := TransposeAndGather(e, output, ind)
	loss := e.Sum(maskedAbsDiff(e, pred, target, mask), 0, 1)
	return e.Div(loss, e.AddS(e.Sum(mask), 1e-4))
}

// CenterNetSmoothRegLoss is the smooth L1 (sigma 3) variant of CenterNetRegLoss.
type CenterNetSmoothRegLoss struct {
	Sigma float32
}

func (l CenterNetSmoothRegLoss) Forward(e *nn.Expr, output, mask, ind, target *G.Node) *G.Node {
	sigma := l.Sigma
	if sigma == 0 {
		sigma = 3
	}
	pred := TransposeAndGather(e, output, ind)
	diff := maskedAbsDiff(e, pred, target, mask)
	inner := e.LessEq(diff, 1/(sigma*sigma))
	loss := e.Where(inner, e.MulS(e.Square(e.MulS(diff, sigma)), 0.5), e.AddS(diff, -0.5/(sigma*sigma)))
	return e.Div(e.Sum(loss, 0, 1), e.AddS(e.Sum(mask), 1e-4))
}

// RegLossCenterNet is the masked L1 regression loss normalised by max(num, 1). A nil ind means
// output already holds the (B, M, D) gathered predictions.
type RegLossCenterNet struct{}

func (RegLossCenterNet) Forward(e *nn.Expr, output, mask, ind, target *G.Node) *G.Node {
	pred := output
	if ind != nil {
		pred = TransposeAndGather(e, output, ind)
	}
	loss := e.Sum(maskedAbsDiff(e, pred, target, mask), 0, 1)
	return e.Div(loss, e.MaxS(e.Sum(mask), 1))
}

// Box2D is an image box (u1, v1, u2, v2) in pixels.
type Box2D [4]float32

// ComputeFGMask marks the pixels covered by 2D boxes in a (B, H, W) mask. Box corners are
// divided by downsample, the top-left is floored and the bottom-right ceiled; boxes are
// clipped to the mask.
func ComputeFGMask(boxes [][]Box2D, height, width int, downsample float32) [][]bool {
	if downsample <= 0 {
		downsample = 1
	}
	out := make([][]bool, len(boxes))
	for b, sample := range boxes {
		mask := make([]bool, height*width)
		for _, box := range sample {
			u1 := clampInt(int(math32.Floor(box[0]/downsample)), 0, width)
			v1 := clampInt(int(math32.Floor(box[1]/downsample)), 0, height)
			u2 := clampInt(int(math32.Ceil(box[2]/downsample)), 0, width)
			v2 := clampInt(int(math32.Ceil(box[3]/downsample)), 0, height)
			for v := v1; v < v2; v++ {
				for u := u1; u < u2; u++ {
					mask[v*width+u] = true
				}
			}
		}
		out[b] = mask
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
