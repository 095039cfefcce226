// Package losses builds the training losses of the detection heads as gorgonia graph
// expressions. Every loss takes an *nn.Expr and returns the unreduced loss node; reduction
// and normalisation are left to the heads.
package losses

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/nn"
)

// SigmoidCrossEntropyWithLogits is max(x, 0) - x*z + log(1 + exp(-|x|)), the numerically
// stable binary cross entropy on logits.
func SigmoidCrossEntropyWithLogits(e *nn.Expr, logits, target *G.Node) *G.Node {
	return e.Add(
		e.Sub(e.ReLU(logits), e.Mul(logits, target)),
		e.Log1p(e.Exp(e.Neg(e.Abs(logits)))),
	)
}

// applyWeights multiplies a loss by anchor-wise weights. Weights with one axis fewer than the
// loss are broadcast over the last axis.
func applyWeights(e *nn.Expr, loss, weights *G.Node) *G.Node {
	if weights == nil || loss == nil {
		return loss
	}
	switch weights.Dims() {
	case loss.Dims() - 1:
		return e.MulRows(loss, weights)
	case loss.Dims():
		return e.Mul(loss, weights)
	}
	e.Fail(errors.Wrapf(nn.ErrShapeMismatch, "weights %v for loss %v", weights.Shape(), loss.Shape()))
	return nil
}

// SigmoidFocal is the sigmoid focal classification loss
// alpha_t * (1 - p_t)^gamma * BCE(x, z).
type SigmoidFocal struct {
	Alpha float32
	Gamma float32
}

// NewSigmoidFocal returns the focal loss with alpha 0.25 and gamma 2.
func NewSigmoidFocal() SigmoidFocal { return SigmoidFocal{Alpha: 0.25, Gamma: 2} }

// Forward returns the weighted loss with the shape of logits.
//
// Arguments:
//   - logits: (B, A, C) or (N, C) predicted logits.
//   - target: One-hot targets with the shape of logits.
//   - weights: (B, A) or (N) anchor-wise weights.
func (l SigmoidFocal) Forward(e *nn.Expr, logits, target, weights *G.Node) *G.Node {
	p := e.Sigmoid(logits)
	alphaWeight := e.AddS(e.MulS(target, 2*l.Alpha-1), 1-l.Alpha)
	pt := e.Add(p, e.Mul(target, e.RSub(1, e.MulS(p, 2))))
	focalWeight := e.Mul(alphaWeight, e.PowS(pt, l.Gamma))
	loss := e.Mul(focalWeight, SigmoidCrossEntropyWithLogits(e, logits, target))
	return applyWeights(e, loss, weights)
}

// SigmoidVariFocal is the varifocal loss. Positives (target > 0) are weighted by their IoU
// target, negatives by alpha * |p - z|^gamma.
type SigmoidVariFocal struct {
	Alpha       float32
	Gamma       float32
	IoUWeighted bool
}

// NewSigmoidVariFocal returns the IoU weighted varifocal loss with alpha 0.25 and gamma 2.
func NewSigmoidVariFocal() SigmoidVariFocal {
	return SigmoidVariFocal{Alpha: 0.25, Gamma: 2, IoUWeighted: true}
}

func (l SigmoidVariFocal) Forward(e *nn.Expr, logits, target, weights *G.Node) *G.Node {
	p := e.Sigmoid(logits)
	pos := e.Greater(target, 0)
	neg := e.LessEq(target, 0)
	posWeight := pos
	if l.IoUWeighted {
		posWeight = e.Mul(target, pos)
	}
	negWeight := e.Mul(e.MulS(e.PowS(e.Abs(e.Sub(p, target)), l.Gamma), l.Alpha), neg)
	loss := e.Mul(e.Add(posWeight, negWeight), SigmoidCrossEntropyWithLogits(e, logits, target))
	return applyWeights(e, loss, weights)
}

// SigmoidQualityFocal is the quality focal loss: |p - z|^gamma on positives and p^gamma on
// negatives, optionally balanced by alpha.
type SigmoidQualityFocal struct {
	Alpha          float32
	Gamma          float32
	PosNegWeighted bool
}

// NewSigmoidQualityFocal returns the unbalanced quality focal loss with gamma 2.
func NewSigmoidQualityFocal() SigmoidQualityFocal {
	return SigmoidQualityFocal{Alpha: 0.25, Gamma: 2}
}

func (l SigmoidQualityFocal) Forward(e *nn.Expr, logits, target, weights *G.Node) *G.Node {
	p := e.Sigmoid(logits)
	posWeight := e.Mul(e.PowS(e.Abs(e.Sub(p, target)), l.Gamma), e.Greater(target, 0))
	negWeight := e.Mul(e.PowS(p, l.Gamma), e.LessEq(target, 0))
	if l.PosNegWeighted {
		posWeight = e.MulS(posWeight, l.Alpha)
		negWeight = e.MulS(negWeight, 1-l.Alpha)
	}
	loss := e.Mul(e.Add(posWeight, negWeight), SigmoidCrossEntropyWithLogits(e, logits, target))
	return applyWeights(e, loss, weights)
}

// Classification is implemented by the sigmoid classification losses.
type Classification interface {
	Forward(e *nn.Expr, logits, target, weights *G.Node) *G.Node
}

// NewClassification returns the classification loss registered under name. The empty name
// selects the sigmoid focal loss.
func NewClassification(name string) (Classification, error) {
	switch name {
	case "", "SigmoidFocal", "SigmoidFocalClassificationLoss":
		return NewSigmoidFocal(), nil
	case "SigmoidVariFocal", "SigmoidVariFocalClassificationLoss":
		return NewSigmoidVariFocal(), nil
	case "SigmoidQualityFocal", "SigmoidQualityFocalClassificationLoss":
		return NewSigmoidQualityFocal(), nil
	}
	return nil, errors.Wrapf(ErrUnknownLoss, "classification loss %q", name)
}

// ErrUnknownLoss is returned for loss names that are not implemented.
var ErrUnknownLoss = errors.New("unknown loss")

// WeightedCrossEntropy is the softmax cross entropy against the argmax of one-hot targets,
// scaled by anchor-wise weights.
type WeightedCrossEntropy struct{}

// Forward returns the (B, A) loss for (B, A, C) logits and targets and (B, A) weights.
func (WeightedCrossEntropy) Forward(e *nn.Expr, logits, target, weights *G.Node) *G.Node {
	last := logits.Dims() - 1
	m := e.Max(logits, last)
	if e.HasError() {
		return nil
	}
	shifted := e.BSub(logits, e.Reshape(m, append(m.Shape().Clone(), 1)...), byte(last))
	lse := e.Add(m, e.Log(e.Sum(e.Exp(shifted), last)))
	picked := e.Sum(e.Mul(logits, e.ArgmaxOneHot(target)), last)
	loss := e.Sub(lse, picked)
	if weights == nil {
		return loss
	}
	return e.Mul(loss, weights)
}
