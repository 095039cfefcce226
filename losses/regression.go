package losses

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/nn"
)

// SmoothL1 is 0.5*x^2/beta where |x| < beta and |x| - 0.5*beta elsewhere. For beta below 1e-5
// it is the L1 loss.
func SmoothL1(e *nn.Expr, diff *G.Node, beta float32) *G.Node {
	n := e.Abs(diff)
	if beta < 1e-5 {
		return n
	}
	inner := e.Less(n, beta)
	return e.Where(inner, e.MulS(e.Square(n), 0.5/beta), e.AddS(n, -0.5*beta))
}

// maskedDiff returns input - target with NaN targets contributing a zero difference, then
// scaled by the code weights.
func maskedDiff(e *nn.Expr, input, target *G.Node, codeWeights []float32) *G.Node {
	diff := e.Mul(e.Sub(input, e.NaNToZero(target)), e.NotNaN(target))
	if len(codeWeights) > 0 {
		diff = e.MulTrailing(diff, codeWeights)
	}
	return diff
}

func checkAnchorWeights(e *nn.Expr, loss, weights *G.Node) *G.Node {
	if weights == nil || loss == nil {
		return loss
	}
	ls, ws := loss.Shape(), weights.Shape()
	if len(ws) != 2 || ws[0] != ls[0] || ws[1] != ls[1] {
		e.Fail(errors.Wrapf(nn.ErrShapeMismatch, "weights %v for loss %v", ws, ls))
		return nil
	}
	return e.MulRows(loss, weights)
}

// WeightedSmoothL1 is the code-wise weighted smooth L1 loss.
type WeightedSmoothL1 struct {
	Beta        float32
	CodeWeights []float32
}

// NewWeightedSmoothL1 returns the smooth L1 loss with beta 1/9.
func NewWeightedSmoothL1(codeWeights []float32) WeightedSmoothL1 {
	return WeightedSmoothL1{Beta: 1.0 / 9.0, CodeWeights: codeWeights}
}

// Forward returns the (B, A, codes) loss. weights may be nil or (B, A).
func (l WeightedSmoothL1) Forward(e *nn.Expr, input, target, weights *G.Node) *G.Node {
	loss := SmoothL1(e, maskedDiff(e, input, target, l.CodeWeights), l.Beta)
	return checkAnchorWeights(e, loss, weights)
}

// WeightedL1 is the code-wise weighted L1 loss.
type WeightedL1 struct {
	CodeWeights []float32
}

func (l WeightedL1) Forward(e *nn.Expr, input, target, weights *G.Node) *G.Node {
	loss := e.Abs(maskedDiff(e, input, target, l.CodeWeights))
	return checkAnchorWeights(e, loss, weights)
}
