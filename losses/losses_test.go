package losses

import (
	"math"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/nn"
)

func evaluate(t *testing.T, g *G.ExprGraph, e *nn.Expr, nodes ...*G.Node) [][]float32 {
	t.Helper()
	require.NoError(t, e.Err())
	vm := G.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())
	out := make([][]float32, len(nodes))
	for i, n := range nodes {
		v, err := nn.Float32s(n)
		require.NoError(t, err)
		out[i] = append([]float32(nil), v...)
	}
	return out
}

func constant(e *nn.Expr, data []float32, shape ...int) *G.Node {
	return e.Const("c", nn.FromSlice(data, shape...))
}

func assertClose(t *testing.T, want []float64, got []float32, delta float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], delta, "element %d", i)
	}
}

func TestClassificationLosses(t *testing.T) {
	ln2 := math.Log(2)
	tests := []struct {
		name   string
		loss   Classification
		target []float32
		want   []float64
	}{
		{
			name:   "focal",
			loss:   NewSigmoidFocal(),
			target: []float32{1, 0},
			want:   []float64{0.0625 * ln2, 2 * 0.1875 * ln2},
		},
		{
			name:   "varifocal",
			loss:   NewSigmoidVariFocal(),
			target: []float32{0.6, 0},
			want:   []float64{0.6 * ln2, 2 * 0.0625 * ln2},
		},
		{
			name:   "quality focal",
			loss:   NewSigmoidQualityFocal(),
			target: []float32{0.6, 0},
			want:   []float64{0.01 * ln2, 2 * 0.25 * ln2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := G.NewGraph()
			e := nn.NewExpr(g)
			logits := constant(e, []float32{0, 0}, 1, 2, 1)
			target := constant(e, tt.target, 1, 2, 1)
			weights := constant(e, []float32{1, 2}, 1, 2)
			loss := tt.loss.Forward(e, logits, target, weights)
			got := evaluate(t, g, e, loss)
			assert.Equal(t, []int{1, 2, 1}, []int(loss.Shape()))
			assertClose(t, tt.want, got[0], 1e-6)
		})
	}
}

func TestNewClassification(t *testing.T) {
	l, err := NewClassification("SigmoidVariFocal")
	require.NoError(t, err)
	assert.Equal(t, NewSigmoidVariFocal(), l)

	l, err = NewClassification("")
	require.NoError(t, err)
	assert.Equal(t, NewSigmoidFocal(), l)

	_, err = NewClassification("Softmax")
	assert.ErrorIs(t, err, ErrUnknownLoss)
}

func TestFocalWeightShapeMismatch(t *testing.T) {
	g := G.NewGraph()
	e := nn.NewExpr(g)
	logits := constant(e, make([]float32, 8), 2, 2, 2)
	weights := constant(e, make([]float32, 2), 2)
	assert.Nil(t, NewSigmoidFocal().Forward(e, logits, logits, weights))
	assert.ErrorIs(t, e.Err(), nn.ErrShapeMismatch)
}

func TestWeightedSmoothL1(t *testing.T) {
	nan := float32(math.NaN())
	g := G.NewGraph()
	e := nn.NewExpr(g)
	input := constant(e, []float32{0, 0, 0}, 1, 1, 3)
	target := constant(e, []float32{0.05, 1, nan}, 1, 1, 3)
	weights := constant(e, []float32{2}, 1, 1)

	smooth := NewWeightedSmoothL1([]float32{1, 2, 1}).Forward(e, input, target, weights)
	l1 := WeightedL1{CodeWeights: []float32{1, 2, 1}}.Forward(e, input, target, weights)
	plain := WeightedSmoothL1{Beta: 0}.Forward(e, input, target, nil)
	got := evaluate(t, g, e, smooth, l1, plain)

	assertClose(t, []float64{0.0225, 2 * (2 - 0.5/9.0), 0}, got[0], 1e-5)
	assertClose(t, []float64{0.1, 4, 0}, got[1], 1e-6)
	assertClose(t, []float64{0.05, 1, 0}, got[2], 1e-6)
}

func TestCodeWeightsLeaveSharedDifference(t *testing.T) {
	g := G.NewGraph()
	e := nn.NewExpr(g)
	input := constant(e, []float32{0, 0, 0}, 1, 1, 3)
	target := constant(e, []float32{0.5, 1, -3}, 1, 1, 3)

	// Both losses build the same difference node; only one scales it.
	weighted := WeightedL1{CodeWeights: []float32{1, 2, 1}}.Forward(e, input, target, nil)
	plain := WeightedL1{}.Forward(e, input, target, nil)
	got := evaluate(t, g, e, weighted, plain)

	assertClose(t, []float64{0.5, 2, 3}, got[0], 1e-6)
	assertClose(t, []float64{0.5, 1, 3}, got[1], 1e-6)
}

func TestSmoothL1WeightsMustMatchAnchors(t *testing.T) {
	g := G.NewGraph()
	e := nn.NewExpr(g)
	input := constant(e, make([]float32, 6), 1, 2, 3)
	weights := constant(e, []float32{1, 1, 1}, 1, 3)
	assert.Nil(t, NewWeightedSmoothL1(nil).Forward(e, input, input, weights))
	assert.ErrorIs(t, e.Err(), nn.ErrShapeMismatch)
}

func TestWeightedCrossEntropy(t *testing.T) {
	g := G.NewGraph()
	e := nn.NewExpr(g)
	logits := constant(e, []float32{0, 0, 2, 0}, 1, 2, 2)
	target := constant(e, []float32{0, 1, 1, 0}, 1, 2, 2)
	weights := constant(e, []float32{3, 1}, 1, 2)
	loss := WeightedCrossEntropy{}.Forward(e, logits, target, weights)
	got := evaluate(t, g, e, loss)
	assert.Equal(t, []int{1, 2}, []int(loss.Shape()))
	assertClose(t, []float64{3 * math.Log(2), math.Log(1 + math.Exp(-2))}, got[0], 1e-5)
}

func TestBoxCornersMatchHost(t *testing.T) {
	box := common.Box3D{X: 1, Y: -2, Z: 0.5, DX: 4, DY: 2, DZ: 1.5, Heading: 0.7}
	g := G.NewGraph()
	e := nn.NewExpr(g)
	x, y, z := BoxCorners(e, constant(e, box.Slice(), 1, 7), 0)
	got := evaluate(t, g, e, x, y, z)
	for i, c := range box.Corners() {
		assert.InDelta(t, c[0], got[0][i], 1e-5)
		assert.InDelta(t, c[1], got[1][i], 1e-5)
		assert.InDelta(t, c[2], got[2][i], 1e-5)
	}
}

func TestCornerLoss(t *testing.T) {
	gt := []float32{0, 0, 0, 4, 2, 1.5, 0.3}
	flipped := append([]float32(nil), gt...)
	flipped[6] += math32.Pi
	shifted := append([]float32(nil), gt...)
	shifted[0] += 0.5

	g := G.NewGraph()
	e := nn.NewExpr(g)
	pred := constant(e, append(append(append([]float32(nil), gt...), flipped...), shifted...), 3, 7)
	target := constant(e, append(append(append([]float32(nil), gt...), gt...), gt...), 3, 7)
	loss := CornerLoss(e, pred, target)
	got := evaluate(t, g, e, loss)
	assert.Equal(t, []int{3}, []int(loss.Shape()))
	assertClose(t, []float64{0, 0, 0.125}, got[0], 1e-4)
}

func TestGridifyIoU3DLoss(t *testing.T) {
	sigmoid := func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
	s := 0.0
	for i := 0; i < 10; i++ {
		s += 1 - sigmoid(10*(math.Abs((float64(i)+0.5)/10-0.5)-0.5))
	}
	inter := s * s * s / 1000
	same := 1 - inter/(2-inter)

	g := G.NewGraph()
	e := nn.NewExpr(g)
	gt := constant(e, []float32{0, 0, 0, 1, 1, 1, 0, 0, 0, 0, 1, 1, 1, 0}, 2, 7)
	pred := constant(e, []float32{0, 0, 0, 1, 1, 1, 0, 20, 0, 0, 1, 1, 1, 0}, 2, 7)
	loss := GridifyIoU3DLoss(e, gt, pred, 10)
	got := evaluate(t, g, e, loss)
	assertClose(t, []float64{same, 1}, got[0], 1e-4)
}

func TestDenseGridOffsets(t *testing.T) {
	ox, oy, oz := DenseGridOffsets(2)
	assert.Equal(t, []float32{-0.25, -0.25, -0.25, -0.25, 0.25, 0.25, 0.25, 0.25}, ox)
	assert.Equal(t, []float32{-0.25, -0.25, 0.25, 0.25, -0.25, -0.25, 0.25, 0.25}, oy)
	assert.Equal(t, []float32{-0.25, 0.25, -0.25, 0.25, -0.25, 0.25, -0.25, 0.25}, oz)
}

func TestCenterNetFocal(t *testing.T) {
	tests := []struct {
		name string
		gt   []float32
		want float64
	}{
		{name: "with positive", gt: []float32{1, 0}, want: 0.1822125371925547},
		{name: "no positive", gt: []float32{0.5, 0}, want: 0.019756166748817534},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := G.NewGraph()
			e := nn.NewExpr(g)
			pred := constant(e, []float32{0.5, 0.2}, 1, 1, 1, 2)
			gt := constant(e, tt.gt, 1, 1, 1, 2)
			plain := CenterNetFocalLoss{}.Forward(e, pred, gt)
			masked := FocalLossCenterNet{}.Forward(e, pred, gt, constant(e, []float32{1, 1}, 1, 1, 2))
			got := evaluate(t, g, e, plain, masked)
			assert.InDelta(t, tt.want, got[0][0], 1e-5)
			assert.InDelta(t, tt.want, got[1][0], 1e-5)
		})
	}
}

func TestFocalLossCenterNetMask(t *testing.T) {
	g := G.NewGraph()
	e := nn.NewExpr(g)
	pred := constant(e, []float32{0.5, 0.2}, 1, 1, 1, 2)
	gt := constant(e, []float32{1, 0}, 1, 1, 1, 2)
	loss := FocalLossCenterNet{}.Forward(e, pred, gt, constant(e, []float32{0, 1}, 1, 1, 2))
	got := evaluate(t, g, e, loss)
	assert.InDelta(t, -math.Log(0.8)*0.04, got[0][0], 1e-6)
}

func TestCenterNetRegressionLosses(t *testing.T) {
	nan := float32(math.NaN())
	g := G.NewGraph()
	e := nn.NewExpr(g)
	output := constant(e, []float32{1, 2, 3, 4}, 1, 2, 1, 2)
	mask := constant(e, []float32{1, 0}, 1, 2)
	ind := constant(e, []float32{1, 0}, 1, 2)
	target := constant(e, []float32{1.5, nan, 9, 9}, 1, 2, 2)

	gathered := TransposeAndGather(e, output, ind)
	reg := CenterNetRegLoss{}.Forward(e, output, mask, ind, target)
	smooth := CenterNetSmoothRegLoss{}.Forward(e, output, mask, ind, target)
	clamped := RegLossCenterNet{}.Forward(e, output, mask, ind, target)
	got := evaluate(t, g, e, gathered, reg, smooth, clamped)

	assert.Equal(t, []float32{2, 4, 1, 3}, got[0])
	assertClose(t, []float64{0.5 / 1.0001, 0}, got[1], 1e-6)
	assertClose(t, []float64{(0.5 - 0.5/9) / 1.0001, 0}, got[2], 1e-6)
	assertClose(t, []float64{0.5, 0}, got[3], 1e-6)
}

func TestRegLossCenterNetWithoutPositives(t *testing.T) {
	g := G.NewGraph()
	e := nn.NewExpr(g)
	pred := constant(e, []float32{1, 2}, 1, 1, 2)
	mask := constant(e, []float32{0}, 1, 1)
	target := constant(e, []float32{0, 0}, 1, 1, 2)
	loss := RegLossCenterNet{}.Forward(e, pred, mask, nil, target)
	got := evaluate(t, g, e, loss)
	assert.Equal(t, []float32{0, 0}, got[0])
}

func TestComputeFGMask(t *testing.T) {
	masks := ComputeFGMask([][]Box2D{
		{{0.5, 0.5, 2.2, 1.0}},
		{{-3, 1, 100, 2}},
	}, 2, 4, 1)
	require.Len(t, masks, 2)
	assert.Equal(t, []bool{true, true, true, false, false, false, false, false}, masks[0])
	assert.Equal(t, []bool{false, false, false, false, true, true, true, true}, masks[1])

	down := ComputeFGMask([][]Box2D{{{2, 2, 3, 3}}}, 2, 2, 2)
	assert.Equal(t, []bool{false, false, false, true}, down[0])
}
