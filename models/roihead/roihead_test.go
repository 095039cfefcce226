package roihead

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/models/densehead"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/nn"
)

func targetConfig(perImage int) config.RoITargetConfig {
	return config.RoITargetConfig{
		BoxCoder:             "ResidualCoder",
		RoIPerImage:          perImage,
		FGRatio:              0.5,
		SampleRoIByEachClass: true,
		ClsScoreType:         ClsScoreRoIIoU,
		ClsFGThresh:          0.75,
		ClsBGThresh:          0.25,
		ClsBGThreshLo:        0.1,
		HardBGRatio:          0.8,
		RegFGThresh:          0.55,
	}
}

var car = common.Box3D{X: 10, Y: 2, Z: -1, DX: 3.9, DY: 1.6, DZ: 1.56, Heading: 0.3}

func TestSample(t *testing.T) {
	far := car
	far.X += 20

	t.Run("foreground first", func(t *testing.T) {
		l := NewProposalTargetLayer(targetConfig(4), densehead.ResidualCoder{}, 1)
		props := []Proposal{{Box: far, Score: 0.2, Label: 1}, {Box: car, Score: 0.9, Label: 1}}
		out := l.Sample(props, []common.Box3D{car}, []int{1})
		require.Len(t, out, 4)
		assert.InDelta(t, 1, out[0].IoU, 1e-4)
		assert.Equal(t, car, out[0].Box)
		assert.Equal(t, 1, out[0].GTLabel)
		for _, s := range out[1:] {
			assert.Equal(t, far, s.Box)
			assert.Zero(t, s.IoU)
		}
	})

	t.Run("foreground only", func(t *testing.T) {
		l := NewProposalTargetLayer(targetConfig(4), densehead.ResidualCoder{}, 1)
		out := l.Sample([]Proposal{{Box: car, Label: 1}}, []common.Box3D{car}, []int{1})
		require.Len(t, out, 4)
		for _, s := range out {
			assert.Equal(t, car, s.Box)
		}
	})

	t.Run("other class is background", func(t *testing.T) {
		l := NewProposalTargetLayer(targetConfig(2), densehead.ResidualCoder{}, 1)
		out := l.Sample([]Proposal{{Box: car, Label: 2}}, []common.Box3D{car}, []int{1})
		require.Len(t, out, 2)
		assert.Zero(t, out[0].IoU)
	})

	t.Run("no ground truth", func(t *testing.T) {
		l := NewProposalTargetLayer(targetConfig(3), densehead.ResidualCoder{}, 1)
		out := l.Sample([]Proposal{{Box: car, Label: 1}}, nil, nil)
		require.Len(t, out, 3)
		for _, s := range out {
			assert.Zero(t, s.IoU)
			assert.Zero(t, s.GTLabel)
			assert.True(t, s.GT.IsZero())
		}
	})
}

func TestClsLabel(t *testing.T) {
	iou := NewProposalTargetLayer(targetConfig(1), densehead.ResidualCoder{}, 0)
	assert.Equal(t, float32(1), iou.ClsLabel(0.8))
	assert.Equal(t, float32(0), iou.ClsLabel(0.1))
	assert.InDelta(t, 0.5, iou.ClsLabel(0.5), 1e-6)

	cfg := targetConfig(1)
	cfg.ClsScoreType = ClsScoreCls
	cls := NewProposalTargetLayer(cfg, densehead.ResidualCoder{}, 0)
	assert.Equal(t, float32(1), cls.ClsLabel(0.8))
	assert.Equal(t, float32(-1), cls.ClsLabel(0.5))
	assert.Equal(t, float32(0), cls.ClsLabel(0.2))

	assert.True(t, iou.RegValid(0.6))
	assert.False(t, iou.RegValid(0.55))
}

func TestCanonical(t *testing.T) {
	got := Canonical(car, car)
	assert.InDelta(t, 0, got.X, 1e-5)
	assert.InDelta(t, 0, got.Y, 1e-5)
	assert.InDelta(t, 0, got.Heading, 1e-5)
	assert.Equal(t, car.DX, got.DX)

	roi := common.Box3D{X: 1, Y: 1, DX: 4, DY: 2, DZ: 1, Heading: math32.Pi / 2}
	gt := common.Box3D{X: 1, Y: 2, Z: 0.5, DX: 4, DY: 2, DZ: 1, Heading: -math32.Pi / 2}
	got = Canonical(gt, roi)
	assert.InDelta(t, 1, got.X, 1e-5)
	assert.InDelta(t, 0, got.Y, 1e-5)
	assert.InDelta(t, 0.5, got.Z, 1e-6)
	// Opposite headings share the target.
	assert.InDelta(t, 0, got.Heading, 1e-5)

	l := NewProposalTargetLayer(targetConfig(1), densehead.ResidualCoder{}, 0)
	code := make([]float32, 7)
	l.RegTarget(SampledRoI{Proposal: Proposal{Box: roi}, GT: gt}, code)
	diag := math32.Sqrt(4*4 + 2*2)
	assert.InDelta(t, 1/diag, code[0], 1e-5)
	assert.InDelta(t, 0, code[3], 1e-6)
}

func TestBEVGridPool(t *testing.T) {
	p := &BEVGridPool{GridSize: 3, Channels: 2, Height: 8, Width: 8, CellX: 1, CellY: 1}
	features := make([]float32, 2*8*8)
	for i := range features {
		features[i] = 1
		if i >= 64 {
			features[i] = 2
		}
	}
	out := make([]float32, 2*3*3)
	p.Pool(features, common.Box3D{X: 4, Y: 4, DX: 2, DY: 2, DZ: 1, Heading: 0.3}, out)
	for i, v := range out {
		want := float32(1)
		if i >= 9 {
			want = 2
		}
		assert.InDelta(t, want, v, 1e-5, "sample %d", i)
	}

	p.Pool(features, common.Box3D{X: 100, Y: 100, DX: 2, DY: 2, DZ: 1}, out)
	for _, v := range out {
		assert.Zero(t, v)
	}
}

func headConfig() config.RoIHeadConfig {
	nms := config.NMSConfig{NMSType: "nms_gpu", NMSThresh: 0.7, NMSPreMaxSize: 10, NMSPostMaxSize: 3}
	return config.RoIHeadConfig{
		Name:          "SECONDHead",
		ClassAgnostic: true,
		SharedFC:      []int{4},
		IoUFC:         []int{4},
		DPRatio:       0.3,
		NMSConfig:     config.ModeNMS{Train: nms, Test: nms},
		RoIGridPool:   config.RoIGridPool{GridSize: 3, InChannel: 2, DownsampleRatio: 1},
		TargetConfig:  targetConfig(4),
		LossConfig: config.LossConfig{
			IoULoss:     LossBinaryCrossEntropy,
			LossWeights: config.LossWeights{RCNNIoUWeight: 1},
		},
	}
}

func headInfo(training bool) *model.Info {
	return &model.Info{
		NumClass:       1,
		ClassNames:     []string{"Car"},
		Batch:          dataset.Shape{Size: 1, MaxObjects: 2},
		Training:       training,
		GridSize:       [3]int{8, 8, 1},
		VoxelSize:      [3]float32{1, 1, 4},
		PointRange:     [6]float32{0, 0, -3, 8, 8, 1},
		NumBEVFeatures: 2,
		BEVStride:      1,
	}
}

// firstStage writes dense head style predictions for two boxes.
func firstStage(g *G.ExprGraph, d *model.DataDict) (common.Box3D, common.Box3D) {
	a := common.Box3D{X: 2, Y: 2, Z: -1, DX: 2, DY: 1, DZ: 1.5}
	b := common.Box3D{X: 6, Y: 6, Z: -1, DX: 2, DY: 1, DZ: 1.5, Heading: 1}
	boxes := append(a.Slice(), b.Slice()...)
	d.Set(model.KeyBatchBoxPreds, nn.Const(g, "boxes", nn.FromSlice(boxes, 1, 2, 7)))
	d.Set(model.KeyBatchClsPreds, nn.Const(g, "cls", nn.FromSlice([]float32{-1, 2}, 1, 2, 1)))
	d.Set(model.KeySpatialFeatures2D, nn.Const(g, "bev", nn.Zeros(1, 2, 8, 8)))
	return a, b
}

func TestSECONDHeadPredict(t *testing.T) {
	g := G.NewGraph()
	m, err := Build(g, headConfig(), headInfo(false))
	require.NoError(t, err)
	h := m.(*SECONDHead)
	assert.Equal(t, "SECONDHead", h.Name())

	d := model.NewDataDict(g, 1, false)
	a, b := firstStage(g, d)
	require.NoError(t, h.Forward(d))
	assert.False(t, d.Flag(model.KeyClsPredsNormalized))
	assert.False(t, d.Flag(model.KeyHasClassLabels))
	_, err = d.GetShape(model.KeyBatchClsPreds, 1, 3, 1)
	require.NoError(t, err)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())

	p, err := h.Predict(d, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, p.NumBoxes)
	assert.Equal(t, 1, p.NumScores)
	assert.Len(t, p.Scores, 3)
	assert.Equal(t, []int32{1, 1, 0}, p.Labels)
	assert.Equal(t, b.Slice(), p.Boxes[:7])
	assert.Equal(t, a.Slice(), p.Boxes[7:14])
	assert.Equal(t, []float32{2, -1, 0}, p.RoIScores)
}

func TestSECONDHeadLoss(t *testing.T) {
	g := G.NewGraph()
	h, err := NewSECONDHead(g, "SECONDHead", headConfig(), headInfo(true))
	require.NoError(t, err)
	assert.Equal(t, 4, h.NumRoIs())

	d := model.NewDataDict(g, 1, true)
	_, b := firstStage(g, d)
	require.NoError(t, h.Forward(d))
	_, err = d.GetShape(model.KeyRoIs, 1, 4, 7)
	require.NoError(t, err)

	loss, tb, err := h.Loss(d)
	require.NoError(t, err)
	assert.Contains(t, tb, "rcnn_loss_iou")

	batch := &dataset.Batch{Shape: dataset.Shape{Size: 1, MaxObjects: 2}, Count: 1, GTBoxes: make([]float32, 16)}
	copy(batch.GTBoxes, append(b.Slice(), 1))
	feeds := model.Feeds{}
	require.NoError(t, h.Feed(batch, feeds))
	require.Contains(t, feeds, model.KeyGTBoxes)
	require.NoError(t, d.Bind(feeds))

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())

	v, err := nn.ScalarValue(loss)
	require.NoError(t, err)
	assert.False(t, math32.IsNaN(v))
	assert.Greater(t, v, float32(0))

	rois, err := nn.Float32s(h.RoIs())
	require.NoError(t, err)
	// The matching proposal is sampled first.
	assert.Equal(t, b.Slice(), rois[:7])
}

func TestBuild(t *testing.T) {
	m, err := Build(G.NewGraph(), config.RoIHeadConfig{}, headInfo(false))
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = Build(G.NewGraph(), config.RoIHeadConfig{Name: "PVRCNNHead"}, headInfo(false))
	assert.ErrorIs(t, err, model.ErrKernelRequired)

	_, err = Build(G.NewGraph(), config.RoIHeadConfig{Name: "Nope"}, headInfo(false))
	assert.ErrorIs(t, err, model.ErrUnknownModule)

	cfg := headConfig()
	cfg.RoIGridPool.InChannel = 3
	_, err = Build(G.NewGraph(), cfg, headInfo(false))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
