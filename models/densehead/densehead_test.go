package densehead

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/nn"
)

func runGraph(t *testing.T, g *G.ExprGraph) {
	t.Helper()
	vm := G.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())
}

func anchorConfigs(stride int, align bool) []config.AnchorGeneratorConfig {
	return []config.AnchorGeneratorConfig{
		{
			ClassName:           "Car",
			AnchorSizes:         [][]float32{{3.9, 1.6, 1.56}},
			AnchorRotations:     []float32{0, 1.57},
			AnchorBottomHeights: []float32{-1.78},
			AlignCenter:         align,
			FeatureMapStride:    stride,
			MatchedThreshold:    0.6,
			UnmatchedThreshold:  0.45,
		},
		{
			ClassName:           "Pedestrian",
			AnchorSizes:         [][]float32{{0.8, 0.6, 1.73}},
			AnchorRotations:     []float32{0, 1.57},
			AnchorBottomHeights: []float32{-0.6},
			AlignCenter:         align,
			FeatureMapStride:    stride,
			MatchedThreshold:    0.5,
			UnmatchedThreshold:  0.35,
		},
	}
}

func TestAnchorGenerator(t *testing.T) {
	pcRange := [6]float32{0, 0, -2, 4, 4, 2}

	t.Run("aligned", func(t *testing.T) {
		gen, err := NewAnchorGenerator(pcRange, anchorConfigs(2, true))
		require.NoError(t, err)
		anchors, err := gen.Generate([3]int{4, 4, 1})
		require.NoError(t, err)
		require.Len(t, anchors, 2)

		car := anchors[0]
		assert.Equal(t, 2, car.NY)
		assert.Equal(t, 2, car.NX)
		assert.Equal(t, 2, car.PerLoc)
		assert.Len(t, car.Boxes, 8)
		a := car.At(1, 0, 1)
		assert.Equal(t, float32(1), a.X)
		assert.Equal(t, float32(3), a.Y)
		assert.InDelta(t, -1.78+0.78, a.Z, 1e-6)
		assert.Equal(t, float32(1.57), a.Heading)
	})

	t.Run("corners", func(t *testing.T) {
		gen, err := NewAnchorGenerator(pcRange, anchorConfigs(2, false))
		require.NoError(t, err)
		anchors, err := gen.Generate([3]int{4, 4, 1})
		require.NoError(t, err)
		assert.Equal(t, float32(0), anchors[0].At(0, 0, 0).X)
		assert.Equal(t, float32(4), anchors[0].At(0, 1, 0).X)
	})

	t.Run("interleave", func(t *testing.T) {
		gen, err := NewAnchorGenerator(pcRange, anchorConfigs(2, true))
		require.NoError(t, err)
		anchors, err := gen.Generate([3]int{4, 4, 1})
		require.NoError(t, err)
		flat, err := Interleave(anchors)
		require.NoError(t, err)
		require.Len(t, flat, 16)
		assert.Equal(t, float32(3.9), flat[0].DX)
		assert.Equal(t, float32(3.9), flat[1].DX)
		assert.Equal(t, float32(0.8), flat[2].DX)
		assert.Equal(t, float32(0.8), flat[3].DX)
		assert.Equal(t, float32(3), flat[4].X)
		assert.Equal(t, float32(1), flat[4].Y)
	})

	t.Run("mismatched maps", func(t *testing.T) {
		cfgs := anchorConfigs(2, true)
		cfgs[1].FeatureMapStride = 1
		gen, err := NewAnchorGenerator(pcRange, cfgs)
		require.NoError(t, err)
		anchors, err := gen.Generate([3]int{4, 4, 1})
		require.NoError(t, err)
		_, err = Interleave(anchors)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := NewAnchorGenerator(pcRange, nil)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
		cfgs := anchorConfigs(0, true)
		_, err = NewAnchorGenerator(pcRange, cfgs)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
		cfgs = anchorConfigs(2, true)
		cfgs[0].AnchorSizes = [][]float32{{1, 2}}
		_, err = NewAnchorGenerator(pcRange, cfgs)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})
}

func TestResidualCoderRoundTrip(t *testing.T) {
	anchor := common.Box3D{X: 1, Y: 2, Z: -1, DX: 3.9, DY: 1.6, DZ: 1.56, Heading: 0.3}
	gt := common.Box3D{X: 1.5, Y: 1.2, Z: -0.8, DX: 4.2, DY: 1.7, DZ: 1.4, Heading: 1.1}

	for _, sincos := range []bool{false, true} {
		c := ResidualCoder{SinCos: sincos}
		code := make([]float32, c.CodeSize())
		c.Encode(gt, anchor, code)
		got := c.Decode(code, anchor)
		assert.InDelta(t, gt.X, got.X, 1e-5)
		assert.InDelta(t, gt.Y, got.Y, 1e-5)
		assert.InDelta(t, gt.Z, got.Z, 1e-5)
		assert.InDelta(t, gt.DX, got.DX, 1e-5)
		assert.InDelta(t, gt.DY, got.DY, 1e-5)
		assert.InDelta(t, gt.DZ, got.DZ, 1e-5)
		assert.InDelta(t, gt.Heading, got.Heading, 1e-5)
	}

	_, err := NewResidualCoder(config.TargetAssignerConfig{BoxCoder: "PointResidualCoder"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func assignerFixture() []ClassAnchors {
	return []ClassAnchors{{
		Name:   "Car",
		NY:     1,
		NX:     2,
		PerLoc: 1,
		Boxes: []common.Box3D{
			{X: 1, Y: 1, DX: 2, DY: 2, DZ: 2},
			{X: 10, Y: 10, DX: 2, DY: 2, DZ: 2},
		},
		Matched:   0.6,
		Unmatched: 0.45,
	}}
}

func TestAxisAlignedTargetAssigner(t *testing.T) {
	cfg := config.TargetAssignerConfig{PosFraction: -1}
	coder := ResidualCoder{}

	t.Run("matched", func(t *testing.T) {
		ta, err := NewAxisAlignedTargetAssigner(cfg, []string{"Car"}, coder, 0)
		require.NoError(t, err)
		gt := []common.Box3D{{X: 1, Y: 1, DX: 2, DY: 2, DZ: 2}}
		got := ta.Assign(assignerFixture(), gt, []int{1})
		assert.Equal(t, []int32{1, 0}, got.Labels)
		assert.Equal(t, []float32{1, 0}, got.RegWeights)
		assert.Equal(t, make([]float32, 14), got.RegTargets)
	})

	t.Run("forced match below threshold", func(t *testing.T) {
		ta, err := NewAxisAlignedTargetAssigner(cfg, []string{"Car"}, coder, 0)
		require.NoError(t, err)
		gt := []common.Box3D{{X: 2, Y: 1, DX: 2, DY: 2, DZ: 2}}
		got := ta.Assign(assignerFixture(), gt, []int{1})
		assert.Equal(t, []int32{1, 0}, got.Labels)
		assert.InDelta(t, 1/math32.Sqrt(8), got.RegTargets[0], 1e-6)
	})

	t.Run("other class is ignored", func(t *testing.T) {
		ta, err := NewAxisAlignedTargetAssigner(cfg, []string{"Car", "Cyclist"}, coder, 0)
		require.NoError(t, err)
		gt := []common.Box3D{{X: 1, Y: 1, DX: 2, DY: 2, DZ: 2}}
		got := ta.Assign(assignerFixture(), gt, []int{2})
		assert.Equal(t, []int32{0, 0}, got.Labels)
		assert.Equal(t, []float32{0, 0}, got.RegWeights)
	})

	t.Run("no ground truth", func(t *testing.T) {
		ta, err := NewAxisAlignedTargetAssigner(cfg, []string{"Car"}, coder, 0)
		require.NoError(t, err)
		got := ta.Assign(assignerFixture(), nil, nil)
		assert.Equal(t, []int32{0, 0}, got.Labels)
	})

	t.Run("norm by examples", func(t *testing.T) {
		c := cfg
		c.NormByNumExamples = true
		ta, err := NewAxisAlignedTargetAssigner(c, []string{"Car"}, coder, 0)
		require.NoError(t, err)
		gt := []common.Box3D{{X: 1, Y: 1, DX: 2, DY: 2, DZ: 2}}
		got := ta.Assign(assignerFixture(), gt, []int{1})
		assert.Equal(t, []float32{0.5, 0}, got.RegWeights)
	})

	t.Run("sampling caps positives", func(t *testing.T) {
		c := config.TargetAssignerConfig{PosFraction: 0.5, SampleSize: 2}
		ta, err := NewAxisAlignedTargetAssigner(c, []string{"Car"}, coder, 7)
		require.NoError(t, err)
		anchors := assignerFixture()
		anchors[0].Boxes[1] = anchors[0].Boxes[0]
		gt := []common.Box3D{{X: 1, Y: 1, DX: 2, DY: 2, DZ: 2}}
		got := ta.Assign(anchors, gt, []int{1})
		assert.Len(t, positives(got.Labels), 1)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := NewAxisAlignedTargetAssigner(config.TargetAssignerConfig{PosFraction: 0.25}, nil, coder, 0)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
		_, err = NewAxisAlignedTargetAssigner(config.TargetAssignerConfig{Name: "ATSS", PosFraction: -1}, nil, coder, 0)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})
}

func TestGaussian(t *testing.T) {
	assert.Greater(t, GaussianRadius(4, 4, 0.1), GaussianRadius(2, 2, 0.1))
	assert.Greater(t, GaussianRadius(2, 2, 0.1), float32(0))

	heat := make([]float32, 25)
	DrawGaussian(heat, 5, 5, 2.4, 2.7, 1)
	assert.Equal(t, float32(1), heat[12])
	assert.InDelta(t, math32.Exp(-2), heat[7], 1e-6)
	assert.InDelta(t, math32.Exp(-4), heat[6], 1e-6)
	assert.Zero(t, heat[0])

	// a weaker gaussian never lowers an existing peak
	DrawGaussian(heat, 5, 5, 3, 2, 1)
	assert.Equal(t, float32(1), heat[12])
	assert.Equal(t, float32(1), heat[13])

	// clipped at the border
	edge := make([]float32, 9)
	DrawGaussian(edge, 3, 3, 0, 0, 2)
	assert.Equal(t, float32(1), edge[0])
}

func TestCenterAssigner(t *testing.T) {
	a := &centerAssigner{
		pcRange:   [6]float32{0, 0, -2, 8, 8, 2},
		voxelSize: [3]float32{1, 1, 4},
		stride:    2,
		ny:        4,
		nx:        4,
		maxObjs:   2,
		overlap:   0.1,
		minRadius: 2,
	}
	gt := []common.Box3D{
		{X: 3, Y: 5, Z: 0.5, DX: 2, DY: 2, DZ: 1.5},
		{X: 1, Y: 1, Z: 0, DX: 2, DY: 2, DZ: 1.5},
	}
	got := a.assign(1, gt, []int{1, 0})
	assert.Equal(t, []float32{9, 0}, got.inds)
	assert.Equal(t, []float32{1, 0}, got.masks)
	assert.Equal(t, float32(1), got.heatmap[9])
	assert.Greater(t, got.heatmap[8], float32(0))

	row := got.boxes[:centerCodeSize]
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.5, math32.Log(2), math32.Log(2), math32.Log(1.5), 1, 0}, row, 1e-6)
	assert.Equal(t, make([]float32, centerCodeSize), got.boxes[centerCodeSize:])
}

func anchorHeadConfig() config.DenseHeadConfig {
	cfgs := anchorConfigs(1, true)[:1]
	return config.DenseHeadConfig{
		Name:                   "AnchorHeadSingle",
		UseDirectionClassifier: true,
		DirOffset:              0.78539,
		NumDirBins:             2,
		AnchorGeneratorConfig:  cfgs,
		TargetAssignerConfig:   config.TargetAssignerConfig{PosFraction: -1},
		LossConfig: config.LossConfig{
			LossWeights: config.LossWeights{
				ClsWeight:   1,
				LocWeight:   2,
				DirWeight:   0.2,
				CodeWeights: []float32{1, 1, 1, 1, 1, 1, 1},
			},
		},
	}
}

func anchorHeadInfo(training bool) *model.Info {
	return &model.Info{
		NumClass:       1,
		ClassNames:     []string{"Car"},
		Batch:          dataset.Shape{Size: 1, MaxObjects: 2},
		Training:       training,
		GridSize:       [3]int{2, 2, 1},
		VoxelSize:      [3]float32{2, 2, 4},
		PointRange:     [6]float32{0, 0, -2, 4, 4, 2},
		NumBEVFeatures: 2,
		BEVStride:      1,
	}
}

func TestAnchorHeadSinglePredict(t *testing.T) {
	g := G.NewGraph()
	m, err := Build(g, anchorHeadConfig(), anchorHeadInfo(false))
	require.NoError(t, err)
	h := m.(*AnchorHeadSingle)
	// 2x2 locations with two rotations each
	assert.Equal(t, 8, h.NumAnchors())
	assert.Equal(t, 2, h.AnchorsPerLocation())
	assert.Equal(t, 2, h.DirBins())
	assert.Len(t, h.Learnables(), 6)

	d := model.NewDataDict(g, 1, false)
	d.Set(model.KeySpatialFeatures2D, nn.Const(g, "bev", nn.Zeros(1, 2, 2, 2)))
	require.NoError(t, h.Forward(d))
	_, err = d.GetShape(model.KeyBatchBoxPreds, 1, 8, 7)
	require.NoError(t, err)
	assert.False(t, d.Flag(model.KeyClsPredsNormalized))
	runGraph(t, g)

	p, err := h.Predict(d, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, p.NumBoxes)
	require.Len(t, p.Boxes, 8*7)
	assert.Equal(t, 1, p.NumScores)
	for _, s := range p.Scores {
		assert.InDelta(t, -math32.Log(99), s, 1e-4)
	}
	anchors := h.FlatAnchors()
	for k, a := range anchors {
		got := common.BoxFromSlice(p.Boxes[k*7:])
		assert.InDelta(t, a.X, got.X, 1e-5)
		assert.InDelta(t, a.Y, got.Y, 1e-5)
		assert.InDelta(t, a.DX, got.DX, 1e-5)
	}
	// bin 0 wins with zero logits: heading 0 folds to pi, 1.57 stays
	assert.InDelta(t, math32.Pi, p.Boxes[6], 1e-4)
	assert.InDelta(t, 1.57, p.Boxes[7+6], 1e-4)
}

func TestAnchorHeadSingleLoss(t *testing.T) {
	g := G.NewGraph()
	info := anchorHeadInfo(true)
	h, err := NewAnchorHeadSingle(g, anchorHeadConfig(), info, false)
	require.NoError(t, err)

	d := model.NewDataDict(g, 1, true)
	d.Set(model.KeySpatialFeatures2D, nn.Const(g, "bev", nn.Zeros(1, 2, 2, 2)))
	require.NoError(t, h.Forward(d))
	assert.False(t, d.Has(model.KeyBatchBoxPreds))

	b := &dataset.Batch{Shape: info.Batch, Count: 1, NumGT: []int{1}, GTBoxes: make([]float32, 2*dataset.GTDim)}
	common.Box3D{X: 1, Y: 1, Z: -1, DX: 3.9, DY: 1.6, DZ: 1.56}.Put(b.GTBoxes)
	b.GTBoxes[7] = 1

	feeds := model.Feeds{}
	require.NoError(t, h.Feed(b, feeds))
	assert.Empty(t, feeds)

	loss, tb, err := h.Loss(d)
	require.NoError(t, err)
	for _, k := range []string{"rpn_loss_cls", "rpn_loss_loc", "rpn_loss_dir", "rpn_loss"} {
		assert.Contains(t, tb, k)
	}
	require.NoError(t, h.Feed(b, feeds))
	// only the unrotated anchor at the box centre matches
	want := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	assert.Equal(t, want, feeds[keyRegWeights].Data())
	assert.Equal(t, want, feeds[keyDirWeights].Data())
	require.NoError(t, d.Bind(feeds))
	runGraph(t, g)

	v, err := nn.Float32s(loss)
	require.NoError(t, err)
	require.Len(t, v, 1)
	assert.Greater(t, v[0], float32(0))
	assert.False(t, math32.IsNaN(v[0]))
}

func TestAnchorHeadRejectsMismatchedMap(t *testing.T) {
	info := anchorHeadInfo(false)
	info.BEVStride = 2
	_, err := NewAnchorHeadSingle(G.NewGraph(), anchorHeadConfig(), info, false)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func centerHeadConfig() config.DenseHeadConfig {
	return config.DenseHeadConfig{
		Name:               "CenterHead",
		ClassNamesEachHead: [][]string{{"Car"}, {"Pedestrian"}},
		SharedConvChannel:  4,
		SeparateHeadCfg: config.SeparateHeadConfig{
			HeadOrder: []string{"center", "center_z", "dim", "rot"},
			HeadDict: map[string]config.HeadDictConfig{
				"center":   {OutChannels: 2, NumConv: 2},
				"center_z": {OutChannels: 1, NumConv: 2},
				"dim":      {OutChannels: 3, NumConv: 2},
				"rot":      {OutChannels: 2, NumConv: 2},
			},
		},
		TargetAssignerConfig: config.TargetAssignerConfig{NumMaxObjs: 4, MinRadius: 1},
		LossConfig: config.LossConfig{
			LossWeights: config.LossWeights{ClsWeight: 1, LocWeight: 0.25},
		},
		PostProcessing: config.CenterPostConfig{
			ScoreThresh: 0.05,
			NMSConfig: config.NMSConfig{
				NMSThresh:      0.1,
				NMSPreMaxSize:  100,
				NMSPostMaxSize: 3,
			},
		},
	}
}

func centerHeadInfo() *model.Info {
	return &model.Info{
		NumClass:       2,
		ClassNames:     []string{"Car", "Pedestrian"},
		Batch:          dataset.Shape{Size: 1, MaxObjects: 2},
		GridSize:       [3]int{4, 4, 1},
		VoxelSize:      [3]float32{1, 1, 4},
		PointRange:     [6]float32{0, 0, -2, 4, 4, 2},
		NumBEVFeatures: 2,
		BEVStride:      1,
	}
}

func TestCenterHeadPredict(t *testing.T) {
	g := G.NewGraph()
	m, err := Build(g, centerHeadConfig(), centerHeadInfo())
	require.NoError(t, err)
	h := m.(*CenterHead)
	assert.Equal(t, "CenterHead", h.Name())

	d := model.NewDataDict(g, 1, false)
	d.Set(model.KeySpatialFeatures2D, nn.Const(g, "bev", nn.Zeros(1, 2, 4, 4)))
	require.NoError(t, h.Forward(d))
	_, err = d.GetShape(model.KeyClsPreds, 1, 1, 4, 4)
	require.NoError(t, err)
	_, err = d.GetShape(model.KeyBoxPreds, 1, 8, 4, 4)
	require.NoError(t, err)
	assert.True(t, d.Flag(model.KeyClsPredsNormalized))
	runGraph(t, g)

	p, err := h.Predict(d, nil)
	require.NoError(t, err)
	require.Len(t, p.Final, 1)
	require.Len(t, p.Final[0], 6)
	labels := map[int]int{}
	for _, r := range p.Final[0] {
		labels[r.Label]++
		assert.InDelta(t, 1/(1+math32.Exp(2.19)), r.Score, 1e-4)
		assert.InDelta(t, 1, r.Box.DX, 1e-5)
	}
	assert.Equal(t, map[int]int{1: 3, 2: 3}, labels)
}

func TestCenterHeadLoss(t *testing.T) {
	g := G.NewGraph()
	info := centerHeadInfo()
	info.Training = true
	h, err := NewCenterHead(g, centerHeadConfig(), info)
	require.NoError(t, err)

	d := model.NewDataDict(g, 1, true)
	d.Set(model.KeySpatialFeatures2D, nn.Const(g, "bev", nn.Zeros(1, 2, 4, 4)))
	require.NoError(t, h.Forward(d))
	loss, tb, err := h.Loss(d)
	require.NoError(t, err)
	for _, k := range []string{"hm_loss_head_0", "loc_loss_head_0", "hm_loss_head_1", "loc_loss_head_1", "rpn_loss"} {
		assert.Contains(t, tb, k)
	}

	b := &dataset.Batch{Shape: info.Batch, Count: 1, NumGT: []int{1}, GTBoxes: make([]float32, 2*dataset.GTDim)}
	common.Box3D{X: 2.5, Y: 1.5, Z: 0, DX: 2, DY: 1, DZ: 1.5}.Put(b.GTBoxes)
	b.GTBoxes[7] = 2

	feeds := model.Feeds{}
	require.NoError(t, h.Feed(b, feeds))
	assert.Equal(t, []float32{0, 0, 0, 0}, feeds["masks_0"].Data())
	assert.Equal(t, []float32{1, 0, 0, 0}, feeds["masks_1"].Data())
	assert.Equal(t, []float32{6, 0, 0, 0}, feeds["inds_1"].Data())
	require.NoError(t, d.Bind(feeds))
	runGraph(t, g)

	v, err := nn.Float32s(loss)
	require.NoError(t, err)
	assert.Greater(t, v[0], float32(0))
	assert.False(t, math32.IsNaN(v[0]))
}

func TestCenterHeadInvalid(t *testing.T) {
	cfg := centerHeadConfig()
	cfg.ClassNamesEachHead = [][]string{{"Truck"}}
	_, err := NewCenterHead(G.NewGraph(), cfg, centerHeadInfo())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg = centerHeadConfig()
	cfg.SeparateHeadCfg.HeadOrder = []string{"dim", "center", "center_z", "rot"}
	_, err = NewCenterHead(G.NewGraph(), cfg, centerHeadInfo())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg = centerHeadConfig()
	cfg.TargetAssignerConfig.FeatureMapStride = 8
	_, err = NewCenterHead(G.NewGraph(), cfg, centerHeadInfo())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRegistries(t *testing.T) {
	for _, name := range []string{"AnchorHeadSingle", "AnchorHeadSemi", "CenterHead", "CenterHeadv1", "CenterHeadv2"} {
		assert.True(t, Heads.Implemented(name), name)
	}

	m, err := Build(G.NewGraph(), config.DenseHeadConfig{}, anchorHeadInfo(false))
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = Build(G.NewGraph(), config.DenseHeadConfig{Name: "AnchorHeadMulti"}, anchorHeadInfo(false))
	assert.ErrorIs(t, err, model.ErrUnknownModule)

	_, err = BuildPointHead(G.NewGraph(), config.ModuleConfig{Name: "PointHeadBox"}, anchorHeadInfo(false))
	assert.ErrorIs(t, err, model.ErrKernelRequired)

	cfg := anchorHeadConfig()
	cfg.Name = "AnchorHeadSemi"
	semi, err := Build(G.NewGraph(), cfg, anchorHeadInfo(true))
	require.NoError(t, err)
	assert.Equal(t, "AnchorHeadSemi", semi.Name())
	assert.True(t, semi.(*AnchorHeadSemi).predictBoxes)

	cfg = centerHeadConfig()
	cfg.Name = "CenterHeadv2"
	v2, err := Build(G.NewGraph(), cfg, centerHeadInfo())
	require.NoError(t, err)
	assert.Equal(t, "CenterHeadv2", v2.Name())
}
