package models

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
	"github.com/nvr-ai/go-pcdet/models/postprocess"
)

// fakeHead returns canned predictions.
type fakeHead struct {
	pred *model.Predictions
}

func (f *fakeHead) Learnables() G.Nodes           { return nil }
func (f *fakeHead) SetTraining(bool)              {}
func (f *fakeHead) Name() string                  { return "fake" }
func (f *fakeHead) Forward(*model.DataDict) error { return nil }
func (f *fakeHead) Predict(*model.DataDict, *dataset.Batch) (*model.Predictions, error) {
	return f.pred, nil
}

var (
	boxA = common.Box3D{X: 10, Y: 0, Z: -1, DX: 4, DY: 2, DZ: 1.5}
	boxB = common.Box3D{X: 10.2, Y: 0, Z: -1, DX: 4, DY: 2, DZ: 1.5}
	boxC = common.Box3D{X: 30, Y: 5, Z: -1, DX: 0.8, DY: 0.6, DZ: 1.7}
)

func flatBoxes(boxes ...common.Box3D) []float32 {
	var out []float32
	for _, b := range boxes {
		out = append(out, b.Slice()...)
	}
	return out
}

func testDetector(post PostProcess, pp config.PostProcessingConfig, pred *model.Predictions) *Detector {
	cfg := &config.Config{ClassNames: []string{"Car", "Pedestrian"}}
	cfg.Model.PostProcessing = pp
	spec := Spec{Name: "Test", Post: post}
	g := G.NewGraph()
	return &Detector{
		Spec:    spec,
		Config:  cfg,
		Info:    &model.Info{NumClass: 2, ClassNames: cfg.ClassNames},
		graph:   g,
		data:    model.NewDataDict(g, 1, false),
		modules: []model.Module{&fakeHead{pred: pred}},
		post: &PostProcessor{
			Spec:       spec,
			Config:     pp,
			ClassNames: cfg.ClassNames,
			nms:        postprocess.NewNMSConfig(pp.NMSConfig, 1),
		},
	}
}

func postConfig() config.PostProcessingConfig {
	return config.PostProcessingConfig{
		RecallThreshList: []float32{0.3, 0.7},
		ScoreThresh:      0.1,
		NMSConfig: config.NMSConfig{
			NMSType:        postprocess.NMSRotated,
			NMSThresh:      0.5,
			NMSPreMaxSize:  10,
			NMSPostMaxSize: 10,
		},
	}
}

func oneSample(maxObjects int) *dataset.Batch {
	return &dataset.Batch{
		Shape:   dataset.Shape{Size: 1, MaxObjects: maxObjects},
		Count:   1,
		GTBoxes: make([]float32, maxObjects*dataset.GTDim),
		NumGT:   make([]int, 1),
	}
}

func TestSpecCheck(t *testing.T) {
	spec, err := Detectors.Lookup(string(model.NamePointPillar))
	require.NoError(t, err)

	var cfg config.ModelConfig
	cfg.VFE.Name = "PillarVFE"
	cfg.MapToBEV.Name = "PointPillarScatter"
	cfg.Backbone2D.Name = "BaseBEVBackbone"
	assert.ErrorIs(t, spec.Check(cfg), config.ErrInvalidConfig)

	cfg.DenseHead.Name = "AnchorHeadSingle"
	assert.NoError(t, spec.Check(cfg))
}

func TestDetectorsRegistry(t *testing.T) {
	for _, name := range []model.Name{
		model.NameSECONDNet, model.NamePointPillar, model.NamePVRCNN, model.NameCenterPoint,
		model.NameSECONDNetIoU, model.NamePVRCNNPlusPlus, model.NameCT3D3CAT,
	} {
		spec, err := Detectors.Lookup(string(name))
		require.NoError(t, err, name)
		assert.Equal(t, name, spec.Name)
	}
	_, err := Detectors.Lookup("YOLO")
	assert.ErrorIs(t, err, model.ErrUnknownModule)

	spec, _ := Detectors.Lookup(string(model.NameSECONDNetIoU))
	assert.Equal(t, PostIoURescore, spec.Post)
	assert.Contains(t, spec.Required, model.KindRoIHead)
}

func TestBuildDetectorRejects(t *testing.T) {
	shape := dataset.Shape{Size: 1, MaxVoxels: 4, MaxPoints: 2, NumFeatures: 4, MaxObjects: 2}
	opts := model.Options{Mode: model.ModeEval}

	cfg := &config.Config{ClassNames: []string{"Car"}}
	cfg.Model.Name = "Nope"
	_, err := BuildDetector(cfg, 1, shape, opts)
	assert.ErrorIs(t, err, model.ErrUnknownModule)

	cfg.Model.Name = string(model.NamePointPillar)
	_, err = BuildDetector(cfg, 1, shape, opts)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg.Model.VFE.Name = "PillarVFE"
	cfg.Model.MapToBEV.Name = "PointPillarScatter"
	cfg.Model.Backbone2D.Name = "BaseBEVBackbone"
	cfg.Model.DenseHead.Name = "AnchorHeadSingle"
	_, err = BuildDetector(cfg, 1, dataset.Shape{}, opts)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRecallRecord(t *testing.T) {
	r := NewRecallRecord([]float32{0.3, 0.7})
	assert.Equal(t, 0, r[RecallKey("roi", 0.3)])
	assert.Contains(t, r, "rcnn_0.7")

	near := boxA
	near.X += 1
	r.Add([]common.Box3D{boxA, boxC}, []common.Box3D{near}, []common.Box3D{boxA, boxC}, []float32{0.3, 0.7})
	assert.Equal(t, 2, r["gt"])
	assert.Equal(t, 1, r["rcnn_0.3"])
	assert.Equal(t, 0, r["rcnn_0.7"])
	assert.Equal(t, 2, r["roi_0.7"])

	// Samples without ground truth leave the record as it is.
	r.Add(nil, []common.Box3D{boxA}, nil, []float32{0.3, 0.7})
	assert.Equal(t, 2, r["gt"])

	o := NewRecallRecord([]float32{0.3, 0.7})
	o["gt"] = 3
	o["rcnn_0.3"] = 1
	r.Merge(o)
	assert.Equal(t, 5, r["gt"])
	assert.Equal(t, 2, r["rcnn_0.3"])
}

func TestNewPostProcessor(t *testing.T) {
	cfg := &config.Config{ClassNames: []string{"Car"}}
	cfg.Model.PostProcessing = postConfig()
	cfg.Model.PostProcessing.NMSConfig.ScoreType = "max"

	_, err := NewPostProcessor(Spec{Post: PostIoURescore}, cfg, 1)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	// Only rescoring detectors read SCORE_TYPE.
	pp, err := NewPostProcessor(Spec{Post: PostClassScores}, cfg, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, pp.nms.NumWorkers)
}

func TestCheckScoreType(t *testing.T) {
	tests := []struct {
		name string
		nms  config.NMSConfig
		ok   bool
	}{
		{name: "default", ok: true},
		{name: "weighted", nms: config.NMSConfig{ScoreType: ScoreWeightedIoUCls}, ok: true},
		{name: "by class", nms: config.NMSConfig{ScoreType: ScoreByClass, ScoreByClass: map[string]string{"Car": "iou"}}, ok: true},
		{name: "bad class type", nms: config.NMSConfig{ScoreType: ScoreByClass, ScoreByClass: map[string]string{"Car": "max"}}},
		{name: "unknown", nms: config.NMSConfig{ScoreType: "max"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkScoreType(tt.nms)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, config.ErrInvalidConfig)
			}
		})
	}
}

func TestPostProcessClassScores(t *testing.T) {
	pred := &model.Predictions{
		BatchSize: 1,
		NumBoxes:  3,
		NumScores: 2,
		// Logits: A is a car, B overlaps A with a lower score, C is a pedestrian.
		Scores: []float32{3, -2, 1, -2, -3, 2},
		Boxes:  flatBoxes(boxA, boxB, boxC),
	}
	d := testDetector(PostClassScores, postConfig(), pred)

	b := oneSample(2)
	copy(b.GTBoxes, append(boxA.Slice(), 1))
	b.NumGT[0] = 1
	recall := NewRecallRecord(d.Config.Model.PostProcessing.RecallThreshList)

	out, err := d.PostProcess(b, recall)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0], 2)
	assert.Equal(t, boxA, out[0][0].Box)
	assert.Equal(t, 1, out[0][0].Label)
	assert.InDelta(t, 1/(1+math32.Exp(-3)), out[0][0].Score, 1e-5)
	assert.Equal(t, boxC, out[0][1].Box)
	assert.Equal(t, 2, out[0][1].Label)

	assert.Equal(t, 1, recall["gt"])
	assert.Equal(t, 1, recall["rcnn_0.7"])
	assert.Zero(t, recall["roi_0.3"])
}

func TestPostProcessRawScore(t *testing.T) {
	pp := postConfig()
	pp.OutputRawScore = true
	pred := &model.Predictions{
		BatchSize: 1, NumBoxes: 1, NumScores: 1,
		Scores: []float32{2.5},
		Boxes:  flatBoxes(boxA),
	}
	out, err := testDetector(PostClassScores, pp, pred).PostProcess(oneSample(1), nil)
	require.NoError(t, err)
	require.Len(t, out[0], 1)
	assert.Equal(t, float32(2.5), out[0][0].Score)
}

func TestPostProcessMultiClass(t *testing.T) {
	pp := postConfig()
	pp.NMSConfig.MultiClassesNMS = true
	pred := &model.Predictions{
		BatchSize: 1, NumBoxes: 2, NumScores: 2, Normalized: true,
		// Both boxes survive: A as a car, B as a pedestrian.
		Scores: []float32{0.9, 0.05, 0.05, 0.8},
		Boxes:  flatBoxes(boxA, boxB),
	}
	out, err := testDetector(PostClassScores, pp, pred).PostProcess(oneSample(1), nil)
	require.NoError(t, err)
	require.Len(t, out[0], 2)
	labels := []int{out[0][0].Label, out[0][1].Label}
	assert.ElementsMatch(t, []int{1, 2}, labels)
}

func TestPostProcessRescore(t *testing.T) {
	base := func() *model.Predictions {
		return &model.Predictions{
			BatchSize: 1, NumBoxes: 3, NumScores: 1,
			Scores:    []float32{0, 2, 0},
			RoIScores: []float32{2, 0, 0},
			Labels:    []int32{1, 2, 0},
			Boxes:     flatBoxes(boxA, boxC, common.Box3D{}),
			RoIs:      flatBoxes(boxA, boxC, common.Box3D{}),
		}
	}
	s2 := 1 / (1 + math32.Exp(-2))

	tests := []struct {
		name      string
		scoreType string
		byClass   map[string]string
		want      []float32 // scores of A and C
	}{
		{name: "iou", scoreType: ScoreIoU, want: []float32{0.5, s2}},
		{name: "cls", scoreType: ScoreCls, want: []float32{s2, 0.5}},
		{name: "weighted", scoreType: ScoreWeightedIoUCls, want: []float32{math32.Sqrt(0.5 * s2), math32.Sqrt(0.5 * s2)}},
		{name: "by class", scoreType: ScoreByClass, byClass: map[string]string{"Car": "iou"}, want: []float32{0.5, 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pp := postConfig()
			pp.NMSConfig.ScoreType = tt.scoreType
			pp.NMSConfig.ScoreByClass = tt.byClass
			pp.NMSConfig.ScoreWeights.IoU = 0.5
			d := testDetector(PostIoURescore, pp, base())

			out, err := d.PostProcess(oneSample(1), nil)
			require.NoError(t, err)
			// The padding RoI is dropped.
			require.Len(t, out[0], 2)
			got := map[int]float32{}
			for _, r := range out[0] {
				got[r.Label] = r.Score
			}
			assert.InDelta(t, tt.want[0], got[1], 1e-5)
			assert.InDelta(t, tt.want[1], got[2], 1e-5)
		})
	}

	t.Run("missing roi scores", func(t *testing.T) {
		p := base()
		p.RoIScores = nil
		_, err := testDetector(PostIoURescore, postConfig(), p).PostProcess(oneSample(1), nil)
		assert.ErrorIs(t, err, model.ErrMissingKey)
	})
}

func TestPostProcessFinal(t *testing.T) {
	final := [][]postprocess.Result{{{Box: boxC, Score: 0.7, Label: 2}}}
	d := testDetector(PostFinal, postConfig(), &model.Predictions{BatchSize: 1, Final: final})
	out, err := d.PostProcess(oneSample(1), nil)
	require.NoError(t, err)
	assert.Equal(t, final, out)

	d = testDetector(PostFinal, postConfig(), &model.Predictions{BatchSize: 1})
	_, err = d.PostProcess(oneSample(1), nil)
	assert.ErrorIs(t, err, model.ErrMissingKey)
}
