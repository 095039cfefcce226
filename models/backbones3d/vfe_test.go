package backbones3d

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/nn"
)

func run(t *testing.T, g *G.ExprGraph) {
	t.Helper()
	vm := G.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())
}

func TestMeanVFE(t *testing.T) {
	shape := dataset.Shape{Size: 1, MaxVoxels: 3, MaxPoints: 2, NumFeatures: 2}
	info := &model.Info{Batch: shape, NumRawPointFeatures: 2}
	g := G.NewGraph()
	m, err := BuildVFE(g, config.VFEConfig{Name: "MeanVFE"}, info)
	require.NoError(t, err)
	assert.Equal(t, 2, info.NumPointFeatures)

	b := &dataset.Batch{
		Shape:     shape,
		Voxels:    []float32{1, 2, 3, 4, 5, 6, 0, 0, 0, 0, 0, 0},
		NumPoints: []float32{2, 1, 0},
	}
	d := model.NewDataDict(g, 1, false)
	require.NoError(t, m.Forward(d))
	feeds := model.Feeds{}
	require.NoError(t, m.(model.Feeder).Feed(b, feeds))
	require.NoError(t, d.Bind(feeds))
	run(t, g)

	out, err := d.GetShape(model.KeyVoxelFeatures, 3, 2)
	require.NoError(t, err)
	got, err := nn.Float32s(out)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3, 5, 6, 0, 0}, got)
}

func pillarInfo() *model.Info {
	return &model.Info{
		Batch:               dataset.Shape{Size: 1, MaxVoxels: 2, MaxPoints: 2, NumFeatures: 4},
		NumRawPointFeatures: 4,
		VoxelSize:           [3]float32{0.5, 0.5, 4},
		PointRange:          [6]float32{0, 0, -2, 4, 4, 2},
		GridSize:            [3]int{8, 8, 1},
	}
}

func pillarBatch() *dataset.Batch {
	return &dataset.Batch{
		Shape: dataset.Shape{Size: 1, MaxVoxels: 2, MaxPoints: 2, NumFeatures: 4},
		Voxels: []float32{
			1.1, 0.6, 0.5, 0.3,
			1.3, 0.8, -0.5, 0.5,
			0, 0, 0, 0,
			0, 0, 0, 0,
		},
		NumPoints: []float32{2, 0},
		Coords:    []int32{0, 0, 1, 2, -1, -1, -1, -1},
	}
}

func TestPillarVFEFeed(t *testing.T) {
	cfg := config.VFEConfig{Name: "PillarVFE", UseAbsoluteXYZ: true, UseNorm: true, WithDistance: true, NumFilters: []int{8}}
	info := pillarInfo()
	m, err := NewPillarVFE(G.NewGraph(), cfg, info)
	require.NoError(t, err)
	assert.Equal(t, 8, info.NumPointFeatures)

	feeds := model.Feeds{}
	require.NoError(t, m.(model.Feeder).Feed(pillarBatch(), feeds))
	x := feeds[model.KeyVoxels]
	assert.Equal(t, []int{2, 2, 11}, []int(x.Shape()))

	data := x.Data().([]float32)
	// absolute xyz and intensity, offset from the point mean, offset from the pillar centre
	// (1.25, 0.75, 0), then the range
	assert.InDeltaSlice(t, []float32{
		1.1, 0.6, 0.5, 0.3,
		-0.1, -0.1, 0.5,
		-0.15, -0.15, 0.5,
		1.3490737,
	}, data[:11], 1e-5)
	assert.InDeltaSlice(t, []float32{
		1.3, 0.8, -0.5, 0.5,
		0.1, 0.1, -0.5,
		0.05, 0.05, -0.5,
		1.6062378,
	}, data[11:22], 1e-5)
	for _, v := range data[22:] {
		assert.Zero(t, v)
	}
}

func TestPillarVFEForward(t *testing.T) {
	cfg := config.VFEConfig{UseAbsoluteXYZ: true, UseNorm: true, NumFilters: []int{8, 6}}
	info := pillarInfo()
	g := G.NewGraph()
	m, err := NewPillarVFE(g, cfg, info)
	require.NoError(t, err)
	m.SetTraining(false)
	assert.Equal(t, 6, info.NumPointFeatures)
	// no linear bias when the layer is normalised
	assert.Len(t, m.Learnables(), 6)
	assert.Len(t, nn.Layers[*nn.BatchNorm](m), 2)

	d := model.NewDataDict(g, 1, false)
	require.NoError(t, m.Forward(d))
	feeds := model.Feeds{}
	require.NoError(t, m.(model.Feeder).Feed(pillarBatch(), feeds))
	require.NoError(t, d.Bind(feeds))
	run(t, g)

	out, err := d.GetShape(model.KeyPillarFeatures, 2, 6)
	require.NoError(t, err)
	got, err := nn.Float32s(out)
	require.NoError(t, err)
	// the padding pillar has no points and stays zero
	assert.Equal(t, make([]float32, 6), got[6:])
}

func TestPillarVFERejectsWrongFeatureCount(t *testing.T) {
	m, err := NewPillarVFE(G.NewGraph(), config.VFEConfig{NumFilters: []int{4}}, pillarInfo())
	require.NoError(t, err)
	b := pillarBatch()
	b.NumFeatures = 5
	assert.ErrorIs(t, m.(model.Feeder).Feed(b, model.Feeds{}), nn.ErrShapeMismatch)

	_, err = NewPillarVFE(G.NewGraph(), config.VFEConfig{}, pillarInfo())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRegistries(t *testing.T) {
	_, err := BuildVFE(G.NewGraph(), config.VFEConfig{Name: "ImageVFE"}, &model.Info{})
	assert.ErrorIs(t, err, model.ErrKernelRequired)

	_, err = BuildBackbone(G.NewGraph(), config.ModuleConfig{Name: "VoxelBackBone8x"}, &model.Info{})
	assert.ErrorIs(t, err, model.ErrKernelRequired)

	_, err = BuildPFE(G.NewGraph(), config.ModuleConfig{Name: "NoSuchPFE"}, &model.Info{})
	assert.ErrorIs(t, err, model.ErrUnknownModule)

	m, err := BuildBackbone(G.NewGraph(), config.ModuleConfig{}, &model.Info{})
	require.NoError(t, err)
	assert.Nil(t, m)

	RegisterBackbone("DenseStubBackbone", func(_ *G.ExprGraph, _ config.ModuleConfig, info *model.Info) (model.Module, error) {
		info.BackboneStride = 8
		return nil, nil
	})
	info := &model.Info{}
	_, err = BuildBackbone(G.NewGraph(), config.ModuleConfig{Name: "DenseStubBackbone"}, info)
	require.NoError(t, err)
	assert.Equal(t, 8, info.BackboneStride)
	assert.Contains(t, Backbones.Names(), "UNetV2")
}
