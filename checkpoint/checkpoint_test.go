package checkpoint

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-pcdet/nn"
)

type layers struct {
	lin *nn.Linear
	bn  *nn.BatchNorm
}

func (l layers) Learnables() G.Nodes {
	return append(l.lin.Learnables(), l.bn.Learnables()...)
}

func (l layers) State() map[string]*tensor.Dense { return l.bn.State() }

func newLayers(t *testing.T) layers {
	g := G.NewGraph()
	return layers{lin: nn.NewLinear(g, "head.fc", 3, 1, true), bn: nn.NewBatchNorm(g, "head.bn", 2)}
}

func TestRoundTrip(t *testing.T) {
	src := newLayers(t)
	src.bn.State()["head.bn.running_mean"].Set(1, float32(0.25))
	src.lin.Bias.Value().(*tensor.Dense).Set(0, float32(-2))

	ck, err := Snapshot(src, "PointPillar", 3, 120)
	require.NoError(t, err)
	require.Len(t, ck.Tensors, 6)

	path := filepath.Join(t.TempDir(), "ckpt", "checkpoint_epoch_3.safetensors")
	require.NoError(t, Save(path, ck))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "PointPillar", got.Model)
	assert.Equal(t, 3, got.Epoch)
	assert.Equal(t, 120, got.Step)
	assert.Equal(t, ck.Tensors, got.Tensors)

	dst := newLayers(t)
	require.NoError(t, Restore(dst, got))
	w, err := nn.Float32s(dst.lin.Weight)
	require.NoError(t, err)
	want, err := nn.Float32s(src.lin.Weight)
	require.NoError(t, err)
	assert.Equal(t, want, w)
	assert.Equal(t, float32(-2), dst.lin.Bias.Value().(*tensor.Dense).Get(0))
	assert.Equal(t, float32(0.25), dst.bn.State()["head.bn.running_mean"].Get(1))
}

func TestHeaderAlignment(t *testing.T) {
	var buf bytes.Buffer
	ck := &Checkpoint{Model: "m", Tensors: map[string]Tensor{"a": {Shape: []int{2}, Data: []float32{1, 2}}}}
	require.NoError(t, Write(&buf, ck))
	raw := buf.Bytes()
	n := int(raw[0]) | int(raw[1])<<8
	assert.Zero(t, n%8)
	assert.Len(t, raw, 8+n+8)
}

func TestRestoreRejects(t *testing.T) {
	src := newLayers(t)
	ck, err := Snapshot(src, "m", 0, 0)
	require.NoError(t, err)

	missing := &Checkpoint{Tensors: map[string]Tensor{}}
	for k, v := range ck.Tensors {
		if k != "head.fc.weight" {
			missing.Tensors[k] = v
		}
	}
	assert.ErrorIs(t, Restore(newLayers(t), missing), ErrMissingTensor)

	ck.Tensors["head.fc.weight"] = Tensor{Shape: []int{1, 3}, Data: make([]float32, 3)}
	assert.ErrorIs(t, Restore(newLayers(t), ck), nn.ErrShapeMismatch)

	var buf bytes.Buffer
	bad := &Checkpoint{Tensors: map[string]Tensor{"a": {Shape: []int{3}, Data: []float32{1}}}}
	assert.ErrorIs(t, Write(&buf, bad), nn.ErrShapeMismatch)
}
