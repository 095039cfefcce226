package visualize

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
)

var testRange = []float32{0, -4, -3, 8, 4, 1}

func newTestView(t *testing.T) *BEV {
	t.Helper()
	v, err := NewBEV(testRange, 1, []string{"Car", "Pedestrian"})
	require.NoError(t, err)
	return v
}

func TestNewBEV(t *testing.T) {
	tests := []struct {
		name    string
		pcRange []float32
		res     float32
		wantErr bool
	}{
		{"valid", testRange, 0.5, false},
		{"short range", []float32{0, 0, 0}, 1, true},
		{"zero resolution", testRange, 0, true},
		{"empty image", []float32{0, 0, 0, 0.5, 0.5, 1}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewBEV(tt.pcRange, tt.res, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidView)
				return
			}
			require.NoError(t, err)
			w, h := v.Size()
			assert.Equal(t, 16, w)
			assert.Equal(t, 16, h)
		})
	}
}

func TestPixel(t *testing.T) {
	v := newTestView(t)
	assert.Equal(t, image.Pt(0, 0), v.Pixel(7.5, 3.5))
	assert.Equal(t, image.Pt(7, 7), v.Pixel(0.5, -3.5))
	assert.Equal(t, image.Pt(4, 4), v.Pixel(4, 0))
}

func TestPoints(t *testing.T) {
	v := newTestView(t)
	img, err := v.Points([]float32{
		7.5, 3.5, 0, 0,
		20, 0, 0, 0,
	}, 4)
	require.NoError(t, err)
	assert.Equal(t, pointColor, img.RGBAAt(0, 0))
	assert.Equal(t, background, img.RGBAAt(1, 1))

	_, err = v.Points([]float32{1, 2, 3}, 4)
	assert.Error(t, err)
}

func TestOutline(t *testing.T) {
	v := newTestView(t)
	corners, front := v.Outline(common.Box3D{X: 4, Y: 0, DX: 2, DY: 2, DZ: 1})
	assert.Equal(t, [4]image.Point{{3, 3}, {3, 5}, {5, 5}, {5, 3}}, corners)
	assert.Equal(t, image.Pt(4, 3), front)
}

func TestColor(t *testing.T) {
	assert.Equal(t, pointColor, Color(0))
	assert.Equal(t, palette[0], Color(1))
	assert.Equal(t, Color(1), Color(len(palette)+1))
}

func TestDensity(t *testing.T) {
	v := newTestView(t)
	d, err := v.Density([]float32{
		7.5, 3.5, 0,
		7.2, 3.9, 0,
		0.5, -3.5, 0,
		-1, 0, 0,
	}, 3)
	require.NoError(t, err)
	require.Len(t, d, 64)
	assert.Equal(t, float32(2), d[0])
	assert.Equal(t, float32(1), d[7*8+7])

	var total float32
	for _, c := range d {
		total += c
	}
	assert.Equal(t, float32(3), total)
}

func TestHeatmap(t *testing.T) {
	img, err := Heatmap([]float32{0, 1, 2, 3}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 85, 170, 255}, img.Pix)

	img, err = Heatmap([]float32{5, 5}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 0}, img.Pix)

	_, err = Heatmap([]float32{1, 2, 3}, 2, 2)
	assert.Error(t, err)
}

func TestThumbnailPNG(t *testing.T) {
	img, err := Heatmap(make([]float32, 4*8), 4, 8)
	require.NoError(t, err)
	thumb := Thumbnail(img, 4)
	assert.Equal(t, image.Rect(0, 0, 4, 2), thumb.Bounds())

	var buf bytes.Buffer
	require.NoError(t, WritePNG(&buf, thumb))
	cfg, err := png.DecodeConfig(&buf)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Width)
	assert.Equal(t, 2, cfg.Height)
}

func TestEncodePNG(t *testing.T) {
	v := newTestView(t)
	raw, err := v.EncodePNG([]float32{4, 0, 0, 0}, 4, []postprocess.Result{
		{Box: common.Box3D{X: 4, Y: 0, DX: 2, DY: 2, DZ: 1}, Score: 0.9, Label: 1},
	})
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 8), img.Bounds())
}
