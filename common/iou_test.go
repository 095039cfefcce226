package common

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
)

func TestBoundingBoxIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b BoundingBox
		want float32
	}{
		{"identical", BoundingBox{0, 0, 2, 2}, BoundingBox{0, 0, 2, 2}, 1},
		{"quarter", BoundingBox{0, 0, 2, 2}, BoundingBox{1, 1, 3, 3}, 1.0 / 7.0},
		{"disjoint", BoundingBox{0, 0, 1, 1}, BoundingBox{2, 2, 3, 3}, 0},
		{"degenerate", BoundingBox{0, 0, 0, 0}, BoundingBox{0, 0, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.a.IoU(&tt.b), 1e-6)
		})
	}
}

func TestNearestBEVSwapsDims(t *testing.T) {
	a := Box3D{DX: 4, DY: 2, DZ: 1, Heading: math32.Pi / 2}
	r := ToAlignedBEV(a)
	assert.InDelta(t, -1, r.X1, 1e-6)
	assert.InDelta(t, -2, r.Y1, 1e-6)

	b := Box3D{DX: 2, DY: 4, DZ: 1}
	assert.InDelta(t, 1, NearestBEVIoU(a, b), 1e-6)

	m := NearestBEVIoUMatrix([]Box3D{a, {X: 100, DX: 1, DY: 1, DZ: 1}}, []Box3D{b})
	assert.Len(t, m, 2)
	assert.InDelta(t, 1, m[0], 1e-6)
	assert.InDelta(t, 0, m[1], 1e-6)
}

func TestBEVOverlapRotated(t *testing.T) {
	a := Box3D{DX: 2, DY: 2, DZ: 1}
	b := Box3D{DX: 2, DY: 2, DZ: 1, Heading: math32.Pi / 4}
	// unit square intersected with its 45 degree rotation is a regular octagon
	want := 8 * (math32.Sqrt2 - 1)
	assert.InDelta(t, want, BEVOverlap(a, b), 1e-4)
	assert.InDelta(t, want/(8-want), BEVIoU(a, b), 1e-4)

	assert.InDelta(t, 4, BEVOverlap(a, a), 1e-5)
	assert.InDelta(t, 0, BEVOverlap(a, Box3D{X: 5, DX: 2, DY: 2, DZ: 1}), 1e-6)
}

func TestIoU3D(t *testing.T) {
	a := Box3D{DX: 2, DY: 2, DZ: 2}
	b := Box3D{Z: 1, DX: 2, DY: 2, DZ: 2}
	// half height overlap: 4 / (8 + 8 - 4)
	assert.InDelta(t, 1.0/3.0, IoU3D(a, b), 1e-5)
	assert.InDelta(t, 1, IoU3D(a, a), 1e-5)

	m := IoU3DMatrix([]Box3D{a}, []Box3D{a, b})
	assert.InDeltaSlice(t, []float32{1, 1.0 / 3.0}, m, 1e-5)
}

func TestClassManager(t *testing.T) {
	assert.Equal(t, 2, KITTIClasses.Index("Pedestrian"))
	assert.Equal(t, 0, KITTIClasses.Index("DontCare"))

	name, err := KITTIClasses.Name(1)
	assert.NoError(t, err)
	assert.Equal(t, "Car", name)

	_, err = KITTIClasses.Name(0)
	assert.Error(t, err)

	c, err := DefaultClassManager.MapClass(DatasetKITTI, 2, DatasetWaymo)
	assert.NoError(t, err)
	assert.Equal(t, OutputClass{Index: 2, Name: "Pedestrian"}, c)

	_, err = DefaultClassManager.MapClass(DatasetKITTI, 1, DatasetWaymo)
	assert.Error(t, err)
}
