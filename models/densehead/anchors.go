// Package densehead holds the single stage detection heads: the anchor heads with their
// anchor generator, box coder and target assigner, and the center heatmap heads.
package densehead

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
)

// ClassAnchors are the anchors of one class on an (NY, NX) feature map. Boxes are stored
// location major: y, then x, then bottom height, size and rotation.
type ClassAnchors struct {
	Name   string
	NY, NX int
	// PerLoc is the number of anchors at each location.
	PerLoc int
	Boxes  []common.Box3D

	Matched   float32
	Unmatched float32
}

// At returns anchor k of location (y, x).
func (c *ClassAnchors) At(y, x, k int) common.Box3D {
	return c.Boxes[(y*c.NX+x)*c.PerLoc+k]
}

// AnchorGenerator places the anchors of every configured class on its feature map.
type AnchorGenerator struct {
	pcRange [6]float32
	cfgs    []config.AnchorGeneratorConfig
}

// NewAnchorGenerator checks the per class anchor settings.
func NewAnchorGenerator(pcRange [6]float32, cfgs []config.AnchorGeneratorConfig) (*AnchorGenerator, error) {
	if len(cfgs) == 0 {
		return nil, errors.Wrap(config.ErrInvalidConfig, "no anchor generator config")
	}
	for _, c := range cfgs {
		switch {
		case c.FeatureMapStride <= 0:
			return nil, errors.Wrapf(config.ErrInvalidConfig, "anchors %s: feature_map_stride %d", c.ClassName, c.FeatureMapStride)
		case len(c.AnchorSizes) == 0 || len(c.AnchorRotations) == 0 || len(c.AnchorBottomHeights) == 0:
			return nil, errors.Wrapf(config.ErrInvalidConfig, "anchors %s: sizes, rotations and bottom heights are required", c.ClassName)
		}
		for _, s := range c.AnchorSizes {
			if len(s) != 3 {
				return nil, errors.Wrapf(config.ErrInvalidConfig, "anchors %s: size %v is not (dx, dy, dz)", c.ClassName, s)
			}
		}
	}
	return &AnchorGenerator{pcRange: pcRange, cfgs: cfgs}, nil
}

// Generate returns the anchors of each class for a voxel grid of gridSize (x, y, z) cells.
func (g *AnchorGenerator) Generate(gridSize [3]int) ([]ClassAnchors, error) {
	out := make([]ClassAnchors, 0, len(g.cfgs))
	r := g.pcRange
	for _, c := range g.cfgs {
		nx, ny := gridSize[0]/c.FeatureMapStride, gridSize[1]/c.FeatureMapStride
		if nx <= 0 || ny <= 0 {
			return nil, errors.Wrapf(config.ErrInvalidConfig, "anchors %s: empty feature map for grid %v", c.ClassName, gridSize)
		}
		xs := shifts(r[0], r[3], nx, c.AlignCenter)
		ys := shifts(r[1], r[4], ny, c.AlignCenter)

		a := ClassAnchors{
			Name:      c.ClassName,
			NY:        ny,
			NX:        nx,
			PerLoc:    len(c.AnchorBottomHeights) * len(c.AnchorSizes) * len(c.AnchorRotations),
			Matched:   c.MatchedThreshold,
			Unmatched: c.UnmatchedThreshold,
		}
		a.Boxes = make([]common.Box3D, 0, nx*ny*a.PerLoc)
		for _, y := range ys {
			for _, x := range xs {
				for _, z := range c.AnchorBottomHeights {
					for _, s := range c.AnchorSizes {
						for _, rot := range c.AnchorRotations {
							a.Boxes = append(a.Boxes, common.Box3D{
								X:       x,
								Y:       y,
								Z:       z + s[2]/2,
								DX:      s[0],
								DY:      s[1],
								DZ:      s[2],
								Heading: rot,
							})
						}
					}
				}
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// shifts returns n anchor centres over [lo, hi]. Aligned centres sit in the middle of each
// cell; otherwise the first and last centre lie on the range borders.
func shifts(lo, hi float32, n int, alignCenter bool) []float32 {
	var stride, offset float32
	switch {
	case alignCenter:
		stride = (hi - lo) / float32(n)
		offset = stride / 2
	case n > 1:
		stride = (hi - lo) / float32(n-1)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = lo + offset + float32(i)*stride
	}
	return out
}

// Interleave lays the anchors of all classes out the way the head predicts them: location
// major, then class, then the per class anchors of that location. Every class must share
// the same feature map.
func Interleave(classes []ClassAnchors) ([]common.Box3D, error) {
	if len(classes) == 0 {
		return nil, nil
	}
	ny, nx := classes[0].NY, classes[0].NX
	total := 0
	for _, c := range classes {
		if c.NY != ny || c.NX != nx {
			return nil, errors.Wrapf(config.ErrInvalidConfig, "anchors %s on a %dx%d map, %s on %dx%d",
				classes[0].Name, ny, nx, c.Name, c.NY, c.NX)
		}
		total += c.PerLoc
	}
	out := make([]common.Box3D, 0, ny*nx*total)
	for loc := 0; loc < ny*nx; loc++ {
		for _, c := range classes {
			out = append(out, c.Boxes[loc*c.PerLoc:(loc+1)*c.PerLoc]...)
		}
	}
	return out, nil
}
