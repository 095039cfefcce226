package dataset

import (
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
)

// Augmentation names understood by NewAugmentor.
const (
	AugRandomWorldFlip     = "random_world_flip"
	AugRandomWorldRotation = "random_world_rotation"
	AugRandomWorldScaling  = "random_world_scaling"
	AugGTSampling          = "gt_sampling"
)

// ErrUnknownAugmentation is returned for an AUG_CONFIG_LIST entry that has no implementation.
var ErrUnknownAugmentation = errors.New("unknown augmentation")

// Augmentation transforms a frame in place.
type Augmentation func(f *Frame, rng *rand.Rand)

// Augmentor applies the configured augmentations in order.
type Augmentor struct {
	names []string
	augs  []Augmentation
}

// NewAugmentor builds the augmentations of cfg, skipping those listed in DISABLE_AUG_LIST.
// GT database sampling is not supported and is skipped as well.
func NewAugmentor(cfg config.AugmentorConfig) (*Augmentor, error) {
	disabled := make(map[string]bool, len(cfg.DisableAugList))
	for _, name := range cfg.DisableAugList {
		disabled[name] = true
	}

	a := &Augmentor{}
	for _, spec := range cfg.AugConfigList {
		if disabled[spec.Name] || spec.Name == AugGTSampling {
			continue
		}
		var aug Augmentation
		switch spec.Name {
		case AugRandomWorldFlip:
			for _, axis := range spec.AlongAxisList {
				if axis != "x" && axis != "y" {
					return nil, errors.Errorf("flip axis %q", axis)
				}
			}
			aug = RandomWorldFlip(spec.AlongAxisList...)
		case AugRandomWorldRotation:
			if len(spec.WorldRotAngle) != 2 {
				return nil, errors.Errorf("WORLD_ROT_ANGLE needs 2 values, got %d", len(spec.WorldRotAngle))
			}
			aug = RandomWorldRotation(spec.WorldRotAngle[0], spec.WorldRotAngle[1])
		case AugRandomWorldScaling:
			if len(spec.WorldScaleRange) != 2 {
				return nil, errors.Errorf("WORLD_SCALE_RANGE needs 2 values, got %d", len(spec.WorldScaleRange))
			}
			aug = RandomWorldScaling(spec.WorldScaleRange[0], spec.WorldScaleRange[1])
		default:
			return nil, errors.Wrap(ErrUnknownAugmentation, spec.Name)
		}
		a.names = append(a.names, spec.Name)
		a.augs = append(a.augs, aug)
	}
	return a, nil
}

// Names returns the active augmentations in order.
func (a *Augmentor) Names() []string { return a.names }

// Apply runs every augmentation on f.
func (a *Augmentor) Apply(f *Frame, rng *rand.Rand) {
	for _, aug := range a.augs {
		aug(f, rng)
	}
}

// RandomWorldFlip mirrors the frame along each axis with probability 0.5. Flipping along x
// negates y, flipping along y negates x.
func RandomWorldFlip(axes ...string) Augmentation {
	return func(f *Frame, rng *rand.Rand) {
		for _, axis := range axes {
			if rng.IntN(2) == 0 {
				continue
			}
			col := 1
			flip := common.Box3D.FlipX
			if axis == "y" {
				col = 0
				flip = common.Box3D.FlipY
			}
			for i := range f.GTBoxes {
				f.GTBoxes[i] = flip(f.GTBoxes[i])
			}
			for i := col; i < len(f.Points); i += f.NumFeatures {
				f.Points[i] = -f.Points[i]
			}
		}
	}
}

// RandomWorldRotation rotates points and boxes around z by an angle drawn uniformly from
// [lo, hi).
func RandomWorldRotation(lo, hi float32) Augmentation {
	return func(f *Frame, rng *rand.Rand) {
		angle := lo + rng.Float32()*(hi-lo)
		common.RotatePointsAlongZ(f.Points, f.NumFeatures, angle)
		for i := range f.GTBoxes {
			f.GTBoxes[i] = f.GTBoxes[i].Rotate(angle)
		}
	}
}

// RandomWorldScaling scales points and boxes by a factor drawn uniformly from [lo, hi).
func RandomWorldScaling(lo, hi float32) Augmentation {
	return func(f *Frame, rng *rand.Rand) {
		if hi-lo < 1e-3 {
			return
		}
		factor := lo + rng.Float32()*(hi-lo)
		for i := 0; i < len(f.Points); i += f.NumFeatures {
			f.Points[i] *= factor
			f.Points[i+1] *= factor
			f.Points[i+2] *= factor
		}
		for i := range f.GTBoxes {
			f.GTBoxes[i] = f.GTBoxes[i].Scale(factor)
		}
	}
}

// wrapHeadings keeps box headings in [-pi, pi) after augmentation.
func wrapHeadings(f *Frame) {
	for i := range f.GTBoxes {
		f.GTBoxes[i].Heading = common.LimitPeriod(f.GTBoxes[i].Heading, 0.5, 2*math32.Pi)
	}
}
