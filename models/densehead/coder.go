package densehead

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
)

// ResidualCoder encodes a box as its residual to an anchor: centre offsets normalised by the
// anchor diagonal (and height for z), log size ratios and the heading difference, optionally
// as a (cos, sin) pair.
type ResidualCoder struct {
	SinCos bool
}

// NewResidualCoder returns the coder named by cfg.BoxCoder.
func NewResidualCoder(cfg config.TargetAssignerConfig) (ResidualCoder, error) {
	switch cfg.BoxCoder {
	case "", "ResidualCoder":
		return ResidualCoder{SinCos: cfg.BoxCoderConfig.EncodeAngleBySinCos}, nil
	}
	return ResidualCoder{}, errors.Wrapf(config.ErrInvalidConfig, "box coder %q", cfg.BoxCoder)
}

// CodeSize is 7, or 8 with the (cos, sin) heading code.
func (c ResidualCoder) CodeSize() int {
	if c.SinCos {
		return 8
	}
	return 7
}

// Encode writes the code of gt relative to anchor a into dst.
func (c ResidualCoder) Encode(gt, a common.Box3D, dst []float32) {
	const eps = 1e-5
	dxa, dya, dza := math32.Max(a.DX, eps), math32.Max(a.DY, eps), math32.Max(a.DZ, eps)
	dxg, dyg, dzg := math32.Max(gt.DX, eps), math32.Max(gt.DY, eps), math32.Max(gt.DZ, eps)
	diag := math32.Sqrt(dxa*dxa + dya*dya)

	dst[0] = (gt.X - a.X) / diag
	dst[1] = (gt.Y - a.Y) / diag
	dst[2] = (gt.Z - a.Z) / dza
	dst[3] = math32.Log(dxg / dxa)
	dst[4] = math32.Log(dyg / dya)
	dst[5] = math32.Log(dzg / dza)
	if c.SinCos {
		dst[6] = math32.Cos(gt.Heading) - math32.Cos(a.Heading)
		dst[7] = math32.Sin(gt.Heading) - math32.Sin(a.Heading)
		return
	}
	dst[6] = gt.Heading - a.Heading
}

// Decode inverts Encode.
func (c ResidualCoder) Decode(code []float32, a common.Box3D) common.Box3D {
	diag := math32.Sqrt(a.DX*a.DX + a.DY*a.DY)
	b := common.Box3D{
		X:  code[0]*diag + a.X,
		Y:  code[1]*diag + a.Y,
		Z:  code[2]*a.DZ + a.Z,
		DX: math32.Exp(code[3]) * a.DX,
		DY: math32.Exp(code[4]) * a.DY,
		DZ: math32.Exp(code[5]) * a.DZ,
	}
	if c.SinCos {
		b.Heading = math32.Atan2(code[7]+math32.Sin(a.Heading), code[6]+math32.Cos(a.Heading))
	} else {
		b.Heading = code[6] + a.Heading
	}
	return b
}
