package visualize

import (
	"image"
	"image/png"
	"io"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Density counts the points falling into every pixel of the view. The result has one row
// per image row.
func (v *BEV) Density(points []float32, numFeatures int) ([]float32, error) {
	if numFeatures < 2 || len(points)%numFeatures != 0 {
		return nil, errors.Errorf("%d values do not form points of %d features", len(points), numFeatures)
	}
	out := make([]float32, v.width*v.height)
	bounds := image.Rect(0, 0, v.width, v.height)
	for i := 0; i < len(points); i += numFeatures {
		p := v.Pixel(points[i], points[i+1])
		if p.In(bounds) {
			out[p.Y*v.width+p.X]++
		}
	}
	return out, nil
}

// Heatmap scales a (ny, nx) map linearly onto gray levels, the minimum at 0 and the
// maximum at 255. A constant map is black.
func Heatmap(values []float32, ny, nx int) (*image.Gray, error) {
	if ny <= 0 || nx <= 0 || len(values) != ny*nx {
		return nil, errors.Errorf("%d values for a %dx%d map", len(values), ny, nx)
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	img := image.NewGray(image.Rect(0, 0, nx, ny))
	if hi == lo {
		return img, nil
	}
	scale := 255 / (hi - lo)
	for i, v := range values {
		img.Pix[i] = uint8((v-lo)*scale + 0.5)
	}
	return img, nil
}

// Thumbnail resizes img to width pixels keeping its aspect ratio.
func Thumbnail(img *image.Gray, width uint) *image.Gray {
	out, _ := resize.Resize(width, 0, img, resize.Bilinear).(*image.Gray)
	return out
}

// WritePNG encodes img as PNG.
func WritePNG(w io.Writer, img image.Image) error {
	return errors.Wrap(png.Encode(w, img), "encode png")
}

// ColorizePNG maps the gray levels of img onto the jet color map and returns PNG bytes.
func ColorizePNG(img *image.Gray) ([]byte, error) {
	src, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return nil, errors.Wrap(err, "convert heatmap")
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	gocv.ApplyColorMap(src, &dst, gocv.ColormapJet)
	buf, err := gocv.IMEncode(gocv.PNGFileExt, dst)
	if err != nil {
		return nil, errors.Wrap(err, "encode png")
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
