// Package visualize renders point clouds and detections as bird's-eye-view images.
package visualize

import (
	"image"
	"image/color"
	"strconv"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/models/postprocess"
)

// ErrInvalidView is returned for a range or resolution that gives an empty image.
var ErrInvalidView = errors.New("invalid view")

var (
	background = color.RGBA{0, 0, 0, 255}
	pointColor = color.RGBA{200, 200, 200, 255}
	palette    = []color.RGBA{
		{0, 255, 0, 255},
		{255, 128, 0, 255},
		{0, 160, 255, 255},
		{255, 0, 255, 255},
		{255, 255, 0, 255},
		{0, 255, 255, 255},
	}
)

// Color returns the drawing color of a 1-based label.
func Color(label int) color.RGBA {
	if label < 1 {
		return pointColor
	}
	return palette[(label-1)%len(palette)]
}

// BEV maps the x/y plane of a point cloud range onto pixels. x points up the image and y
// points left, so the ego vehicle looks towards the top edge.
type BEV struct {
	minX, minY, maxX, maxY float32
	res                    float32
	width, height          int
	classNames             []string
}

// NewBEV returns a view of pcRange (x_min, y_min, z_min, x_max, y_max, z_max) with res
// meters per pixel.
func NewBEV(pcRange []float32, res float32, classNames []string) (*BEV, error) {
	if len(pcRange) != 6 {
		return nil, errors.Wrapf(ErrInvalidView, "range has %d values", len(pcRange))
	}
	if res <= 0 {
		return nil, errors.Wrapf(ErrInvalidView, "resolution %v", res)
	}
	v := &BEV{
		minX: pcRange[0], minY: pcRange[1],
		maxX: pcRange[3], maxY: pcRange[4],
		res:        res,
		classNames: classNames,
	}
	v.width = int((v.maxY - v.minY) / res)
	v.height = int((v.maxX - v.minX) / res)
	if v.width <= 0 || v.height <= 0 {
		return nil, errors.Wrapf(ErrInvalidView, "%dx%d pixels", v.width, v.height)
	}
	return v, nil
}

// Size returns the image width and height.
func (v *BEV) Size() (int, int) { return v.width, v.height }

// Pixel returns the pixel of the world point (x, y). The point may lie outside the image.
func (v *BEV) Pixel(x, y float32) image.Point {
	return image.Pt(int((v.maxY-y)/v.res), int((v.maxX-x)/v.res))
}

// Points rasterises the points, rows of numFeatures values, onto a black image.
func (v *BEV) Points(points []float32, numFeatures int) (*image.RGBA, error) {
	if numFeatures < 2 || len(points)%numFeatures != 0 {
		return nil, errors.Errorf("%d values do not form points of %d features", len(points), numFeatures)
	}
	img := image.NewRGBA(image.Rect(0, 0, v.width, v.height))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = background.A
	}
	bounds := img.Bounds()
	for i := 0; i < len(points); i += numFeatures {
		p := v.Pixel(points[i], points[i+1])
		if p.In(bounds) {
			img.SetRGBA(p.X, p.Y, pointColor)
		}
	}
	return img, nil
}

// Outline returns the pixel corners of the box footprint and the midpoint of its front edge.
func (v *BEV) Outline(b common.Box3D) ([4]image.Point, image.Point) {
	var out [4]image.Point
	corners := b.BEVCorners()
	for i, c := range corners {
		out[i] = v.Pixel(c[0], c[1])
	}
	// corners 0 and 3 are the front-left and front-right ones
	return out, v.Pixel((corners[0][0]+corners[3][0])/2, (corners[0][1]+corners[3][1])/2)
}

// Render draws the points and the detections. The caller closes the returned Mat.
func (v *BEV) Render(points []float32, numFeatures int, results []postprocess.Result) (gocv.Mat, error) {
	raster, err := v.Points(points, numFeatures)
	if err != nil {
		return gocv.Mat{}, err
	}
	img, err := gocv.ImageToMatRGB(raster)
	if err != nil {
		return gocv.Mat{}, errors.Wrap(err, "convert raster")
	}
	for _, r := range results {
		c := Color(r.Label)
		corners, front := v.Outline(r.Box)
		for i := range corners {
			gocv.Line(&img, corners[i], corners[(i+1)%4], c, 1)
		}
		gocv.Line(&img, v.Pixel(r.Box.X, r.Box.Y), front, c, 1)
		gocv.PutText(&img, v.label(r), corners[0], gocv.FontHersheyPlain, 0.8, c, 1)
	}
	return img, nil
}

func (v *BEV) label(r postprocess.Result) string {
	name := "?"
	if r.Label >= 1 && r.Label <= len(v.classNames) {
		name = v.classNames[r.Label-1]
	}
	return name + " " + strconv.FormatFloat(float64(r.Score), 'f', 2, 32)
}

// EncodePNG renders the view and returns it as PNG bytes.
func (v *BEV) EncodePNG(points []float32, numFeatures int, results []postprocess.Result) ([]byte, error) {
	img, err := v.Render(points, numFeatures, results)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	if err != nil {
		return nil, errors.Wrap(err, "encode png")
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// WriteFile renders the view to path. The extension selects the format.
func (v *BEV) WriteFile(path string, points []float32, numFeatures int, results []postprocess.Result) error {
	img, err := v.Render(points, numFeatures, results)
	if err != nil {
		return err
	}
	defer img.Close()
	if !gocv.IMWrite(path, img) {
		return errors.Errorf("write %s", path)
	}
	return nil
}
