package losses

import (
	"fmt"

	"github.com/chewxy/math32"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/nn"
)

// Boxes holds the columns of an (N, 7) box node, each (N, 1).
type Boxes struct {
	X, Y, Z, DX, DY, DZ, Heading *G.Node
}

// SplitBoxes cuts an (N, 7) box node into its columns.
func SplitBoxes(e *nn.Expr, boxes *G.Node) Boxes {
	return Boxes{
		X:       e.Col(boxes, 0),
		Y:       e.Col(boxes, 1),
		Z:       e.Col(boxes, 2),
		DX:      e.Col(boxes, 3),
		DY:      e.Col(boxes, 4),
		DZ:      e.Col(boxes, 5),
		Heading: e.Col(boxes, 6),
	}
}

// offsets returns a (1, len(v)) constant row.
func offsets(e *nn.Expr, name string, v []float32) *G.Node {
	return e.Const(name, nn.FromSlice(v, 1, len(v)))
}

// placeLocal rotates local offsets (N, K) by heading (N, 1) and moves them to the box centre.
func placeLocal(e *nn.Expr, b Boxes, heading, lx, ly, lz *G.Node) (x, y, z *G.Node) {
	c, s := e.Cos(heading), e.Sin(heading)
	rx := e.Sub(e.BMul(lx, c, 1), e.BMul(ly, s, 1))
	ry := e.Add(e.BMul(lx, s, 1), e.BMul(ly, c, 1))
	return e.BAdd(rx, b.X, 1), e.BAdd(ry, b.Y, 1), e.BAdd(lz, b.Z, 1)
}

// BoxCorners returns the x, y and z coordinates (N, 8) of the corners of (N, 7) boxes, in the
// order of common.Box3D.Corners. extraHeading is added to every heading.
func BoxCorners(e *nn.Expr, boxes *G.Node, extraHeading float32) (x, y, z *G.Node) {
	b := SplitBoxes(e, boxes)
	var tx, ty, tz [8]float32
	for i, t := range common.CornerTemplate {
		tx[i], ty[i], tz[i] = t[0]/2, t[1]/2, t[2]/2
	}
	lx := e.MatMul(b.DX, offsets(e, "corner_x", tx[:]))
	ly := e.MatMul(b.DY, offsets(e, "corner_y", ty[:]))
	lz := e.MatMul(b.DZ, offsets(e, "corner_z", tz[:]))
	heading := b.Heading
	if extraHeading != 0 {
		heading = e.AddS(heading, extraHeading)
	}
	return placeLocal(e, b, heading, lx, ly, lz)
}

func cornerDistance(e *nn.Expr, ax, ay, az, bx, by, bz *G.Node) *G.Node {
	sq := e.Add(e.Add(e.Square(e.Sub(ax, bx)), e.Square(e.Sub(ay, by))), e.Square(e.Sub(az, bz)))
	return e.Sqrt(e.AddS(sq, 1e-12))
}

// CornerLoss is the mean over the eight corners of the smooth L1 (beta 1) of the distance
// between predicted and target corners, taking the closer of the target and the target
// turned by pi. pred and gt are (N, 7); the result is (N).
func CornerLoss(e *nn.Expr, pred, gt *G.Node) *G.Node {
	px, py, pz := BoxCorners(e, pred, 0)
	gx, gy, gz := BoxCorners(e, gt, 0)
	fx, fy, fz := BoxCorners(e, gt, math32.Pi)
	dist := e.Min(
		cornerDistance(e, px, py, pz, gx, gy, gz),
		cornerDistance(e, px, py, pz, fx, fy, fz),
	)
	return e.Mean(SmoothL1(e, dist, 1), 1)
}

// DenseGridOffsets returns the centres of a size^3 grid over the unit cube centred at the
// origin, x-major, as three rows of offsets.
func DenseGridOffsets(size int) (ox, oy, oz []float32) {
	n := size * size * size
	ox, oy, oz = make([]float32, n), make([]float32, n), make([]float32, n)
	i := 0
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			for z := 0; z < size; z++ {
				ox[i] = (float32(x)+0.5)/float32(size) - 0.5
				oy[i] = (float32(y)+0.5)/float32(size) - 0.5
				oz[i] = (float32(z)+0.5)/float32(size) - 0.5
				i++
			}
		}
	}
	return ox, oy, oz
}

// insideKernel is the soft indicator 1 - sigmoid(10*(|d + eps| - size/2)).
func insideKernel(e *nn.Expr, dist, size *G.Node) *G.Node {
	excess := e.BSub(e.Abs(e.AddS(dist, 1e-8)), e.MulS(size, 0.5), 1)
	return e.RSub(1, e.Sigmoid(e.MulS(excess, 10)))
}

// GridifyIoU3DLoss approximates 1 - IoU3D by sampling a gridSize^3 grid inside every target box
// and counting the samples softly inside the predicted box. gt and pred are (N, 7); the result
// is (N). The y distance in the predicted frame is dy*sin + dy*cos, matching the trained
// reference models.
func GridifyIoU3DLoss(e *nn.Expr, gt, pred *G.Node, gridSize int) *G.Node {
	g, p := SplitBoxes(e, gt), SplitBoxes(e, pred)
	gtVolume := e.Mul(e.Mul(g.DX, g.DY), g.DZ)
	predVolume := e.Mul(e.Mul(p.DX, p.DY), p.DZ)
	perCell := e.DivS(gtVolume, float32(gridSize*gridSize*gridSize))

	ox, oy, oz := DenseGridOffsets(gridSize)
	name := fmt.Sprintf("grid%d", gridSize)
	lx := e.MatMul(g.DX, offsets(e, name+"_x", ox))
	ly := e.MatMul(g.DY, offsets(e, name+"_y", oy))
	lz := e.MatMul(g.DZ, offsets(e, name+"_z", oz))
	wx, wy, wz := placeLocal(e, g, g.Heading, lx, ly, lz)

	dx := e.BSub(wx, p.X, 1)
	dy := e.BSub(wy, p.Y, 1)
	dz := e.BSub(wz, p.Z, 1)
	negHeading := e.Neg(p.Heading)
	cos, sin := e.Cos(negHeading), e.Sin(negHeading)
	rx := e.Sub(e.BMul(dx, cos, 1), e.BMul(dy, sin, 1))
	ry := e.Add(e.BMul(dy, sin, 1), e.BMul(dy, cos, 1))

	inside := e.Mul(e.Mul(insideKernel(e, rx, p.DX), insideKernel(e, ry, p.DY)), insideKernel(e, dz, p.DZ))
	if e.HasError() {
		return nil
	}
	n := gt.Shape()[0]
	intersection := e.Mul(e.Sum(inside, 1), e.Reshape(perCell, n))
	union := e.Sub(e.Reshape(e.Add(gtVolume, predVolume), n), intersection)
	return e.RSub(1, e.Div(intersection, union))
}
