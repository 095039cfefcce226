package roihead

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
	"github.com/nvr-ai/go-pcdet/dataset"
	"github.com/nvr-ai/go-pcdet/models/model"
	"github.com/nvr-ai/go-pcdet/nn"
)

// BEVGridPool samples a GridSize x GridSize grid of BEV features inside every RoI, rotated
// with the RoI, by bilinear interpolation. Samples outside the map read zero.
type BEVGridPool struct {
	GridSize int
	Channels int
	Height   int
	Width    int
	// MinX and MinY are the lower corner of the point cloud range.
	MinX, MinY float32
	// CellX and CellY are the size of a BEV cell in meters.
	CellX, CellY float32
}

// Pool writes the (C, G, G) features of roi, sampled from the (C, H, W) map features, to out.
func (p *BEVGridPool) Pool(features []float32, roi common.Box3D, out []float32) {
	x1 := (roi.X - roi.DX/2 - p.MinX) / p.CellX
	x2 := (roi.X + roi.DX/2 - p.MinX) / p.CellX
	y1 := (roi.Y - roi.DY/2 - p.MinY) / p.CellY
	y2 := (roi.Y + roi.DY/2 - p.MinY) / p.CellY
	sin, cos := math32.Sincos(roi.Heading)
	w, h := float32(p.Width), float32(p.Height)

	// Affine map from the normalized RoI grid to normalized map coordinates.
	t00, t01, t02 := (x2-x1)/(w-1)*cos, -(x2-x1)/(w-1)*sin, (x1+x2-w+1)/(w-1)
	t10, t11, t12 := (y2-y1)/(h-1)*sin, (y2-y1)/(h-1)*cos, (y1+y2-h+1)/(h-1)

	gs := p.GridSize
	plane := p.Height * p.Width
	for i := 0; i < gs; i++ {
		yn := float32(2*i+1)/float32(gs) - 1
		for j := 0; j < gs; j++ {
			xn := float32(2*j+1)/float32(gs) - 1
			gx := t00*xn + t01*yn + t02
			gy := t10*xn + t11*yn + t12
			px := ((gx+1)*w - 1) / 2
			py := ((gy+1)*h - 1) / 2
			for c := 0; c < p.Channels; c++ {
				out[(c*gs+i)*gs+j] = bilinear(features[c*plane:(c+1)*plane], p.Height, p.Width, px, py)
			}
		}
	}
}

func bilinear(m []float32, h, w int, x, y float32) float32 {
	x0, y0 := int(math32.Floor(x)), int(math32.Floor(y))
	fx, fy := x-float32(x0), y-float32(y0)
	at := func(yy, xx int) float32 {
		if xx < 0 || yy < 0 || xx >= w || yy >= h {
			return 0
		}
		return m[yy*w+xx]
	}
	return at(y0, x0)*(1-fx)*(1-fy) + at(y0, x0+1)*fx*(1-fy) +
		at(y0+1, x0)*(1-fx)*fy + at(y0+1, x0+1)*fx*fy
}

// SECONDHead rescores the proposals of an anchor head with a predicted 3D IoU. Features are
// pooled from the BEV map on a rotated grid in each RoI and run through fully connected
// layers.
type SECONDHead struct {
	*RoIHeadTemplate
	name string

	pool     *BEVGridPool
	sharedFC nn.Sequential
	iouFC    nn.Sequential

	rcnnIoU *G.Node
}

// NewSECONDHead builds the head for the BEV map described by info.
func NewSECONDHead(g *G.ExprGraph, name string, cfg config.RoIHeadConfig, info *model.Info) (*SECONDHead, error) {
	t, err := NewRoIHeadTemplate(cfg, info)
	if err != nil {
		return nil, err
	}
	gp := cfg.RoIGridPool
	if gp.GridSize <= 0 {
		return nil, errors.Wrap(config.ErrInvalidConfig, "ROI_GRID_POOL.GRID_SIZE must be positive")
	}
	if gp.InChannel != info.NumBEVFeatures {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "ROI_GRID_POOL.IN_CHANNEL %d, BEV map has %d channels", gp.InChannel, info.NumBEVFeatures)
	}
	if len(cfg.SharedFC) == 0 || len(cfg.IoUFC) == 0 {
		return nil, errors.Wrap(config.ErrInvalidConfig, "SHARED_FC and IOU_FC must not be empty")
	}
	ratio := gp.DownsampleRatio
	if ratio <= 0 {
		ratio = float32(info.BEVStride)
	}
	hgt, wid := info.BEVSize(info.BEVStride)
	h := &SECONDHead{
		RoIHeadTemplate: t,
		name:            name,
		pool: &BEVGridPool{
			GridSize: gp.GridSize,
			Channels: gp.InChannel,
			Height:   hgt,
			Width:    wid,
			MinX:     info.PointRange[0],
			MinY:     info.PointRange[1],
			CellX:    info.VoxelSize[0] * ratio,
			CellY:    info.VoxelSize[1] * ratio,
		},
	}

	pre := gp.GridSize * gp.GridSize * gp.InChannel
	for k, width := range cfg.SharedFC {
		h.sharedFC = append(h.sharedFC, fcBlock(g, "roi_head.shared_fc_layer", k, pre, width)...)
		pre = width
		if k != len(cfg.SharedFC)-1 && cfg.DPRatio > 0 {
			h.sharedFC = append(h.sharedFC, &nn.Dropout{P: float64(cfg.DPRatio)})
		}
	}
	for k, width := range cfg.IoUFC {
		h.iouFC = append(h.iouFC, fcBlock(g, "roi_head.iou_layers", k, pre, width)...)
		pre = width
		if cfg.DPRatio >= 0 && k == 0 {
			h.iouFC = append(h.iouFC, &nn.Dropout{P: float64(cfg.DPRatio)})
		}
	}
	h.iouFC = append(h.iouFC, nn.NewLinear(g, nnName("roi_head.iou_layers", len(cfg.IoUFC)), pre, 1, true))
	h.SetTraining(info.Training)
	return h, nil
}

// fcBlock is a bias free fully connected layer, batch norm and ReLU.
func fcBlock(g *G.ExprGraph, prefix string, k, in, out int) []nn.Layer {
	bn := nn.NewBatchNorm(g, nnName(prefix, k)+".bn", out)
	bn.Eps, bn.Momentum = 1e-5, 0.1
	return []nn.Layer{nn.NewLinear(g, nnName(prefix, k)+".fc", in, out, false), bn, nn.ReLU{}}
}

func nnName(prefix string, k int) string { return fmt.Sprintf("%s.%d", prefix, k) }

func (h *SECONDHead) Name() string { return h.name }

func (h *SECONDHead) Children() []nn.Module { return []nn.Module{h.sharedFC, h.iouFC} }

func (h *SECONDHead) Learnables() G.Nodes { return nn.Collect(h.sharedFC, h.iouFC) }

func (h *SECONDHead) SetTraining(training bool) {
	h.RoIHeadTemplate.SetTraining(training)
	h.sharedFC.SetTraining(training)
	h.iouFC.SetTraining(training)
}

// Forward selects the proposals, samples training RoIs when training, pools their BEV
// features and predicts the IoU of every RoI with its ground truth. At test time the IoU
// logits become batch_cls_preds and the RoIs batch_box_preds.
func (h *SECONDHead) Forward(d *model.DataDict) error {
	if err := h.ProposalLayer(d); err != nil {
		return errors.Wrap(err, h.Name())
	}
	if h.training {
		if err := h.AssignTargets(d); err != nil {
			return errors.Wrap(err, h.Name())
		}
	}
	p := h.pool
	features, err := d.GetShape(model.KeySpatialFeatures2D, h.batch, p.Channels, p.Height, p.Width)
	if err != nil {
		return errors.Wrap(err, h.Name())
	}
	n := h.NumRoIs()
	cell := p.Channels * p.GridSize * p.GridSize
	pooled, err := nn.HostFunc("roi_grid_pool", []int{h.batch * n, cell},
		func(in [][]float32, out []float32) error {
			fm := p.Channels * p.Height * p.Width
			for b := 0; b < h.batch; b++ {
				for r := 0; r < n; r++ {
					roi := common.BoxFromSlice(in[1][(b*n+r)*common.BoxDim:])
					p.Pool(in[0][b*fm:(b+1)*fm], roi, out[(b*n+r)*cell:(b*n+r+1)*cell])
				}
			}
			return nil
		}, features, h.rois)
	if err != nil {
		return errors.Wrap(err, h.Name())
	}

	shared, err := h.sharedFC.Forward(pooled)
	if err != nil {
		return errors.Wrap(err, h.Name())
	}
	if h.rcnnIoU, err = h.iouFC.Forward(shared); err != nil {
		return errors.Wrap(err, h.Name())
	}
	d.Set(model.KeyRCNNCls, h.rcnnIoU)
	if h.training {
		return nil
	}
	e := nn.NewExpr(d.Graph)
	scores := e.Reshape(h.rcnnIoU, h.batch, n, 1)
	if err := e.Err(); err != nil {
		return errors.Wrap(err, h.Name())
	}
	d.Set(model.KeyBatchClsPreds, scores)
	d.Set(model.KeyBatchBoxPreds, h.rois)
	d.SetFlag(model.KeyClsPredsNormalized, false)
	return nil
}

// Loss is the IoU loss of the sampled RoIs.
func (h *SECONDHead) Loss(d *model.DataDict) (*G.Node, map[string]*G.Node, error) {
	if h.rcnnIoU == nil {
		return nil, nil, errors.Wrap(model.ErrMissingKey, model.KeyRCNNCls)
	}
	e := nn.NewExpr(d.Graph)
	loss := h.IoULoss(e, h.rcnnIoU)
	if err := e.Err(); err != nil {
		return nil, nil, errors.Wrap(err, h.Name())
	}
	return loss, map[string]*G.Node{"rcnn_loss_iou": loss}, nil
}

// Predict returns the IoU logits of every RoI with the RoIs as boxes.
func (h *SECONDHead) Predict(_ *model.DataDict, _ *dataset.Batch) (*model.Predictions, error) {
	if h.rcnnIoU == nil || h.training {
		return nil, errors.Wrap(model.ErrMissingKey, model.KeyBatchClsPreds)
	}
	return h.predictions(h.rcnnIoU)
}
