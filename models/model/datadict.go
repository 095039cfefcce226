package model

import (
	"sort"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pcdet/nn"
)

// Data dictionary keys written by the built-in modules.
const (
	KeyVoxels             = "voxels"
	KeyVoxelNumPoints     = "voxel_num_points"
	KeyVoxelFeatures      = "voxel_features"
	KeyPillarFeatures     = "pillar_features"
	KeyPillarIndex        = "pillar_index"
	KeyEncodedSpconv      = "encoded_spconv_tensor"
	KeySpatialFeatures    = "spatial_features"
	KeySpatialFeatures2D  = "spatial_features_2d"
	KeyPointFeatures      = "point_features"
	KeyGTBoxes            = "gt_boxes"
	KeyClsPreds           = "cls_preds"
	KeyBoxPreds           = "box_preds"
	KeyDirClsPreds        = "dir_cls_preds"
	KeyBatchClsPreds      = "batch_cls_preds"
	KeyBatchBoxPreds      = "batch_box_preds"
	KeyRoIs               = "rois"
	KeyRoIScores          = "roi_scores"
	KeyRoILabels          = "roi_labels"
	KeyRCNNCls            = "rcnn_cls"
	KeyClsPredsNormalized = "cls_preds_normalized"
	KeyHasClassLabels     = "has_class_labels"
)

// DataDict is the per-batch dictionary threaded through the modules. Graph tensors are
// stored by key; nodes created with Input are bound from host data before every run.
type DataDict struct {
	Graph     *G.ExprGraph
	BatchSize int
	Training  bool

	nodes  map[string]*G.Node
	inputs map[string]*G.Node
	flags  map[string]bool
}

// NewDataDict creates an empty dictionary for a graph.
func NewDataDict(g *G.ExprGraph, batchSize int, training bool) *DataDict {
	return &DataDict{
		Graph:     g,
		BatchSize: batchSize,
		Training:  training,
		nodes:     make(map[string]*G.Node),
		inputs:    make(map[string]*G.Node),
		flags:     make(map[string]bool),
	}
}

// Set stores n under key, replacing any earlier node.
func (d *DataDict) Set(key string, n *G.Node) { d.nodes[key] = n }

// Has reports whether key holds a node.
func (d *DataDict) Has(key string) bool {
	_, ok := d.nodes[key]
	return ok
}

// Get returns the node stored under key.
func (d *DataDict) Get(key string) (*G.Node, error) {
	n, ok := d.nodes[key]
	if !ok {
		return nil, errors.Wrap(ErrMissingKey, key)
	}
	return n, nil
}

// GetShape returns the node under key after checking its shape; -1 matches any size.
func (d *DataDict) GetShape(key string, shape ...int) (*G.Node, error) {
	n, err := d.Get(key)
	if err != nil {
		return nil, err
	}
	if err := nn.CheckShape(n, shape...); err != nil {
		return nil, errors.Wrap(err, key)
	}
	return n, nil
}

// Input creates an input node of the given shape, stores it under key and registers it for
// binding. Creating the same input twice returns the first node.
func (d *DataDict) Input(key string, shape ...int) *G.Node {
	if n, ok := d.inputs[key]; ok {
		return n
	}
	n := nn.Input(d.Graph, key, shape...)
	d.inputs[key] = n
	d.nodes[key] = n
	return n
}

// Inputs returns the registered input keys in sorted order.
func (d *DataDict) Inputs() []string {
	keys := make([]string, 0, len(d.inputs))
	for k := range d.inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Keys returns the stored keys in sorted order.
func (d *DataDict) Keys() []string {
	keys := make([]string, 0, len(d.nodes))
	for k := range d.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Bind lets every registered input take its value from feeds.
func (d *DataDict) Bind(feeds Feeds) error {
	for key, n := range d.inputs {
		v, ok := feeds[key]
		if !ok {
			return errors.Wrapf(ErrMissingKey, "no feed for input %s", key)
		}
		if !v.Shape().Eq(n.Shape()) {
			return errors.Wrapf(nn.ErrShapeMismatch, "feed %s: got %v, want %v", key, v.Shape(), n.Shape())
		}
		if err := G.Let(n, v); err != nil {
			return errors.Wrapf(err, "bind %s", key)
		}
	}
	return nil
}

// SetFlag records a boolean property of the dictionary.
func (d *DataDict) SetFlag(key string, v bool) { d.flags[key] = v }

// Flag returns a boolean property, false when unset.
func (d *DataDict) Flag(key string) bool { return d.flags[key] }
