// Package model - Detector build options.
package model

import "go.uber.org/zap"

// Mode selects which graph a detector builds.
type Mode string

const (
	// ModeTrain builds the loss graph with training targets as inputs.
	ModeTrain Mode = "train"
	// ModeEval builds the prediction graph.
	ModeEval Mode = "eval"
)

// Options configures how a detector is built.
type Options struct {
	// The graph to build.
	Mode Mode `json:"mode" yaml:"mode"`
	// The static number of samples per batch.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// Goroutines used for IoU matrices during post-processing.
	NMSWorkers int `json:"nms_workers" yaml:"nms_workers"`
	// Receives build topology at debug level.
	Logger *zap.Logger `json:"-" yaml:"-"`
}

// Training reports whether the options build the training graph.
func (o Options) Training() bool { return o.Mode == ModeTrain }
