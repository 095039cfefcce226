package inference

import (
	"github.com/pkg/errors"
)

// EngineType is the type of the engine
type EngineType string

const (
	// EngineGraph runs the detector graph with restored checkpoint weights.
	EngineGraph EngineType = "graph"
	// EngineONNX runs an exported network with the onnxruntime library and post-processes
	// its dense predictions in Go.
	EngineONNX EngineType = "onnx"
)

// Engines is a list of all supported engines
var Engines = []EngineType{EngineGraph, EngineONNX}

// ErrUnknownEngine is returned for an engine name that is not in Engines.
var ErrUnknownEngine = errors.New("unknown engine")

// ParseEngineType returns the engine named s. The empty string selects EngineGraph.
func ParseEngineType(s string) (EngineType, error) {
	if s == "" {
		return EngineGraph, nil
	}
	for _, e := range Engines {
		if string(e) == s {
			return e, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownEngine, "%q", s)
}
