// Package postprocess - selection of final detections from dense box predictions.
package postprocess

import (
	"fmt"

	"github.com/nvr-ai/go-pcdet/common"
)

// Result represents a single detection result.
type Result struct {
	// The oriented box of the result in the lidar frame.
	Box common.Box3D `json:"box"`
	// The confidence score of the result.
	Score float32 `json:"score"`
	// The predicted 1-based class label of the result.
	Label int `json:"label"`
}

func (r Result) String() string {
	return fmt.Sprintf("label=%d score=%.3f %s", r.Label, r.Score, r.Box)
}

// Boxes returns the boxes of results.
func Boxes(results []Result) []common.Box3D {
	out := make([]common.Box3D, len(results))
	for i, r := range results {
		out[i] = r.Box
	}
	return out
}
