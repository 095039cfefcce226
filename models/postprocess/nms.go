// Package postprocess - provides rotated Non-Maximum Suppression for detection results.
package postprocess

import (
	"sort"
	"sync"

	"github.com/nvr-ai/go-pcdet/common"
	"github.com/nvr-ai/go-pcdet/config"
)

// NMS types understood by NewNMSConfig.
const (
	// NMSRotated suppresses on the rotated BEV IoU of the boxes.
	NMSRotated = "nms_gpu"
	// NMSAligned suppresses on the BEV IoU of the boxes with their heading ignored.
	NMSAligned = "nms_normal_gpu"
)

// parallelThreshold is the candidate count from which the IoU matrix is computed by the
// worker pool.
const parallelThreshold = 256

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	Type         string  // NMSRotated or NMSAligned.
	IoUThreshold float32 // Overlap threshold for suppression.
	PreMaxSize   int     // Candidates kept after sorting by score, 0 keeps all.
	PostMaxSize  int     // Detections kept after suppression, 0 keeps all.
	ClassAware   bool    // If true, suppress only within same class.
	NumWorkers   int     // Number of goroutines for parallel IoU computation.
}

// NewNMSConfig converts an NMS_CONFIG block.
func NewNMSConfig(c config.NMSConfig, workers int) *NMSConfig {
	return &NMSConfig{
		Type:         c.NMSType,
		IoUThreshold: c.NMSThresh,
		PreMaxSize:   c.NMSPreMaxSize,
		PostMaxSize:  c.NMSPostMaxSize,
		NumWorkers:   workers,
	}
}

func (c *NMSConfig) iou() func(a, b common.Box3D) float32 {
	if c.Type == NMSAligned {
		return AlignedBEVIoU
	}
	return common.BEVIoU
}

// AlignedBEVIoU is the IoU of the box footprints with the headings ignored.
func AlignedBEVIoU(a, b common.Box3D) float32 {
	ra := common.BoundingBox{X1: a.X - a.DX/2, Y1: a.Y - a.DY/2, X2: a.X + a.DX/2, Y2: a.Y + a.DY/2}
	rb := common.BoundingBox{X1: b.X - b.DX/2, Y1: b.Y - b.DY/2, X2: b.X + b.DX/2, Y2: b.Y + b.DY/2}
	return ra.IoU(&rb)
}

// IoUMatrix computes the symmetric n x n overlap matrix of boxes. Rows are distributed over
// a pool of workers goroutines; fewer than two workers computes inline.
func IoUMatrix(boxes []common.Box3D, iou func(a, b common.Box3D) float32, workers int) []float32 {
	n := len(boxes)
	out := make([]float32, n*n)
	row := func(i int) {
		for j := i + 1; j < n; j++ {
			v := iou(boxes[i], boxes[j])
			out[i*n+j] = v
			out[j*n+i] = v
		}
	}
	if workers < 2 {
		for i := 0; i < n; i++ {
			row(i)
		}
		return out
	}

	// Worker pool over rows; each row writes a disjoint set of cells.
	jobs := make(chan int, n)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				row(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return out
}

// sortByScore returns the indices of detections in descending score order, truncated to
// maxSize when positive.
func sortByScore(detections []Result, maxSize int) []int {
	order := make([]int, len(detections))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return detections[order[a]].Score > detections[order[b]].Score
	})
	if maxSize > 0 && len(order) > maxSize {
		order = order[:maxSize]
	}
	return order
}

// ApplyNMS filters overlapping detections using greedy rotated Non-Maximum Suppression.
//
// Arguments:
//   - detections: Detections in any order.
//   - config: NMS configuration. Detections are sorted by score and truncated to PreMaxSize
//     before suppression, and the kept detections are truncated to PostMaxSize. The IoU
//     matrix is computed by NumWorkers goroutines for large candidate sets.
//
// Returns:
//   - The indices into detections of the kept results, highest score first. If no
//     detections are provided, returns nil.
func ApplyNMS(detections []Result, config *NMSConfig) []int {
	if len(detections) == 0 {
		return nil
	}

	order := sortByScore(detections, config.PreMaxSize)
	boxes := make([]common.Box3D, len(order))
	for i, idx := range order {
		boxes[i] = detections[idx].Box
	}

	n := len(order)
	workers := config.NumWorkers
	if n < parallelThreshold {
		workers = 0
	}
	overlaps := IoUMatrix(boxes, config.iou(), workers)

	used := make([]bool, n)
	keep := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		keep = append(keep, order[i])
		if config.PostMaxSize > 0 && len(keep) == config.PostMaxSize {
			break
		}

		// Suppress if IoU exceeds threshold
		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if config.ClassAware && detections[order[i]].Label != detections[order[j]].Label {
				continue
			}
			if overlaps[i*n+j] > config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return keep
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression and returns the kept
// detections instead of their indices.
//
// Arguments:
//   - detections: Slice of detections in any order.
//   - config: NMS configuration.
//
// Returns:
//   - Filtered slice of detections, highest score first.
func ApplyGreedyNMS(detections []Result, config *NMSConfig) []Result {
	keep := ApplyNMS(detections, config)
	if keep == nil {
		return nil
	}
	out := make([]Result, len(keep))
	for i, idx := range keep {
		out[i] = detections[idx]
	}
	return out
}

// ClassAgnosticNMS keeps the boxes whose score reaches scoreThresh and survive suppression
// among all classes. It returns the indices of the kept boxes, highest score first.
func ClassAgnosticNMS(scores []float32, boxes []common.Box3D, scoreThresh float32, config *NMSConfig) []int {
	var candidates []Result
	var index []int
	for i, s := range scores {
		if s < scoreThresh {
			continue
		}
		candidates = append(candidates, Result{Box: boxes[i], Score: s})
		index = append(index, i)
	}
	keep := ApplyNMS(candidates, config)
	for i, k := range keep {
		keep[i] = index[k]
	}
	return keep
}

// MultiClassNMS runs ClassAgnosticNMS once per class on (N, C) row-major scores and returns
// the kept detections grouped by class, labels 1-based.
func MultiClassNMS(scores []float32, numClass int, boxes []common.Box3D, scoreThresh float32, config *NMSConfig) []Result {
	var out []Result
	column := make([]float32, len(boxes))
	for k := 0; k < numClass; k++ {
		for i := range boxes {
			column[i] = scores[i*numClass+k]
		}
		for _, i := range ClassAgnosticNMS(column, boxes, scoreThresh, config) {
			out = append(out, Result{Box: boxes[i], Score: column[i], Label: k + 1})
		}
	}
	return out
}
