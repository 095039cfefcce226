// Package dataset reads LiDAR frames from disk, applies the data processors and
// augmentations of a model configuration, and collates frames into fixed-size batches.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-pcdet/common"
)

// FrameFile locates one frame on disk.
type FrameFile struct {
	// ID is the file name without extension.
	ID string
	// PointsPath is the velodyne .bin file.
	PointsPath string
	// LabelPath is the annotation file, empty when the frame is unlabelled.
	LabelPath string
	// order is the numeric frame id, -1 when the id is not a number.
	order int
}

// Label is one annotated object.
type Label struct {
	Box  common.Box3D
	Name string
}

// ErrMalformedLabel is returned for a label line that does not have eight fields.
var ErrMalformedLabel = errors.New("malformed label")

// ListFrames lists the frames of a dataset root laid out as root/points/<id>.bin with
// optional root/labels/<id>.txt. Frames are ordered by numeric id when every id is a number,
// else by name.
//
// Arguments:
//   - root: Dataset root directory.
//
// Returns:
//   - []FrameFile: The frames in order.
//   - error: Error if the points directory cannot be read.
func ListFrames(root string) ([]FrameFile, error) {
	pointsDir := filepath.Join(root, "points")
	entries, err := os.ReadDir(pointsDir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", pointsDir)
	}

	numeric := true
	var frames []FrameFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".bin" {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".bin")
		f := FrameFile{ID: id, PointsPath: filepath.Join(pointsDir, entry.Name()), order: -1}
		if n, err := strconv.Atoi(id); err == nil {
			f.order = n
		} else {
			numeric = false
		}
		label := filepath.Join(root, "labels", id+".txt")
		if _, err := os.Stat(label); err == nil {
			f.LabelPath = label
		}
		frames = append(frames, f)
	}

	sort.Slice(frames, func(i, j int) bool {
		if numeric {
			return frames[i].order < frames[j].order
		}
		return frames[i].ID < frames[j].ID
	})

	return frames, nil
}

// ReadPoints reads a little-endian float32 point file with numFeatures values per point.
func ReadPoints(path string, numFeatures int) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read points %s", path)
	}
	return DecodePoints(raw, numFeatures)
}

// DecodePoints decodes little-endian float32 points. Trailing bytes that do not form a whole
// point are an error.
func DecodePoints(raw []byte, numFeatures int) ([]float32, error) {
	stride := 4 * numFeatures
	if numFeatures <= 0 || len(raw)%stride != 0 {
		return nil, errors.Errorf("point buffer of %d bytes is not a multiple of %d", len(raw), stride)
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

// EncodePoints is the inverse of DecodePoints.
func EncodePoints(points []float32) []byte {
	out := make([]byte, 4*len(points))
	for i, v := range points {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// ReadLabels reads an annotation file with one "x y z dx dy dz heading name" object per line.
func ReadLabels(path string) ([]Label, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read labels %s", path)
	}
	labels, err := ParseLabels(raw)
	return labels, errors.Wrap(err, path)
}

// ParseLabels parses the annotation format. Blank lines are skipped.
func ParseLabels(raw []byte) ([]Label, error) {
	var labels []Label
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 8 {
			return nil, errors.Wrapf(ErrMalformedLabel, "line %d has %d fields", line, len(fields))
		}
		var v [7]float32
		for i := range v {
			f, err := strconv.ParseFloat(fields[i], 32)
			if err != nil {
				return nil, errors.Wrapf(ErrMalformedLabel, "line %d: %v", line, err)
			}
			v[i] = float32(f)
		}
		labels = append(labels, Label{Box: common.BoxFromSlice(v[:]), Name: fields[7]})
	}
	return labels, errors.Wrap(scanner.Err(), "scan labels")
}
