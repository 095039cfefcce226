// Package checkpoint saves and restores detector parameters as safetensors files: an 8 byte
// little endian header length, a JSON header and the little endian float32 data. Training
// progress is kept in the __metadata__ entry.
package checkpoint

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-pcdet/nn"
)

const (
	dtypeF32    = "F32"
	metadataKey = "__metadata__"
	// maxHeader bounds the header a reader accepts.
	maxHeader = 100 << 20
)

// ErrMissingTensor is returned when a checkpoint lacks a parameter of the detector.
var ErrMissingTensor = errors.New("tensor missing from checkpoint")

// Tensor is a named float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Checkpoint is the saved state of a detector.
type Checkpoint struct {
	Model   string
	Epoch   int
	Step    int
	Tensors map[string]Tensor
}

type header struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Source is the part of a detector a checkpoint is taken from.
type Source interface {
	Learnables() G.Nodes
	State() map[string]*tensor.Dense
}

// Snapshot copies the parameters and the running statistics of src.
func Snapshot(src Source, model string, epoch, step int) (*Checkpoint, error) {
	ck := &Checkpoint{Model: model, Epoch: epoch, Step: step, Tensors: make(map[string]Tensor)}
	for _, n := range src.Learnables() {
		data, err := nn.Float32s(n)
		if err != nil {
			return nil, err
		}
		ck.Tensors[n.Name()] = Tensor{Shape: []int(n.Shape().Clone()), Data: append([]float32(nil), data...)}
	}
	for name, d := range src.State() {
		data, err := values(d)
		if err != nil {
			return nil, errors.Wrap(err, name)
		}
		ck.Tensors[name] = Tensor{Shape: []int(d.Shape().Clone()), Data: append([]float32(nil), data...)}
	}
	return ck, nil
}

// Restore copies the tensors of ck into dst. Every parameter and statistic of dst must be
// present with its shape; extra tensors are ignored.
func Restore(dst Source, ck *Checkpoint) error {
	for _, n := range dst.Learnables() {
		d, ok := n.Value().(*tensor.Dense)
		if !ok {
			return errors.Errorf("%s has no tensor value", n.Name())
		}
		if err := assign(n.Name(), d, ck.Tensors); err != nil {
			return err
		}
	}
	for name, d := range dst.State() {
		if err := assign(name, d, ck.Tensors); err != nil {
			return err
		}
	}
	return nil
}

func assign(name string, d *tensor.Dense, tensors map[string]Tensor) error {
	t, ok := tensors[name]
	if !ok {
		return errors.Wrap(ErrMissingTensor, name)
	}
	if !d.Shape().Eq(tensor.Shape(t.Shape)) {
		return errors.Wrapf(nn.ErrShapeMismatch, "%s: checkpoint %v, detector %v", name, t.Shape, d.Shape())
	}
	if d.Size() == 1 {
		d.Set(0, t.Data[0])
		return nil
	}
	data, err := values(d)
	if err != nil {
		return errors.Wrap(err, name)
	}
	copy(data, t.Data)
	return nil
}

func values(d *tensor.Dense) ([]float32, error) {
	switch v := d.Data().(type) {
	case []float32:
		return v, nil
	case float32:
		return []float32{v}, nil
	}
	return nil, errors.Errorf("dtype %s", d.Dtype())
}

// Save writes ck to path atomically.
func Save(path string, ck *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "checkpoint dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, ck); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "rename checkpoint")
}

// Write encodes ck in the safetensors layout. Tensors are written in name order.
func Write(w io.Writer, ck *Checkpoint) error {
	names := make([]string, 0, len(ck.Tensors))
	for name := range ck.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make(map[string]any, len(names)+1)
	entries[metadataKey] = map[string]string{
		"format": "pt",
		"model":  ck.Model,
		"epoch":  strconv.Itoa(ck.Epoch),
		"step":   strconv.Itoa(ck.Step),
	}
	var offset int64
	for _, name := range names {
		t := ck.Tensors[name]
		if n := numElements(t.Shape); n != len(t.Data) {
			return errors.Wrapf(nn.ErrShapeMismatch, "%s: shape %v holds %d values, got %d", name, t.Shape, n, len(t.Data))
		}
		end := offset + int64(4*len(t.Data))
		entries[name] = header{DType: dtypeF32, Shape: t.Shape, DataOffsets: []int64{offset, end}}
		offset = end
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "encode header")
	}
	// The data starts 8 byte aligned.
	for len(raw)%8 != 0 {
		raw = append(raw, ' ')
	}

	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(raw)))
	if _, err := w.Write(size[:]); err != nil {
		return errors.Wrap(err, "write header size")
	}
	if _, err := w.Write(raw); err != nil {
		return errors.Wrap(err, "write header")
	}
	buf := make([]byte, 0, 4096)
	for _, name := range names {
		for _, v := range ck.Tensors[name].Data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
			if len(buf) == cap(buf) {
				if _, err := w.Write(buf); err != nil {
					return errors.Wrapf(err, "write %s", name)
				}
				buf = buf[:0]
			}
		}
	}
	_, err = w.Write(buf)
	return errors.Wrap(err, "write data")
}

// Load reads the checkpoint at path.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()
	ck, err := Read(f)
	return ck, errors.Wrap(err, path)
}

// Read decodes a safetensors stream. Only F32 tensors are supported.
func Read(r io.Reader) (*Checkpoint, error) {
	var size [8]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, errors.Wrap(err, "read header size")
	}
	n := binary.LittleEndian.Uint64(size[:])
	if n > maxHeader {
		return nil, errors.Errorf("header of %d bytes", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrap(err, "decode header")
	}

	ck := &Checkpoint{Tensors: make(map[string]Tensor, len(entries))}
	if meta, ok := entries[metadataKey]; ok {
		var m map[string]string
		if err := json.Unmarshal(meta, &m); err != nil {
			return nil, errors.Wrap(err, "decode metadata")
		}
		ck.Model = m["model"]
		ck.Epoch, _ = strconv.Atoi(m["epoch"])
		ck.Step, _ = strconv.Atoi(m["step"])
		delete(entries, metadataKey)
	}

	type span struct {
		name  string
		h     header
		count int
	}
	spans := make([]span, 0, len(entries))
	for name, msg := range entries {
		var h header
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, errors.Wrapf(err, "decode %s", name)
		}
		if h.DType != dtypeF32 {
			return nil, errors.Errorf("%s: unsupported dtype %s", name, h.DType)
		}
		count := numElements(h.Shape)
		if len(h.DataOffsets) != 2 || h.DataOffsets[1]-h.DataOffsets[0] != int64(4*count) {
			return nil, errors.Errorf("%s: bad data offsets %v for shape %v", name, h.DataOffsets, h.Shape)
		}
		spans = append(spans, span{name: name, h: h, count: count})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].h.DataOffsets[0] < spans[j].h.DataOffsets[0] })

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read data")
	}
	for _, s := range spans {
		start, end := s.h.DataOffsets[0], s.h.DataOffsets[1]
		if end > int64(len(data)) {
			return nil, errors.Errorf("%s: data ends at %d of %d bytes", s.name, end, len(data))
		}
		out := make([]float32, s.count)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[start+int64(4*i):]))
		}
		ck.Tensors[s.name] = Tensor{Shape: s.h.Shape, Data: out}
	}
	return ck, nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
