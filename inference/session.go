package inference

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-pcdet/inference/providers"
)

// Session represents a model session from the onnxruntime with its preallocated input and
// output tensors.
type Session struct {
	session *ort.AdvancedSession
	inputs  []ort.Value
	outputs []ort.Value

	mu    sync.Mutex
	runs  int64
	total time.Duration
}

// NewSession loads the model at path and binds the tensors to the named inputs and outputs.
// The session owns the tensors from then on, also when creation fails.
func NewSession(path string, inputNames, outputNames []string, inputs, outputs []ort.Value, opts providers.Options) (*Session, error) {
	s := &Session{inputs: inputs, outputs: outputs}
	if len(inputNames) != len(inputs) || len(outputNames) != len(outputs) {
		s.Close()
		return nil, errors.Errorf("%d input and %d output names for %d and %d tensors",
			len(inputNames), len(outputNames), len(inputs), len(outputs))
	}
	options, err := providers.SessionOptions(opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	defer options.Destroy()

	s.session, err = ort.NewAdvancedSession(path, inputNames, outputNames, inputs, outputs, options)
	if err != nil {
		s.Close()
		return nil, errors.Wrapf(err, "create session for %s", path)
	}
	return s, nil
}

// Run executes the model on the current input tensors.
func (s *Session) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	err := s.session.Run()
	s.runs++
	s.total += time.Since(start)
	return errors.Wrap(err, "run session")
}

// Stats returns the number of runs and their mean duration.
func (s *Session) Stats() (int64, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == 0 {
		return 0, 0
	}
	return s.runs, s.total / time.Duration(s.runs)
}

// Close releases the session and its tensors.
func (s *Session) Close() error {
	var err error
	if s.session != nil {
		err = s.session.Destroy()
		s.session = nil
	}
	for _, v := range append(s.inputs, s.outputs...) {
		if v != nil {
			v.Destroy()
		}
	}
	s.inputs, s.outputs = nil, nil
	return errors.Wrap(err, "destroy session")
}
