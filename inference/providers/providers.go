// Package providers - ONNX Runtime environment and execution provider selection.
package providers

import (
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-pcdet/config"
)

// ProviderBackend names an ONNX Runtime execution provider.
type ProviderBackend string

const (
	// CPUProviderBackend runs on the default CPU provider.
	CPUProviderBackend ProviderBackend = "cpu"
	// CUDAProviderBackend uses NVIDIA CUDA.
	CUDAProviderBackend ProviderBackend = "cuda"
	// CoreMLProviderBackend uses Apple CoreML.
	CoreMLProviderBackend ProviderBackend = "coreml"
	// OpenVINOProviderBackend uses Intel OpenVINO.
	OpenVINOProviderBackend ProviderBackend = "openvino"
)

// ErrUnknownBackend is returned for a provider name without an implementation.
var ErrUnknownBackend = errors.New("unknown execution provider")

// ParseBackend returns the backend named s. The empty string selects the CPU.
func ParseBackend(s string) (ProviderBackend, error) {
	switch b := ProviderBackend(s); b {
	case "":
		return CPUProviderBackend, nil
	case CPUProviderBackend, CUDAProviderBackend, CoreMLProviderBackend, OpenVINOProviderBackend:
		return b, nil
	}
	return "", errors.Wrapf(ErrUnknownBackend, "%q", s)
}

// Options selects and tunes the execution provider of a session.
type Options struct {
	Backend ProviderBackend
	// Threads bounds intra-op parallelism. 0 lets the runtime decide.
	Threads  int
	CUDA     CUDAOptions
	CoreML   CoreMLOptions
	OpenVINO OpenVINOOptions
}

// FromConfig returns the options of the RUNTIME.ONNX block.
func FromConfig(cfg config.ONNXConfig) (Options, error) {
	backend, err := ParseBackend(cfg.Provider)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Backend:  backend,
		Threads:  cfg.Threads,
		CUDA:     CUDAOptions{DeviceID: cfg.DeviceID},
		OpenVINO: OpenVINOOptions{DeviceType: "CPU", NumOfThreads: cfg.Threads},
	}, nil
}

// SessionOptions builds native session options with the provider appended. The caller
// destroys them once the session is created.
func SessionOptions(opts Options) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "session options")
	}
	if err := configure(options, opts); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func configure(options *ort.SessionOptions, opts Options) error {
	if err := options.SetIntraOpNumThreads(opts.Threads); err != nil {
		return errors.Wrap(err, "intra op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return errors.Wrap(err, "optimization level")
	}
	switch opts.Backend {
	case CPUProviderBackend, "":
		return nil
	case CoreMLProviderBackend:
		return errors.Wrap(options.AppendExecutionProviderCoreML(opts.CoreML.Flags()), "enable CoreML")
	case OpenVINOProviderBackend:
		return errors.Wrap(options.AppendExecutionProviderOpenVINO(opts.OpenVINO.Values()), "enable OpenVINO")
	case CUDAProviderBackend:
		cuda, err := opts.CUDA.ToNativeProviderOptions()
		if err != nil {
			return errors.Wrap(err, "CUDA options")
		}
		defer cuda.Destroy()
		return errors.Wrap(options.AppendExecutionProviderCUDA(cuda), "enable CUDA")
	}
	return errors.Wrapf(ErrUnknownBackend, "%q", opts.Backend)
}

// DefaultLibraryPath returns the shared library under ./third_party for the current platform.
func DefaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "third_party/onnxruntime.dll"
	case "darwin":
		return "third_party/libonnxruntime.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "third_party/onnxruntime_arm64.so"
	}
	return "third_party/onnxruntime.so"
}

var (
	initOnce sync.Once
	initErr  error
)

// Init loads the runtime library at path, or DefaultLibraryPath when path is empty, and
// initializes the process wide environment. Only the first call has any effect.
func Init(path string) error {
	initOnce.Do(func() {
		if path == "" {
			path = DefaultLibraryPath()
		}
		if _, err := os.Stat(path); err != nil {
			initErr = errors.Wrapf(err, "ONNX Runtime library %s", path)
			return
		}
		ort.SetSharedLibraryPath(path)
		initErr = errors.Wrap(ort.InitializeEnvironment(), "initialize ONNX Runtime")
	})
	return initErr
}
