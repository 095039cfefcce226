package providers

import (
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
)

// CUDAOptions contains arguments for the CUDA provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type CUDAOptions struct {
	// The device ID.
	DeviceID int `json:"deviceID" yaml:"deviceID"`
	// The size limit of the device memory arena in bytes. 0 leaves it unlimited.
	GPUMemLimit int64 `json:"gpuMemLimit" yaml:"gpuMemLimit"`
	// 0 extends the arena by powers of two, 1 by the requested amount.
	ArenaExtendStrategy int `json:"arenaExtendStrategy" yaml:"arenaExtendStrategy"`
	// 0 searches convolution algorithms exhaustively, 1 heuristically, 2 uses the default.
	CudnnConvAlgoSearch int `json:"cudnnConvAlgoSearch" yaml:"cudnnConvAlgoSearch"`
	// Allows TensorFloat-32 matrix multiplications on Ampere and later.
	UseTF32 bool `json:"useTF32" yaml:"useTF32"`
}

// Values returns the provider option map.
func (o CUDAOptions) Values() map[string]string {
	v := map[string]string{
		"device_id":              strconv.Itoa(o.DeviceID),
		"arena_extend_strategy":  strconv.Itoa(o.ArenaExtendStrategy),
		"cudnn_conv_algo_search": [...]string{"EXHAUSTIVE", "HEURISTIC", "DEFAULT"}[min(max(o.CudnnConvAlgoSearch, 0), 2)],
		"use_tf32":               "0",
	}
	if o.GPUMemLimit > 0 {
		v["gpu_mem_limit"] = strconv.FormatInt(o.GPUMemLimit, 10)
	}
	if o.UseTF32 {
		v["use_tf32"] = "1"
	}
	return v
}

// ToNativeProviderOptions converts the options for the runtime. The caller destroys them.
func (o CUDAOptions) ToNativeProviderOptions() (*ort.CUDAProviderOptions, error) {
	opts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, err
	}
	if err := opts.Update(o.Values()); err != nil {
		opts.Destroy()
		return nil, err
	}
	return opts, nil
}
