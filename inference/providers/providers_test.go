package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-pcdet/config"
)

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in   string
		want ProviderBackend
		err  bool
	}{
		{"", CPUProviderBackend, false},
		{"cpu", CPUProviderBackend, false},
		{"cuda", CUDAProviderBackend, false},
		{"coreml", CoreMLProviderBackend, false},
		{"openvino", OpenVINOProviderBackend, false},
		{"tensorrt", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBackend(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrUnknownBackend)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromConfig(t *testing.T) {
	opts, err := FromConfig(config.ONNXConfig{Provider: "cuda", DeviceID: 1, Threads: 4})
	require.NoError(t, err)
	assert.Equal(t, CUDAProviderBackend, opts.Backend)
	assert.Equal(t, 4, opts.Threads)
	assert.Equal(t, "1", opts.CUDA.Values()["device_id"])
	assert.Equal(t, "4", opts.OpenVINO.Values()["num_of_threads"])

	_, err = FromConfig(config.ONNXConfig{Provider: "dml"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestCUDAValues(t *testing.T) {
	v := CUDAOptions{CudnnConvAlgoSearch: 1, UseTF32: true}.Values()
	assert.Equal(t, "HEURISTIC", v["cudnn_conv_algo_search"])
	assert.Equal(t, "1", v["use_tf32"])
	assert.NotContains(t, v, "gpu_mem_limit")

	v = CUDAOptions{CudnnConvAlgoSearch: 9, GPUMemLimit: 1 << 30}.Values()
	assert.Equal(t, "DEFAULT", v["cudnn_conv_algo_search"])
	assert.Equal(t, "1073741824", v["gpu_mem_limit"])
}

func TestOpenVINOValues(t *testing.T) {
	assert.Empty(t, OpenVINOOptions{}.Values())
	assert.Equal(t, map[string]string{"device_type": "GPU", "precision": "FP16"},
		OpenVINOOptions{DeviceType: "GPU", Precision: "FP16"}.Values())
}

func TestCoreMLFlags(t *testing.T) {
	assert.Zero(t, CoreMLOptions{}.Flags())
	assert.Equal(t, uint32(0x009), CoreMLOptions{CPUOnly: true, RequireStaticInputShapes: true}.Flags())
	assert.Equal(t, uint32(0x006), CoreMLOptions{EnableOnSubgraphs: true, RequireANE: true}.Flags())
}
