package providers

import "strconv"

// OpenVINOOptions contains arguments for the OpenVINO provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
type OpenVINOOptions struct {
	// Overrides the accelerator hardware type (CPU, GPU, NPU) at runtime.
	DeviceType string `json:"deviceType" yaml:"deviceType"`
	// FP32, FP16 or ACCURACY. Empty keeps the device default.
	Precision string `json:"precision" yaml:"precision"`
	// Overrides the number of inference threads. 0 keeps the build default.
	NumOfThreads int `json:"numOfThreads" yaml:"numOfThreads"`
	// Overrides the number of streams. 0 keeps the build default.
	NumStreams int `json:"numStreams" yaml:"numStreams"`
	// Directory of compiled blobs reused across runs.
	CacheDir string `json:"cacheDir" yaml:"cacheDir"`
}

// Values returns the provider option map with unset options left out.
func (o OpenVINOOptions) Values() map[string]string {
	v := map[string]string{}
	if o.DeviceType != "" {
		v["device_type"] = o.DeviceType
	}
	if o.Precision != "" {
		v["precision"] = o.Precision
	}
	if o.NumOfThreads > 0 {
		v["num_of_threads"] = strconv.Itoa(o.NumOfThreads)
	}
	if o.NumStreams > 0 {
		v["num_streams"] = strconv.Itoa(o.NumStreams)
	}
	if o.CacheDir != "" {
		v["cache_dir"] = o.CacheDir
	}
	return v
}
