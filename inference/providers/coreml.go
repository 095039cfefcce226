package providers

// CoreML provider flags of the runtime C API.
const (
	coreMLUseCPUOnly              uint32 = 0x001
	coreMLEnableOnSubgraph        uint32 = 0x002
	coreMLOnlyEnableDeviceWithANE uint32 = 0x004
	coreMLOnlyAllowStaticShapes   uint32 = 0x008
)

// CoreMLOptions contains arguments for the CoreML provider.
// See: https://onnxruntime.ai/docs/execution-providers/CoreML-ExecutionProvider.html
type CoreMLOptions struct {
	// Limit CoreML to running on CPU only.
	CPUOnly bool `json:"cpuOnly" yaml:"cpuOnly"`
	// Run on subgraphs in the body of control flow operators.
	EnableOnSubgraphs bool `json:"enableOnSubgraphs" yaml:"enableOnSubgraphs"`
	// Only enable the provider on devices with an Apple Neural Engine.
	RequireANE bool `json:"requireANE" yaml:"requireANE"`
	// Only take nodes whose inputs have static shapes. Detector graphs always do.
	RequireStaticInputShapes bool `json:"requireStaticInputShapes" yaml:"requireStaticInputShapes"`
}

// Flags returns the provider flag word.
func (o CoreMLOptions) Flags() uint32 {
	var f uint32
	if o.CPUOnly {
		f |= coreMLUseCPUOnly
	}
	if o.EnableOnSubgraphs {
		f |= coreMLEnableOnSubgraph
	}
	if o.RequireANE {
		f |= coreMLOnlyEnableDeviceWithANE
	}
	if o.RequireStaticInputShapes {
		f |= coreMLOnlyAllowStaticShapes
	}
	return f
}
