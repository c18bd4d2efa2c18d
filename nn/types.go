package nn

import (
	"fmt"
	"log/slog"
	"strings"
)

// Kind identifies the operator a node computes
type Kind int

const (
	KindInput              Kind = 0  // Graph input, produces no passes
	KindConv2D             Kind = 1  // 2D convolution with optional bias, batch norm and activation
	KindSeparableConv2D    Kind = 2  // Depthwise convolution
	KindConv2DTranspose    Kind = 3  // Transposed convolution
	KindMaxPooling2D       Kind = 4  // Max pooling
	KindAveragePooling2D   Kind = 5  // Average pooling
	KindAdaptiveAvgPool2D  Kind = 6  // Average over the whole input extent
	KindDense              Kind = 7  // Fully connected
	KindFlatten            Kind = 8  // Reshape to one row
	KindAdd                Kind = 9  // Elementwise sum of two inputs
	KindConcatenate        Kind = 10 // Channel concatenation of two inputs
	KindBatchNormalization Kind = 11 // Inference batch normalization
	KindInstanceNorm       Kind = 12 // Instance normalization
	KindActivation         Kind = 13 // Standalone activation
	KindUnary              Kind = 14 // Elementwise unary operator
	KindCalculate          Kind = 15 // Elementwise arithmetic template
	KindUpSampling2D       Kind = 16 // Nearest or bilinear upscaling
	KindSubpixel           Kind = 17 // Depth to space merge
	KindPad                Kind = 18 // Explicit border padding
	KindYOLO               Kind = 19 // CPU post-processing of detections
)

var kindNames = map[Kind]string{
	KindInput:              "InputLayer",
	KindConv2D:             "Conv2D",
	KindSeparableConv2D:    "SeparableConv2D",
	KindConv2DTranspose:    "Conv2DTranspose",
	KindMaxPooling2D:       "MaxPooling2D",
	KindAveragePooling2D:   "AveragePooling2D",
	KindAdaptiveAvgPool2D:  "AdaptiveAvgPool2d",
	KindDense:              "Dense",
	KindFlatten:            "Flatten",
	KindAdd:                "Add",
	KindConcatenate:        "Concatenate",
	KindBatchNormalization: "BatchNormalization",
	KindInstanceNorm:       "InstanceNorm",
	KindActivation:         "Activation",
	KindUnary:              "Unary",
	KindCalculate:          "Calculate",
	KindUpSampling2D:       "UpSampling2D",
	KindSubpixel:           "Subpixel",
	KindPad:                "Pad",
	KindYOLO:               "YOLO",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText renders the kind by name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ExecType is where a node runs
type ExecType int

const (
	ExecCPU   ExecType = 0 // Host code
	ExecGPUFS ExecType = 1 // OpenGL fragment shader passes
	ExecGPUCS ExecType = 2 // OpenGL compute shader passes
	ExecGPUVK ExecType = 3 // Vulkan SPIR-V pipelines
)

func (e ExecType) String() string {
	switch e {
	case ExecCPU:
		return "CPU"
	case ExecGPUFS:
		return "GPU_FS"
	case ExecGPUCS:
		return "GPU_CS"
	case ExecGPUVK:
		return "GPU_VK"
	}
	return fmt.Sprintf("ExecType(%d)", int(e))
}

// MarshalText renders the execution type by name
func (e ExecType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// Backend is the code generation target requested by the caller
type Backend int

const (
	BackendFragment Backend = 0 // GLSL fragment shaders rendering into texture slices
	BackendCompute  Backend = 1 // GLSL compute shaders writing images
	BackendVulkan   Backend = 2 // Precompiled SPIR-V with specialization constants
)

func (b Backend) String() string {
	switch b {
	case BackendFragment:
		return "fragment"
	case BackendCompute:
		return "compute"
	case BackendVulkan:
		return "vulkan"
	}
	return fmt.Sprintf("Backend(%d)", int(b))
}

// ParseBackend accepts "fragment"/"fs", "compute"/"cs" and "vulkan"/"vk"
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fragment", "fs", "gl":
		return BackendFragment, nil
	case "compute", "cs":
		return BackendCompute, nil
	case "vulkan", "vk":
		return BackendVulkan, nil
	}
	return BackendFragment, fmt.Errorf("unknown backend %q", s)
}

// WeightMode is how weights reach a shader
type WeightMode int

const (
	WeightConstants     WeightMode = 0 // Inline source literals
	WeightTextures      WeightMode = 1 // Sampled weight textures
	WeightUniformBuffer WeightMode = 2 // std140 uniform blocks
	WeightSSBO          WeightMode = 3 // std430 storage buffers
)

func (w WeightMode) String() string {
	switch w {
	case WeightConstants:
		return "constants"
	case WeightTextures:
		return "textures"
	case WeightUniformBuffer:
		return "uniform"
	case WeightSSBO:
		return "ssbo"
	}
	return fmt.Sprintf("WeightMode(%d)", int(w))
}

// ParseWeightMode parses a weight mode name
func ParseWeightMode(s string) (WeightMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "constants", "const":
		return WeightConstants, nil
	case "textures", "texture":
		return WeightTextures, nil
	case "uniform", "ubo":
		return WeightUniformBuffer, nil
	case "ssbo", "buffer":
		return WeightSSBO, nil
	}
	return WeightConstants, fmt.Errorf("unknown weight mode %q", s)
}

// ActivationType is a trailing activation folded into a layer
type ActivationType int

const (
	ActivationNone      ActivationType = 0 // identity
	ActivationReLU      ActivationType = 1 // max(v, 0)
	ActivationReLU6     ActivationType = 2 // min(max(v, 0), 6)
	ActivationTanh      ActivationType = 3 // tanh(v)
	ActivationSigmoid   ActivationType = 4 // 1 / (1 + exp(-v))
	ActivationLeakyReLU ActivationType = 5 // max(v, v * alpha)
	ActivationSiLU      ActivationType = 6 // v * sigmoid(v)
)

// ParseActivation maps an activation name onto its type. Unknown names fold to none.
func ParseActivation(name string) ActivationType {
	switch name {
	case "", "linear", "none":
		return ActivationNone
	case "relu", "Relu":
		return ActivationReLU
	case "relu6":
		return ActivationReLU6
	case "tanh":
		return ActivationTanh
	case "sigmoid":
		return ActivationSigmoid
	case "leakyRelu", "leaky_relu":
		return ActivationLeakyReLU
	case "SiLU":
		return ActivationSiLU
	}
	slog.Debug("unknown activation, using none", "activation", name)
	return ActivationNone
}

func (a ActivationType) String() string {
	switch a {
	case ActivationNone:
		return "none"
	case ActivationReLU:
		return "relu"
	case ActivationReLU6:
		return "relu6"
	case ActivationTanh:
		return "tanh"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationLeakyReLU:
		return "leakyRelu"
	case ActivationSiLU:
		return "SiLU"
	}
	return fmt.Sprintf("ActivationType(%d)", int(a))
}
