package gpu

import (
	"fmt"
	"math"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/snnc/nn"
)

// DenseSpec describes a fully connected layer stored one row per output unit
type DenseSpec struct {
	InputSize  int
	OutputSize int
	Activation nn.ActivationType
	Alpha      float32   // leaky ReLU slope
	Weights    []float32 // Flattened [OutputSize * InputSize]
	Biases     []float32 // [OutputSize]
}

// Validate checks the weight and bias lengths
func (s DenseSpec) Validate() error {
	if s.InputSize <= 0 || s.OutputSize <= 0 {
		return fmt.Errorf("invalid dense layer %dx%d", s.OutputSize, s.InputSize)
	}
	if len(s.Weights) != s.InputSize*s.OutputSize {
		return fmt.Errorf("dense weights need %d values, got %d", s.InputSize*s.OutputSize, len(s.Weights))
	}
	if len(s.Biases) != s.OutputSize {
		return fmt.Errorf("dense biases need %d values, got %d", s.OutputSize, len(s.Biases))
	}
	return nil
}

func (s DenseSpec) activationBody() string {
	switch s.Activation {
	case nn.ActivationReLU:
		return "return max(x, 0.0);"
	case nn.ActivationReLU6:
		return "return clamp(x, 0.0, 6.0);"
	case nn.ActivationLeakyReLU:
		return fmt.Sprintf("return select(%s * x, x, x > 0.0);", wgslFloat(s.Alpha))
	case nn.ActivationSigmoid:
		return "return 1.0 / (1.0 + exp(-x));"
	case nn.ActivationTanh:
		return "return tanh(x);"
	case nn.ActivationSiLU:
		return "return x / (1.0 + exp(-x));"
	}
	return "return x;"
}

func wgslFloat(v float32) string {
	s := fmt.Sprintf("%g", v)
	for _, c := range s {
		if c == '.' || c == 'e' {
			return s
		}
	}
	return s + ".0"
}

// GenerateShader returns a WGSL kernel computing one output unit per invocation
func (s DenseSpec) GenerateShader() string {
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read_write> output : array<f32>;
		@group(0) @binding(2) var<storage, read> weights : array<f32>;
		@group(0) @binding(3) var<storage, read> biases : array<f32>;

		fn activate(x: f32) -> f32 {
			%s
		}

		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			let n_out = %du;
			let n_in = %du;
			if (idx >= n_out) {
				return;
			}

			var sum: f32 = biases[idx];
			let weight_offset = idx * n_in;
			for (var i: u32 = 0u; i < n_in; i++) {
				sum += weights[weight_offset + i] * input[i];
			}
			output[idx] = activate(sum);
		}
	`, s.activationBody(), s.OutputSize, s.InputSize)
}

// Reference evaluates the layer on the host
func (s DenseSpec) Reference(input []float32) []float32 {
	out := make([]float32, s.OutputSize)
	for o := range out {
		sum := s.Biases[o]
		row := s.Weights[o*s.InputSize : (o+1)*s.InputSize]
		for i, w := range row {
			sum += w * input[i]
		}
		out[o] = activate(s.Activation, s.Alpha, sum)
	}
	return out
}

func activate(t nn.ActivationType, alpha, x float32) float32 {
	switch t {
	case nn.ActivationReLU:
		return max(x, 0)
	case nn.ActivationReLU6:
		return min(max(x, 0), 6)
	case nn.ActivationLeakyReLU:
		if x > 0 {
			return x
		}
		return alpha * x
	case nn.ActivationSigmoid:
		return float32(1 / (1 + math.Exp(-float64(x))))
	case nn.ActivationTanh:
		return float32(math.Tanh(float64(x)))
	case nn.ActivationSiLU:
		return x / float32(1+math.Exp(-float64(x)))
	}
	return x
}

// DenseKernel evaluates a dense layer for one input vector
type DenseKernel struct {
	Spec  DenseSpec
	Input []float32

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer  *wgpu.Buffer
	OutputBuffer *wgpu.Buffer
	WeightBuffer *wgpu.Buffer
	BiasBuffer   *wgpu.Buffer
}

// NewDenseKernel checks the layer shape and the input length
func NewDenseKernel(spec DenseSpec, input []float32) (*DenseKernel, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if len(input) != spec.InputSize {
		return nil, fmt.Errorf("dense input needs %d values, got %d", spec.InputSize, len(input))
	}
	return &DenseKernel{Spec: spec, Input: input}, nil
}

func (k *DenseKernel) AllocateBuffers(ctx *Context, labelPrefix string) error {
	var err error
	if k.InputBuffer, err = NewFloatBuffer(labelPrefix+"_In", k.Input, storageUsage); err != nil {
		return err
	}
	if k.OutputBuffer, err = NewStorageBuffer(labelPrefix+"_Out", k.Spec.OutputSize); err != nil {
		return err
	}
	if k.WeightBuffer, err = NewFloatBuffer(labelPrefix+"_Weights", k.Spec.Weights, storageUsage); err != nil {
		return fmt.Errorf("weight buf: %w", err)
	}
	if k.BiasBuffer, err = NewFloatBuffer(labelPrefix+"_Bias", k.Spec.Biases, storageUsage); err != nil {
		return fmt.Errorf("bias buf: %w", err)
	}
	return nil
}

func (k *DenseKernel) Compile(ctx *Context, labelPrefix string) error {
	var err error
	k.pipeline, err = compilePipeline(ctx, labelPrefix, k.Spec.GenerateShader())
	return err
}

func (k *DenseKernel) CreateBindGroup(ctx *Context, labelPrefix string) error {
	var err error
	k.bindGroup, err = bindBuffers(ctx, labelPrefix, k.pipeline, k.InputBuffer, k.OutputBuffer, k.WeightBuffer, k.BiasBuffer)
	return err
}

func (k *DenseKernel) Dispatch(pass *wgpu.ComputePassEncoder) {
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, k.bindGroup, nil)
	pass.DispatchWorkgroups(workgroups(k.Spec.OutputSize), 1, 1)
}

func (k *DenseKernel) Result() ([]float32, error) {
	return ReadBuffer(k.OutputBuffer, k.Spec.OutputSize)
}

func (k *DenseKernel) Cleanup() {
	destroyBuffers(k.InputBuffer, k.OutputBuffer, k.WeightBuffer, k.BiasBuffer)
	k.InputBuffer, k.OutputBuffer, k.WeightBuffer, k.BiasBuffer = nil, nil, nil, nil
	if k.bindGroup != nil {
		k.bindGroup.Release()
		k.bindGroup = nil
	}
	if k.pipeline != nil {
		k.pipeline.Release()
		k.pipeline = nil
	}
}
