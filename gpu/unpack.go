package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// Layout is the packed ordering of a kernel buffer
type Layout int

const (
	LayoutTiled     Layout = 0 // Convolution kernels, 4x4 channel blocks per tap
	LayoutDepthwise Layout = 1 // Depthwise kernels, 4 channels per texel
)

func (l Layout) String() string {
	if l == LayoutDepthwise {
		return "depthwise"
	}
	return "tiled"
}

// UnpackSpec describes the planar tensor a packed buffer holds. Depthwise
// layouts use Out as the channel count and ignore In.
type UnpackSpec struct {
	Layout Layout
	Out    int
	In     int
	KH     int
	KW     int
}

func roundUp4(n int) int { return (n + 3) / 4 * 4 }

// PlanarSize is the number of values of the unpacked tensor
func (s UnpackSpec) PlanarSize() int {
	if s.Layout == LayoutDepthwise {
		return s.Out * s.KH * s.KW
	}
	return s.Out * s.In * s.KH * s.KW
}

// PackedSize is the number of values of the packed buffer
func (s UnpackSpec) PackedSize() int {
	if s.Layout == LayoutDepthwise {
		return roundUp4(s.Out) * s.KH * s.KW
	}
	return roundUp4(s.Out) * roundUp4(s.In) * s.KH * s.KW
}

// GenerateShader returns a WGSL kernel gathering one planar value per invocation
func (s UnpackSpec) GenerateShader() string {
	var src string
	if s.Layout == LayoutDepthwise {
		src = `
			let x = idx % KW;
			let y = (idx / KW) % KH;
			let c = idx / (KW * KH);
			let src = (y * KW + x) * OUT4 + c;`
	} else {
		src = `
			let x = idx % KW;
			let y = (idx / KW) % KH;
			let d = (idx / (KW * KH)) % IN;
			let b = idx / (KW * KH * IN);
			let src = (y * KW + x) * OUT4 * IN4 + IN4 * 4u * (b / 4u) + d * 4u + b % 4u;`
	}
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> packed : array<f32>;
		@group(0) @binding(1) var<storage, read_write> planar : array<f32>;

		const OUT4: u32 = %du;
		const IN: u32 = %du;
		const IN4: u32 = %du;
		const KH: u32 = %du;
		const KW: u32 = %du;
		const TOTAL: u32 = %du;

		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			if (idx >= TOTAL) { return; }
			%s
			planar[idx] = packed[src];
		}
	`, roundUp4(s.Out), s.In, roundUp4(s.In), s.KH, s.KW, s.PlanarSize(), src)
}

// UnpackKernel reorders a packed kernel buffer into planar order on the device
type UnpackKernel struct {
	Spec   UnpackSpec
	Packed []float32

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	PackedBuffer *wgpu.Buffer
	PlanarBuffer *wgpu.Buffer
}

// NewUnpackKernel checks the buffer length against the kernel shape
func NewUnpackKernel(spec UnpackSpec, packed []float32) (*UnpackKernel, error) {
	if spec.Out <= 0 || spec.KH <= 0 || spec.KW <= 0 || (spec.Layout == LayoutTiled && spec.In <= 0) {
		return nil, fmt.Errorf("invalid %s kernel %dx%dx%dx%d", spec.Layout, spec.Out, spec.In, spec.KH, spec.KW)
	}
	if want := spec.PackedSize(); len(packed) != want {
		return nil, fmt.Errorf("%s buffer needs %d values, got %d", spec.Layout, want, len(packed))
	}
	return &UnpackKernel{Spec: spec, Packed: packed}, nil
}

func (k *UnpackKernel) AllocateBuffers(ctx *Context, labelPrefix string) error {
	var err error
	if k.PackedBuffer, err = NewFloatBuffer(labelPrefix+"_Packed", k.Packed, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst); err != nil {
		return err
	}
	k.PlanarBuffer, err = NewStorageBuffer(labelPrefix+"_Planar", k.Spec.PlanarSize())
	return err
}

func (k *UnpackKernel) Compile(ctx *Context, labelPrefix string) error {
	var err error
	k.pipeline, err = compilePipeline(ctx, labelPrefix, k.Spec.GenerateShader())
	return err
}

func (k *UnpackKernel) CreateBindGroup(ctx *Context, labelPrefix string) error {
	var err error
	k.bindGroup, err = bindBuffers(ctx, labelPrefix, k.pipeline, k.PackedBuffer, k.PlanarBuffer)
	return err
}

func (k *UnpackKernel) Dispatch(pass *wgpu.ComputePassEncoder) {
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, k.bindGroup, nil)
	pass.DispatchWorkgroups(workgroups(k.Spec.PlanarSize()), 1, 1)
}

func (k *UnpackKernel) Result() ([]float32, error) {
	return ReadBuffer(k.PlanarBuffer, k.Spec.PlanarSize())
}

func (k *UnpackKernel) Cleanup() {
	destroyBuffers(k.PackedBuffer, k.PlanarBuffer)
	k.PackedBuffer, k.PlanarBuffer = nil, nil
	if k.bindGroup != nil {
		k.bindGroup.Release()
		k.bindGroup = nil
	}
	if k.pipeline != nil {
		k.pipeline.Release()
		k.pipeline = nil
	}
}
