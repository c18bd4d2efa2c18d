package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// Kernel is one compute pipeline with its buffers
type Kernel interface {
	AllocateBuffers(ctx *Context, labelPrefix string) error
	Compile(ctx *Context, labelPrefix string) error
	CreateBindGroup(ctx *Context, labelPrefix string) error
	Dispatch(pass *wgpu.ComputePassEncoder)
	// Result reads the output buffer back to the host
	Result() ([]float32, error)
	Cleanup()
}

// Run builds every kernel, records them into one command buffer and submits it
func Run(labelPrefix string, kernels ...Kernel) error {
	ctx, err := GetContext()
	if err != nil {
		return err
	}
	for i, k := range kernels {
		label := fmt.Sprintf("%s_%d", labelPrefix, i)
		if err := k.AllocateBuffers(ctx, label); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		if err := k.Compile(ctx, label); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		if err := k.CreateBindGroup(ctx, label); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
	}

	enc, err := ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return err
	}
	defer enc.Release()
	for _, k := range kernels {
		pass := enc.BeginComputePass(nil)
		k.Dispatch(pass)
		pass.End()
	}
	cmd, err := enc.Finish(nil)
	if err != nil {
		return err
	}
	ctx.Queue.Submit(cmd)
	return nil
}

// compilePipeline creates a compute pipeline with entry point main
func compilePipeline(ctx *Context, label, code string) (*wgpu.ComputePipeline, error) {
	module, err := ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return nil, fmt.Errorf("shader compile: %w", err)
	}
	defer module.Release()

	pipeline, err := ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: label + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline create: %w", err)
	}
	return pipeline, nil
}

// bindBuffers binds buffers to consecutive bindings of group 0
func bindBuffers(ctx *Context, label string, pipeline *wgpu.ComputePipeline, buffers ...*wgpu.Buffer) (*wgpu.BindGroup, error) {
	entries := make([]wgpu.BindGroupEntry, len(buffers))
	for i, b := range buffers {
		entries[i] = wgpu.BindGroupEntry{Binding: uint32(i), Buffer: b, Size: b.GetSize()}
	}
	return ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label + "_Bind",
		Layout:  pipeline.GetBindGroupLayout(0),
		Entries: entries,
	})
}

func workgroups(n int) uint32 {
	return (uint32(n) + 255) / 256
}

func destroyBuffers(buffers ...*wgpu.Buffer) {
	for _, b := range buffers {
		if b != nil {
			b.Destroy()
		}
	}
}
