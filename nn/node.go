package nn

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/openfluke/snnc/shape"
	"github.com/openfluke/snnc/tiling"
)

var (
	ErrMalformedGraph = errors.New("malformed graph")
	ErrCyclicGraph    = errors.New("graph is not a DAG")
	ErrUnsupported    = errors.New("no pass synthesizer for backend")
	ErrUnknownKind    = errors.New("unknown layer kind")
	ErrAsset          = errors.New("shader asset")
	ErrInvalidShape   = errors.New("invalid shape")
)

// Node is one layer of a graph: its parameters, links and, once the graph
// is built, its resolved shapes and synthesized passes.
type Node struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Desc  Desc   `json:"desc"`

	Prev []*Node `json:"-"`
	Next []*Node `json:"-"`

	Inputs []shape.Buffer `json:"inputs"`
	Output shape.Buffer   `json:"output"`
	Exec   ExecType       `json:"exec"`
	Passes []Pass         `json:"passes,omitempty"`

	caps *Capability
}

// Kind returns the operator kind of the node
func (n *Node) Kind() Kind { return n.Desc.Kind }

// IsInput reports whether the node is a graph input
func (n *Node) IsInput() bool { return n.Desc.Kind == KindInput }

// IsCPU reports whether the node runs on the host
func (n *Node) IsCPU() bool { return n.caps != nil && n.caps.CPU }

// Link adds an edge from n to next
func (n *Node) Link(next *Node) {
	n.Next = append(n.Next, next)
	next.Prev = append(next.Prev, n)
}

// AddInput records the shape of one more input
func (n *Node) AddInput(b shape.Buffer) {
	n.Inputs = append(n.Inputs, b)
}

// Transform returns how the node maps its input extents onto its output
func (n *Node) Transform() shape.Transform {
	if n.caps == nil || n.caps.Transform == nil {
		return shape.Identity()
	}
	return n.caps.Transform(n)
}

// OutputDims resolves the output extent from the recorded inputs
func (n *Node) OutputDims() shape.Dims {
	d := n.Transform().Resolve(n.Inputs)
	if n.caps != nil && n.caps.Dims != nil {
		d = n.caps.Dims(n, d)
	}
	return d
}

// OutputChannels is the logical channel count written by the node
func (n *Node) OutputChannels(d shape.Dims) uint32 {
	if n.Desc.OutputPlanes > 0 {
		return n.Desc.OutputPlanes
	}
	return d.Depth
}

// Synthesize generates the passes of the node for opts.Backend.
// Fragment and compute requests fall back on each other, Vulkan does not.
func (n *Node) Synthesize(opts GenerateOptions) error {
	if n.caps == nil {
		return fmt.Errorf("%w: %s", ErrUnknownKind, n.Desc.Kind)
	}
	type attempt struct {
		synth Synthesizer
		exec  ExecType
	}
	var order []attempt
	switch opts.Backend {
	case BackendVulkan:
		order = []attempt{{n.caps.VK, ExecGPUVK}}
	case BackendCompute:
		order = []attempt{{n.caps.CS, ExecGPUCS}, {n.caps.FS, ExecGPUFS}}
	default:
		order = []attempt{{n.caps.FS, ExecGPUFS}, {n.caps.CS, ExecGPUCS}}
	}
	for _, a := range order {
		if a.synth == nil {
			continue
		}
		passes, err := a.synth(n, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", n.Name, err)
		}
		if len(passes) == 0 {
			continue
		}
		for i := range passes {
			passes[i].Exec = a.exec
			slog.Debug("synthesized pass", "layer", n.Name, "pass", i, "exec", a.exec, "inputs", passes[i].InputNames())
		}
		n.Exec = a.exec
		n.Passes = passes
		return nil
	}
	return fmt.Errorf("%w %s: %s %q", ErrUnsupported, opts.Backend, n.Desc.Kind, n.Name)
}

func convTransform(n *Node) shape.Transform {
	d := n.Desc
	k := d.KernelSize
	s := float32(max(d.Stride, 1))
	off := tiling.PaddingOffsets(k, d.Padding, true)
	var t float32
	if k%2 == 1 {
		t = 1 + (float32(off[tiling.Top]+off[tiling.Bottom])-float32(k))/s
	} else {
		t = 1 + (float32(off[tiling.Top]+off[tiling.Bottom])-1-float32(k))/s
	}
	return shape.Affine(1/s, t)
}

func deconvTransform(n *Node) shape.Transform {
	d := n.Desc
	s := float32(max(d.Stride, 1))
	var t float32
	if d.Padding.Top != "same" {
		t = float32(d.KernelSize) - s
	}
	return shape.Affine(s, t)
}

func poolTransform(n *Node) shape.Transform {
	d := n.Desc
	s := float32(max(d.Stride, 1))
	switch d.Padding.Top {
	case "0", "none", "valid":
		return shape.Affine(1/s, 1-float32(d.KernelSize)/s)
	}
	return shape.Affine(1/s, 1-1/s)
}

func padTransform(n *Node) shape.Transform {
	off := tiling.PaddingOffsets(n.Desc.KernelSize, n.Desc.Padding, false)
	return shape.Transform{
		Kind:       shape.TransformAffine,
		ScaleW:     1,
		ScaleH:     1,
		TranslateW: float32(off[tiling.Left] + off[tiling.Right]),
		TranslateH: float32(off[tiling.Top] + off[tiling.Bottom]),
	}
}

func upsampleTransform(n *Node) shape.Transform {
	return shape.Scale(float32(max(n.Desc.ScaleFactor, 1)))
}

func subpixelTransform(n *Node) shape.Transform {
	return shape.Scale(float32(subpixelFactor))
}

func identityTransform(*Node) shape.Transform { return shape.Identity() }

func denseTransform(n *Node) shape.Transform {
	return shape.Fixed(uint32(len(n.Desc.Biases)), 1, 1, 1)
}

func flattenTransform(n *Node) shape.Transform {
	if len(n.Inputs) == 0 {
		return shape.Fixed(0, 1, 1, 1)
	}
	in := n.Inputs[0]
	return shape.Fixed(in.Width*in.Height*n.Desc.InputPlanes, 1, 1, 1)
}

func flattenDims(n *Node, d shape.Dims) shape.Dims {
	t := flattenTransform(n)
	return shape.Dims{Width: t.Width, Height: 1, Depth: 1}
}

func concatDims(n *Node, d shape.Dims) shape.Dims {
	var depth uint32
	for _, in := range n.Inputs {
		depth += in.Channels
	}
	d.Depth = depth
	return d
}

func denseDims(n *Node, d shape.Dims) shape.Dims {
	return shape.Dims{Width: uint32(len(n.Desc.Biases)), Height: 1, Depth: 1}
}

func yoloDims(*Node, shape.Dims) shape.Dims {
	return shape.Dims{Width: yoloDetections, Height: 1, Depth: 1}
}
