package nn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfluke/snnc/shader"
	"github.com/openfluke/snnc/shape"
	"github.com/openfluke/snnc/tiling"
)

// localSize is the compute workgroup size every compute template is built for
var localSize = [3]uint32{4, 8, 4}

// subpixelFactor is the upscale of a depth to space merge
const subpixelFactor = 2

// yoloDetections is the width of the detection buffer the YOLO layer emits
const yoloDetections = 600

func precisionName(half bool) string {
	if half {
		return "mediump"
	}
	return "highp"
}

func outputFormatName(half bool) string {
	if half {
		return "rgba16f"
	}
	return "rgba32f"
}

// csHeader opens a GLSL compute shader. block is the default layout line,
// "layout(std430) buffer;" or "layout(std140) uniform;".
func csHeader(half bool, block string) string {
	return "#version 320 es \n" +
		"#define PRECISION " + precisionName(half) + "\n" +
		"precision PRECISION float;\n" +
		block + "\n" +
		"#define OUTPUT_FORMAT " + outputFormatName(half) + "\n"
}

const (
	storageBlock = "layout(std430) buffer;"
	uniformBlock = "layout(std140) uniform;"
)

func workGroupDefines() string {
	return fmt.Sprintf("#define WORK_X %d\n#define WORK_Y %d\n#define WORK_Z %d\n", localSize[0], localSize[1], localSize[2])
}

// defaultDispatch covers a w x h x slices image with one invocation per texel
func defaultDispatch(w, h, slices uint32) [3]uint32 {
	return [3]uint32{
		shape.DivRoundUp(w, localSize[0]),
		shape.DivRoundUp(h, localSize[1]),
		shape.DivRoundUp(slices, localSize[2]),
	}
}

// unrolledDispatch covers a w x h x slices image with four texels per invocation along x
func unrolledDispatch(w, h, slices uint32) [3]uint32 {
	return [3]uint32{
		shape.DivRoundUp(w, 4*localSize[0]),
		shape.DivRoundUp(h, localSize[1]),
		shape.DivRoundUp(slices, localSize[2]),
	}
}

// cxxFloat renders v the way std::to_string does
func cxxFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', 6, 32)
}

// streamFloat renders v the way a default ostream does
func streamFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// csActivationDefines selects the activation compiled into a compute template
func csActivationDefines(d Desc) string {
	switch d.ActivationType() {
	case ActivationReLU:
		return "#define RELU\n"
	case ActivationReLU6:
		return "#define RELU6\n"
	case ActivationTanh:
		return "#define TANH\n"
	case ActivationSigmoid:
		return "#define SIGMOID\n"
	case ActivationLeakyReLU:
		return "#define LEAKYRELU_VAL " + cxxFloat(d.LeakyReluAlpha) + "\n"
	case ActivationSiLU:
		return "#define SILU\n"
	}
	return ""
}

// csPaddingDefine selects the border mode compiled into a compute template
func csPaddingDefine(mode string) string {
	switch tiling.ParsePaddingMode(mode) {
	case tiling.PaddingConstant:
		return "#define CONSTANT_PADDING\n"
	case tiling.PaddingReplicate:
		return "#define REPLICATE_PADDING\n"
	case tiling.PaddingReflect:
		return "#define REFLECT_PADDING\n"
	}
	return ""
}

// fsActivation renders the activation of output vector s<id> in fragment templates
func fsActivation(d Desc, id string) string {
	s := "s" + id
	switch d.ActivationType() {
	case ActivationReLU:
		return "\t" + s + " = max(" + s + ", vec4(0.0));\n"
	case ActivationReLU6:
		return "\t" + s + " = min(vec4(6.0),max(" + s + ", vec4(0.0)));\n"
	case ActivationTanh:
		return "\t" + s + " = tanh(" + s + ");\n"
	case ActivationSigmoid:
		return "\t" + s + " = vec4(1.0f)/(vec4(1.0f)+ exp(-" + s + "));\n"
	case ActivationLeakyReLU:
		return "\t" + s + " = max(" + s + ", (" + s + " * vec4(" + cxxFloat(d.LeakyReluAlpha) + "f)));\n"
	case ActivationSiLU:
		return s + " = " + s + " * vec4(1.0f)/(vec4(1.0f)+ exp(-" + s + "));\n"
	}
	return ""
}

// planeOutputs renders the activation and the output writes of every plane
// a multi render target fragment pass may write.
func planeOutputs(d Desc) string {
	var sb strings.Builder
	for i, id := range []string{"", "1", "2", "3"} {
		fmt.Fprintf(&sb, "#if PLANE_COUNT > %d\n", i)
		sb.WriteString(fsActivation(d, id))
		fmt.Fprintf(&sb, "\to_pixel%s = s%s;\n", id, id)
		sb.WriteString("#endif\n")
	}
	sb.WriteString("}\n")
	return sb.String()
}

// vkActivation is the activation enum of the Vulkan binaries
func vkActivation(d Desc) uint32 {
	return uint32(d.ActivationType())
}

func vkAsset(op string, half bool) string {
	if half {
		return "shaders/shadertemplate_vk_" + op + "_fp16.spv"
	}
	return "shaders/shadertemplate_vk_" + op + ".spv"
}

func loadText(opts GenerateOptions, name string) (string, error) {
	if opts.Assets == nil {
		return "", fmt.Errorf("%w %s: no asset loader", ErrAsset, name)
	}
	text, err := shader.LoadText(opts.Assets, name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAsset, err)
	}
	return text, nil
}

// fill substitutes bindings into an asset. Every placeholder the asset
// contains must be bound.
func fill(name, text string, bindings ...shader.Binding) (string, error) {
	return fillVariant(name, text, nil, bindings...)
}

// fillVariant is fill for passes that turn parts of the asset off through
// defines. The disabled placeholders may stay unbound.
func fillVariant(name, text string, disabled []shader.Placeholder, bindings ...shader.Binding) (string, error) {
	t := shader.FromAsset(name, text)
	for _, b := range bindings {
		t.Declare(b.Placeholder)
	}
	t.Disable(disabled...)
	return t.Fill(bindings...)
}

var normPlaceholders = []shader.Placeholder{shader.BetaConstants, shader.GammaConstants, shader.MeanConstants, shader.VarianceConstants}

// unusedConstants lists the weight placeholders past the used slots of a pass,
// plus the normalization ones when batchNorm is off.
func unusedConstants(used, slots int, batchNorm bool) []shader.Placeholder {
	var out []shader.Placeholder
	for k := used + 1; k <= slots; k++ {
		out = append(out, shader.Weight(k))
	}
	if !batchNorm {
		out = append(out, normPlaceholders...)
	}
	return out
}

// spirvPass loads a Vulkan binary into a new pass
func spirvPass(opts GenerateOptions, name string) (Pass, error) {
	p := newPass(ExecGPUVK)
	if opts.Assets == nil {
		return p, fmt.Errorf("%w %s: no asset loader", ErrAsset, name)
	}
	code, err := shader.LoadSPIRV(opts.Assets, name)
	if err != nil {
		return p, fmt.Errorf("%w: %w", ErrAsset, err)
	}
	p.Source = name
	p.Code = code
	return p, nil
}

// inputShape returns the i-th recorded input or an error naming the node
func inputShape(n *Node, i int) (shape.Buffer, error) {
	if i >= len(n.Inputs) {
		return shape.Buffer{}, fmt.Errorf("%w: %s has %d inputs, needs %d", ErrMalformedGraph, n.Name, len(n.Inputs), i+1)
	}
	return n.Inputs[i], nil
}

// vec4At returns the four values of v starting at i, zero filled
func vec4At(v []float32, i int) Uniform {
	var f [4]float32
	for l := range f {
		if i+l < len(v) {
			f[l] = v[i+l]
		}
	}
	return Vec4(f[0], f[1], f[2], f[3])
}
