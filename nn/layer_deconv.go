package nn

import (
	"fmt"
	"strings"

	"github.com/openfluke/snnc/shader"
	"github.com/openfluke/snnc/shape"
	"github.com/openfluke/snnc/tiling"
	"github.com/openfluke/snnc/weights"
)

// deconvAsset names the transposed convolution template for a kernel size.
// Stride 2 kernel 4 layers have a dedicated variant when strided is set.
func deconvAsset(stage string, d Desc, strided bool) string {
	name := fmt.Sprintf("shaders/shadertemplate_%s_%dx_deconv_", stage, d.KernelSize)
	if d.Stride == 2 && d.KernelSize == 4 && strided {
		return name + "2s_RGBA.glsl"
	}
	return name + "RGBA.glsl"
}

func deconvPreDefine(d Desc, opts GenerateOptions, name string) string {
	var sb strings.Builder
	sb.WriteString("#version 320 es\n")
	fmt.Fprintf(&sb, "// %s\n", name)
	fmt.Fprintf(&sb, "#define NUM_INPUT_PLANES %d\n", d.InputPlanes)
	fmt.Fprintf(&sb, "#define NUM_OUTPUT_PLANES %d\n", d.OutputPlanes)
	fmt.Fprintf(&sb, "#define NUM_KERNEL_SIZE %d\n", d.KernelSize)
	fmt.Fprintf(&sb, "#define INPUT_WIDTH %d\n", opts.InputWidth())
	fmt.Fprintf(&sb, "#define INPUT_HEIGHT %d\n", opts.InputHeight())
	fmt.Fprintf(&sb, "#define NUM_STRIDE %d\n", d.Stride)
	if d.InputPlanes <= 4 {
		sb.WriteString("#define INPUT_TEXTURE_2D\n")
	}
	if d.UseBatchNorm {
		sb.WriteString("#define USE_BATCH_NORMALIZATION\n")
	}
	return sb.String()
}

// deconvActivation supports the activations the transposed templates know
func deconvActivation(d Desc) string {
	switch d.ActivationType() {
	case ActivationReLU:
		return "s = max(s, vec4(0.0));\n"
	case ActivationTanh:
		return "s = tanh(s);\n"
	case ActivationSigmoid:
		return "s = vec4(1.0f)/(vec4(1.0f)+ exp(-s));\n"
	case ActivationLeakyReLU:
		return "s = max(s, (s * vec4(" + cxxFloat(d.LeakyReluAlpha) + ")));\n"
	}
	return ""
}

// rescaleOutput reports whether the last layer maps [-1, 1] onto [0, 1]
func rescaleOutput(d Desc, opts GenerateOptions) bool {
	return opts.IsLastLayer && !d.IsRange01
}

type deconvPass struct {
	index    int
	channels int
	source   string
	matrices [][]float32
}

// deconvPasses fills the template once per group of four output channels
func deconvPasses(n *Node, opts GenerateOptions, name string, precision bool) ([]deconvPass, error) {
	d := n.Desc
	if err := validateConv(n); err != nil {
		return nil, err
	}
	text, err := loadText(opts, name)
	if err != nil {
		return nil, err
	}
	constants := weights.TransposedConstants(d.Weights)
	count := int(shape.DivRoundUp(d.OutputPlanes, 4))
	out := make([]deconvPass, 0, count)
	for i := 0; i < count; i++ {
		channels := min(4, int(d.OutputPlanes)-4*i)
		var bindings []shader.Binding
		dp := deconvPass{index: i, channels: channels}
		for k := 0; k < channels; k++ {
			o := 4*i + k
			bindings = append(bindings, shader.Bind(shader.Weight(k+1), constants[o]))
			dp.matrices = append(dp.matrices, weights.TransposedMatrix(d.Weights, o))
		}
		if d.UseBatchNorm {
			for j, v := range d.BatchNorm.Vectors() {
				bindings = append(bindings, shader.Bind(normPlaceholders[j], weights.Vec4List(v, 4*i, 4)))
			}
		}
		if precision {
			bindings = append(bindings, shader.Bind(shader.Precision, precisionName(opts.PreferHalf)))
		}
		body, err := fillVariant(name, text, unusedConstants(channels, 4, d.UseBatchNorm), bindings...)
		if err != nil {
			return nil, err
		}
		dp.source = deconvPreDefine(d, opts, name) + tiling.SinglePlaneDefines(channels) + body
		out = append(out, dp)
	}
	return out, nil
}

func deconvFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	name := deconvAsset("fs", d, opts.WeightMode == WeightSSBO)
	groups, err := deconvPasses(n, opts, name, true)
	if err != nil {
		return nil, err
	}
	post := deconvActivation(d)
	if rescaleOutput(d, opts) {
		post += "o_pixel = 0.5f * (s + vec4(1.0f));\n"
	} else {
		post += "o_pixel = s;\n"
	}
	post += "}\n"

	passes := make([]Pass, 0, len(groups))
	for _, g := range groups {
		p := newPass(ExecGPUFS)
		p.Source = g.source + post
		p.SetInput("inputTextures", 0)
		p.Fragment = &FragmentProgram{OutputSliceIndex: uint32(g.index), OutputSliceCount: 1}
		p.ModelWeights = g.matrices
		passes = append(passes, p)
	}
	return passes, nil
}

func deconvCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	name := deconvAsset("cs", d, true)
	groups, err := deconvPasses(n, opts, name, false)
	if err != nil {
		return nil, err
	}
	passes := make([]Pass, 0, len(groups))
	for _, g := range groups {
		post := deconvActivation(d)
		if rescaleOutput(d, opts) {
			post += "s = 0.5f * (s + vec4(1.0f));\n"
		}
		if d.OutputPlanes > 4 {
			post += fmt.Sprintf("imageStore(outTexture,ivec3(gl_GlobalInvocationID.xy, %d),s);\n", g.index)
		} else {
			post += "imageStore(outTexture,ivec2(gl_GlobalInvocationID.xy),s);\n"
		}
		post += "}\n"

		p := newPass(ExecGPUCS)
		p.Source = g.source + post
		p.SetInput("inputTextures", 0)
		p.Compute = &ComputeProgram{
			OutputImage: "outTexture",
			Dispatch:    [3]uint32{shape.DivRoundUp(opts.DesiredOutputWidth, 8), shape.DivRoundUp(opts.DesiredOutputHeight, 8), 1},
		}
		p.ModelWeights = g.matrices
		passes = append(passes, p)
	}
	return passes, nil
}
