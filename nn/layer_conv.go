package nn

import (
	"fmt"
	"strings"

	"github.com/openfluke/snnc/shader"
	"github.com/openfluke/snnc/shape"
	"github.com/openfluke/snnc/tiling"
	"github.com/openfluke/snnc/weights"
)

const (
	conv2DFSAsset    = "shaders/shadertemplate_fs_conv2d_RGBA.glsl"
	conv2DCSAsset    = "shaders/3rdparty/shadertemplate_cs_conv2d.glsl"
	conv2D1x1CSAsset = "shaders/3rdparty/shadertemplate_cs_conv2d_1x1.glsl"
)

// maxPlanesForConstants is the largest input channel count whose weights
// are always inlined as constants.
const maxPlanesForConstants = 64

// convWeightMode returns the weight mode a convolution of in input planes uses
func convWeightMode(in uint32, requested WeightMode) WeightMode {
	if in <= maxPlanesForConstants {
		return WeightConstants
	}
	return requested
}

func validateConv(n *Node) error {
	d := n.Desc
	if err := d.Weights.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidShape, n.Name, err)
	}
	if d.Weights.Out != int(d.OutputPlanes) || d.Weights.In != int(d.InputPlanes) ||
		d.Weights.KH != int(d.KernelSize) || d.Weights.KW != int(d.KernelSize) {
		return fmt.Errorf("%w: %s: kernel is %dx%dx%dx%d, layer declares %dx%dx%dx%d", ErrInvalidShape, n.Name,
			d.Weights.Out, d.Weights.In, d.Weights.KH, d.Weights.KW, d.OutputPlanes, d.InputPlanes, d.KernelSize, d.KernelSize)
	}
	return nil
}

func convOffsets(d Desc) [4]uint32 {
	return tiling.PaddingOffsets(d.KernelSize, d.Padding, true)
}

func conv2DPreDefine(d Desc, opts GenerateOptions, mode WeightMode, name string) string {
	off := convOffsets(d)
	var sb strings.Builder
	sb.WriteString("#version 320 es\n")
	fmt.Fprintf(&sb, "// %s\n", name)
	fmt.Fprintf(&sb, "#define NUM_INPUT_PLANES %d\n", d.InputPlanes)
	fmt.Fprintf(&sb, "#define NUM_OUTPUT_PLANES %d\n", d.OutputPlanes)
	fmt.Fprintf(&sb, "#define NUM_KERNEL_SIZE %d\n", d.KernelSize)
	fmt.Fprintf(&sb, "#define INPUT_WIDTH %d\n", opts.InputWidth())
	fmt.Fprintf(&sb, "#define INPUT_HEIGHT %d\n", opts.InputHeight())
	fmt.Fprintf(&sb, "#define NUM_STRIDE %d\n", d.Stride)
	sb.WriteString("#define PAD_VALUE 0.0f\n")
	sb.WriteString("#define CLAMPED_PADDING\n")

	switch mode {
	case WeightSSBO:
		sb.WriteString("#define USE_WEIGHT_BUFFERS\n#define STORAGE_FORMAT std430\n#define VARIABLE_SPECIFIER buffer\n")
	case WeightUniformBuffer:
		sb.WriteString("#define USE_WEIGHT_BUFFERS\n#define STORAGE_FORMAT std140\n#define VARIABLE_SPECIFIER uniform\n")
	case WeightTextures:
		sb.WriteString("#define USE_WEIGHT_TEXTURES\n")
	default:
		sb.WriteString("#define USE_WEIGHT_CONSTANTS\n")
	}

	if d.UseMultiInputs {
		sb.WriteString("#define USE_MULTI_INPUTS \n")
	}
	sb.WriteString(inputRangeDefine(d, opts))
	if d.InputPlanes <= 4 {
		sb.WriteString("#define INPUT_TEXTURE_2D\n")
	}
	if d.UseBatchNorm {
		sb.WriteString("#define USE_BATCH_NORMALIZATION\n")
	}

	if mode != WeightConstants {
		sb.WriteString("#define USE_UNIFORM_WEIGHTS\n")
		fmt.Fprintf(&sb, "#define PADDING_T %d\n", off[tiling.Top])
		fmt.Fprintf(&sb, "#define PADDING_B %d\n", off[tiling.Bottom])
		fmt.Fprintf(&sb, "#define PADDING_L %d\n", off[tiling.Left])
		fmt.Fprintf(&sb, "#define PADDING_R %d\n", off[tiling.Right])
		switch d.Padding.Top {
		case "same":
			sb.WriteString("#define CONST_PADDING\n")
		case "replicate":
			sb.WriteString("#define REPLCIATE_PADDING\n")
		default:
			sb.WriteString("#define CHECKBOARD_PADDING\n")
		}
	} else {
		fmt.Fprintf(&sb, "#define PADDING_W %d\n", off[tiling.Top])
		fmt.Fprintf(&sb, "#define PADDING_H %d\n", off[tiling.Left])
	}
	return sb.String()
}

// texelPolicy maps the top padding string onto the policy the texel reads follow
func texelPolicy(padding string) string {
	switch {
	case padding == "0":
		return "none"
	case padding != "" && padding[0] >= '0' && padding[0] <= '9':
		return "same"
	}
	return padding
}

// convElementAccess renders the texture coordinates of every kernel tap and
// the per-slice fetches of the input texels.
func convElementAccess(d Desc, isFirstLayer bool) string {
	off := convOffsets(d)
	k := int(d.KernelSize)
	policy := texelPolicy(d.Padding.Top)
	var sb strings.Builder
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			w := -0.5 - float64(off[tiling.Top]) + float64(j)
			h := -0.5 - float64(off[tiling.Left]) + float64(i)
			fmt.Fprintf(&sb, "\t\tvec2 texCoord_%d = (vec2(baseCoord) + vec2(%s, %s)) / vec2(maxUV);\n", k*i+j+1, streamFloat(w), streamFloat(h))
		}
	}
	sb.WriteString("\t\tfor (int i = 0; i < NUM_INPUT_PLANES; i+= 4) {\n")
	sb.WriteString("\t\t\tint layer = i >> 2;\n")
	sb.WriteString("#ifdef USE_MULTI_INPUTS\n")
	sb.WriteString("\t\t\tlayer = (i + 4 * int((NUM_INPUT_PLANES + 3) / 4)) >> 2;\n")
	sb.WriteString("#endif\n")
	if off[tiling.Top] == 0 || policy == "valid" || policy == "none" {
		sb.WriteString("\t\t\tbool validCoord = true;\n")
	}
	for ld := 0; ld < k*k; ld++ {
		fmt.Fprintf(&sb, "\t\t\tFLOAT_PRECISION vec4 t%d = TEXTURE(inputTextures, vec3(texCoord_%d, layer));\n", ld, ld+1)
		if d.IsRange01 && isFirstLayer {
			fmt.Fprintf(&sb, "\t\t\tt%d = max(t%d, vec4(0.001));\n", ld, ld)
		}
	}
	return sb.String()
}

// convCalc renders the dot products accumulating every output component of
// a pass, one branch per input slice.
func convCalc(d Desc, channelsPerPass int) string {
	base := "\t\t\t"
	if convOffsets(d)[tiling.Top] == 0 {
		base += "\t"
	}
	kk := int(d.KernelSize * d.KernelSize)
	lanes := "rgba"
	upper := "RGBA"
	var sb strings.Builder
	for lv := 0; lv < int(shape.RoundUp4(d.InputPlanes)); lv += 4 {
		if lv == 0 {
			fmt.Fprintf(&sb, "%sif (i == %d) {\n", base, lv)
		} else {
			fmt.Fprintf(&sb, "#if NUM_INPUT_PLANES > %d\n", lv)
			fmt.Fprintf(&sb, "%selse if (i == %d) {\n", base, lv)
		}
		for c := 0; c < channelsPerPass; c++ {
			fmt.Fprintf(&sb, "#ifdef USE_COMPONENT_%c_PLANE_%d\n", upper[c%4], c/4)
			if c/4 == 0 {
				fmt.Fprintf(&sb, "%s\ts.%c += (", base, lanes[c%4])
			} else {
				fmt.Fprintf(&sb, "%s\ts%d.%c += (", base, c/4, lanes[c%4])
			}
			for ld := 0; ld < kk; ld++ {
				idx := (lv/4)*kk + ld
				switch {
				case ld == kk-1:
					fmt.Fprintf(&sb, "%sdot(t%d, weights%d[%d]));\n", base, ld, c+1, idx)
				case ld == 0:
					fmt.Fprintf(&sb, "dot(t%d, weights%d[%d]) +\n", ld, c+1, idx)
				default:
					fmt.Fprintf(&sb, "%s\tdot(t%d, weights%d[%d]) +\n", base, ld, c+1, idx)
				}
			}
			sb.WriteString("#endif\n")
		}
		if lv != 0 {
			sb.WriteString("#endif\n")
		}
		fmt.Fprintf(&sb, "%s\t}\n", base)
	}
	return sb.String()
}

func conv2DFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	if err := validateConv(n); err != nil {
		return nil, err
	}
	mode := convWeightMode(d.InputPlanes, opts.WeightMode)
	uniform := mode != WeightConstants

	text, err := loadText(opts, conv2DFSAsset)
	if err != nil {
		return nil, err
	}
	groups, err := tiling.Groups(int(d.OutputPlanes), opts.MRT)
	if err != nil {
		return nil, err
	}
	cpp, _ := tiling.ChannelsPerPass(opts.MRT)

	preDefine := conv2DPreDefine(d, opts, mode, conv2DFSAsset)
	postDefine := planeOutputs(d)
	bias := weights.PadTo(d.Biases, int(shape.RoundUp4(uint32(len(d.Biases)))))

	var constants []string
	var elementAccess, calc string
	if !uniform {
		constants = weights.ConvConstants(d.Weights)
		elementAccess = convElementAccess(d, opts.IsFirstLayer)
		calc = convCalc(d, cpp)
	}

	passes := make([]Pass, 0, len(groups))
	for _, g := range groups {
		rgba := tiling.ComponentDefines(g.Channels) + fmt.Sprintf("#define PLANE_COUNT %d\n", g.PlaneCount)

		bindings := []shader.Binding{shader.Bind(shader.Precision, precisionName(opts.PreferHalf))}
		if !uniform {
			for k := 0; k < g.Channels; k++ {
				bindings = append(bindings, shader.Bind(shader.Weight(k+1), constants[g.First+k]))
			}
			bindings = append(bindings,
				shader.Bind(shader.BiasConstants, weights.BiasConstants(d.Biases, g.First, g.Channels)),
				shader.Bind(shader.ElementAccess, elementAccess),
				shader.Bind(shader.Calc, calc),
			)
			if d.UseBatchNorm {
				bn, err := batchNormBindings(d.BatchNorm, g.First, g.Channels)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", n.Name, err)
				}
				bindings = append(bindings, bn...)
			}
		}
		disabled := unusedConstants(g.Channels, cpp, d.UseBatchNorm && !uniform)
		if uniform {
			disabled = append(unusedConstants(0, cpp, false), shader.BiasConstants, shader.ElementAccess, shader.Calc)
		}
		body, err := fillVariant(conv2DFSAsset, text, disabled, bindings...)
		if err != nil {
			return nil, err
		}

		p := newPass(ExecGPUFS)
		p.Source = preDefine + rgba + body + postDefine
		p.SetInput("inputTextures", 0)
		p.Fragment = &FragmentProgram{OutputSliceIndex: uint32(g.SliceIndex), OutputSliceCount: uint32(g.PlaneCount)}

		if uniform {
			for k := 0; k < g.PlaneCount; k++ {
				name := func(base string) string {
					if g.PlaneCount == 1 || k == 0 {
						return base
					}
					return fmt.Sprintf("%s[%d]", base, k)
				}
				at := g.First + 4*k
				p.SetUniform(name("bias"), vec4At(bias, at))
				if d.UseBatchNorm {
					p.SetUniform(name("beta"), vec4At(d.BatchNorm.Beta, at))
					p.SetUniform(name("gamma"), vec4At(d.BatchNorm.Gamma, at))
					p.SetUniform(name("movingMean"), vec4At(d.BatchNorm.Mean, at))
					p.SetUniform(name("movingVariance"), vec4At(d.BatchNorm.Variance, at))
				}
			}
			p.WeightMeta = []uint32{0, uint32(mode), boolWord(opts.PreferHalf), d.KernelSize, d.KernelSize,
				d.InputPlanes, d.OutputPlanes, uint32(cpp), uint32(cpp>>2) * uint32(g.Index)}
			p.ModelWeights = make([][]float32, 0, g.Channels*int(d.InputPlanes))
			for o := g.First; o < g.First+g.Channels; o++ {
				for i := 0; i < int(d.InputPlanes); i++ {
					p.ModelWeights = append(p.ModelWeights, d.Weights.Kernel(o, i))
				}
			}
		}
		passes = append(passes, p)
	}
	return passes, nil
}

// batchNormBindings renders the four normalization vectors of one pass
func batchNormBindings(bn BatchNorm, first, count int) ([]shader.Binding, error) {
	out := make([]shader.Binding, 0, 4)
	for i, v := range bn.Vectors() {
		s, err := weights.BatchNormConstants(v, first, count)
		if err != nil {
			return nil, err
		}
		out = append(out, shader.Bind(normPlaceholders[i], s))
	}
	return out, nil
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

const conv2DCSUniforms = "#ifdef OUTPUT_TEXTURE_2D\n" +
	"layout(OUTPUT_FORMAT, binding=3) writeonly uniform PRECISION image2D uOutput;\n" +
	"#else\n" +
	"layout(OUTPUT_FORMAT, binding=3) writeonly uniform PRECISION image2DArray uOutput;\n" +
	"#endif\n" +
	"#ifdef INPUT_TEXTURE_2D\n" +
	"layout(OUTPUT_FORMAT, binding=0) readonly uniform PRECISION image2D uInput;\n" +
	"#else\n" +
	"layout(OUTPUT_FORMAT, binding=0) readonly uniform PRECISION image2DArray uInput;\n" +
	"#endif\n" +
	"layout(binding=2) uniform PRECISION sampler2DArray uKernel;\n"

func conv2DCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	if err := validateConv(n); err != nil {
		return nil, err
	}
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	outW, outH := opts.DesiredOutputWidth, opts.DesiredOutputHeight
	ic4 := shape.DivRoundUp(d.InputPlanes, 4)
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	k := d.KernelSize
	s := int(d.Stride)

	header := csHeader(opts.PreferHalf, storageBlock)
	if d.InputPlanes <= 4 {
		header += "#define INPUT_TEXTURE_2D\n"
	}
	if d.OutputPlanes <= 4 {
		header += "#define OUTPUT_TEXTURE_2D\n"
	}
	header += csActivationDefines(d)
	header += csPaddingDefine(d.PaddingMode)
	if d.UseBatchNorm {
		header += "#define USE_BATCH_NORMALIZATION\n"
	}
	header += workGroupDefines()

	asset := conv2DCSAsset
	if k == 1 {
		asset = conv2D1x1CSAsset
	}
	main, err := loadText(opts, asset)
	if err != nil {
		return nil, err
	}

	p := newPass(ExecGPUCS)
	p.WeightMeta = []uint32{0, uint32(WeightTextures), boolWord(opts.PreferHalf), k, k, d.InputPlanes, d.OutputPlanes}
	p.SetWeightDims("2", [3]uint32{ic4 * 4, oc4, k * k})
	if k == 1 {
		p.SetUniform("uUnroll", Int(4))
		p.SetUniform("uStride", IVec2(s, s))
		p.SetUniform("uOutputSize", IVec3(outW, outH, oc4))
		p.SetUniform("uInputSize", IVec3(in.Width, in.Height, ic4))
	} else {
		off := convOffsets(d)
		p.SetUniform("uPad", IVec2(int(off[tiling.Top]), int(off[tiling.Left])))
		p.SetUniform("uKernelSize", IVec2(int(k), int(k)))
		p.SetUniform("uStride", IVec2(s, s))
		p.SetUniform("uDilate", IVec2(1, 1))
		p.SetUniform("uUnroll", Int(4))
		p.SetUniform("uOutputSize", IVec3(outW, outH, oc4))
		p.SetUniform("uInputSize", IVec3(in.Width, in.Height, ic4))
	}
	p.SetInput("uInput", 0)
	p.Source = header + conv2DCSUniforms + main
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: unrolledDispatch(outW, outH, oc4)}

	if opts.PreferHalf {
		p.HalfWeights = weights.PackOIHW16(d.Weights)
	} else {
		p.Weights = weights.PackOIHW(d.Weights)
	}
	p.Bias = weights.PadTo(d.Biases, int(d.OutputPlanes))
	if d.UseBatchNorm {
		p.Beta = weights.PadTo(d.BatchNorm.Beta, int(d.OutputPlanes))
		p.Gamma = weights.PadTo(d.BatchNorm.Gamma, int(d.OutputPlanes))
		p.Mean = weights.PadTo(d.BatchNorm.Mean, int(d.OutputPlanes))
		p.Variance = weights.PadTo(d.BatchNorm.Variance, int(d.OutputPlanes))
	}
	return []Pass{p}, nil
}

// setBatchNormBuffers binds the normalization vectors at first..first+3, or
// single zero placeholders when the layer has none. It reports whether
// normalization is enabled.
func setBatchNormBuffers(p *Pass, d Desc, first int) uint32 {
	vectors := d.BatchNorm.Vectors()
	for i, v := range vectors {
		binding := fmt.Sprint(first + i)
		if d.UseBatchNorm {
			p.SetObjectBuffer(binding, append([]float32(nil), v...))
		} else {
			p.SetObjectBuffer(binding, []float32{0})
		}
	}
	return boolWord(d.UseBatchNorm)
}

func conv2DVK(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	if err := validateConv(n); err != nil {
		return nil, err
	}
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	outW, outH := opts.DesiredOutputWidth, opts.DesiredOutputHeight
	ic4 := shape.DivRoundUp(d.InputPlanes, 4)
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	k := d.KernelSize
	s := max(d.Stride, 1)

	op := "conv2d"
	if k == 1 {
		op = "conv2d_1x1"
	}
	p, err := spirvPass(opts, vkAsset(op, opts.PreferHalf))
	if err != nil {
		return nil, err
	}

	p.SetWeightTexture("2", weights.PackOIHW(d.Weights), [3]uint32{ic4 * 4, oc4, k * k}, shape.PrecisionFormat(opts.PreferHalf))
	p.Bias = weights.PadTo(d.Biases, int(d.OutputPlanes))
	p.SetObjectBuffer("3", p.Bias)
	useBias := boolWord(len(d.Biases) > 0)
	useBN := setBatchNormBuffers(&p, d, 4)

	act := vkActivation(d)
	pad := uint32(tiling.ParsePaddingMode(d.PaddingMode))
	if k == 1 {
		p.SpecConstants = []SpecConstant{
			U32(0, s), U32(1, s), U32(2, outW), U32(3, outH), U32(4, oc4),
			U32(5, in.Width), U32(6, in.Height), U32(7, ic4), U32(8, 4),
			U32(9, act), U32(10, pad), U32(11, useBN), U32(12, useBias),
			F32(13, d.LeakyReluAlpha),
		}
	} else {
		off := convOffsets(d)
		p.SpecConstants = []SpecConstant{
			U32(0, off[tiling.Top]), U32(1, off[tiling.Left]), U32(2, k), U32(3, k), U32(4, s), U32(5, s),
			U32(6, outW), U32(7, outH), U32(8, oc4), U32(9, in.Width), U32(10, in.Height), U32(11, ic4),
			U32(12, 1), U32(13, 1), U32(14, 4), U32(15, act), U32(16, pad), U32(17, useBN), U32(18, useBias),
			F32(19, d.LeakyReluAlpha),
		}
	}
	p.SetInput("inputImage", 0)
	p.Compute = &ComputeProgram{OutputImage: "outputImage", Dispatch: unrolledDispatch(outW, outH, oc4)}
	return []Pass{p}, nil
}
