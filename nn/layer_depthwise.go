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
	depthwiseFSAsset = "shaders/shadertemplate_fs_depthwise_RGBA.glsl"
	depthwiseCSAsset = "shaders/3rdparty/shadertemplate_cs_separableconvolution.glsl"
)

// maxDepthwiseConstantPlanes is the largest channel count whose depthwise
// weights are inlined as constants.
const maxDepthwiseConstantPlanes = 2048

func validateDepthwise(n *Node) error {
	d := n.Desc
	if err := d.Depthwise.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidShape, n.Name, err)
	}
	if d.Depthwise.Channels != int(d.InputPlanes) || d.Depthwise.KH != int(d.KernelSize) || d.Depthwise.KW != int(d.KernelSize) {
		return fmt.Errorf("%w: %s: kernel is %dx%dx%d, layer declares %dx%dx%d", ErrInvalidShape, n.Name,
			d.Depthwise.Channels, d.Depthwise.KH, d.Depthwise.KW, d.InputPlanes, d.KernelSize, d.KernelSize)
	}
	if d.OutputPlanes != d.InputPlanes {
		return fmt.Errorf("%w: %s: depthwise layer maps %d planes onto %d", ErrInvalidShape, n.Name, d.InputPlanes, d.OutputPlanes)
	}
	return nil
}

func depthwisePreDefine(d Desc, opts GenerateOptions, mode WeightMode) string {
	off := convOffsets(d)
	var sb strings.Builder
	sb.WriteString("#version 320 es\n")
	fmt.Fprintf(&sb, "#define NUM_INPUT_PLANES %d\n", d.InputPlanes)
	fmt.Fprintf(&sb, "#define NUM_OUTPUT_PLANES %d\n", d.OutputPlanes)
	fmt.Fprintf(&sb, "#define INPUT_WIDTH %d\n", opts.InputWidth())
	fmt.Fprintf(&sb, "#define INPUT_HEIGHT %d\n", opts.InputHeight())
	fmt.Fprintf(&sb, "#define NUM_KERNEL_SIZE %d\n", d.KernelSize)
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
		fmt.Fprintf(&sb, "#define PADDING_H %d\n", off[tiling.Bottom])
	}
	return sb.String()
}

// depthwiseElementAccess fetches every kernel tap of each output plane. Plane
// p reads input slice OUTPUTPLANE_INDEX/4 + p.
func depthwiseElementAccess(d Desc, planes int) string {
	off := convOffsets(d)
	k := int(d.KernelSize)
	var sb strings.Builder
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			w := -0.5 - float64(off[tiling.Top]) + float64(j)
			h := -0.5 - float64(off[tiling.Left]) + float64(i)
			fmt.Fprintf(&sb, "\t\tvec2 texCoord_%d = (vec2(baseCoord) + vec2(%s, %s)) / vec2(maxUV);\n", k*i+j+1, streamFloat(w), streamFloat(h))
		}
	}
	sb.WriteString("\t\t\tint layer = OUTPUTPLANE_INDEX >> 2;\n")
	for p := 1; p < planes; p++ {
		fmt.Fprintf(&sb, "#if PLANE_COUNT > %d\n", p)
		fmt.Fprintf(&sb, "\t\t\tint layer%d = layer + %d;\n", p, p)
		sb.WriteString("#endif\n")
	}
	for ld := 0; ld < k*k; ld++ {
		fmt.Fprintf(&sb, "\t\t\tFLOAT_PRECISION vec4 t%d = texture(inputTextures, vec3(texCoord_%d, layer));\n", ld, ld+1)
	}
	for p := 1; p < planes; p++ {
		fmt.Fprintf(&sb, "#if PLANE_COUNT > %d\n", p)
		for ld := 0; ld < k*k; ld++ {
			fmt.Fprintf(&sb, "\t\t\tFLOAT_PRECISION vec4 t%d_%d = texture(inputTextures, vec3(texCoord_%d, layer%d));\n", p, ld, ld+1, p)
		}
		sb.WriteString("#endif\n")
	}
	return sb.String()
}

// depthwiseCalc multiplies each plane's taps with its weight matrix
func depthwiseCalc(d Desc, planes int) string {
	base := "\t\t"
	if convOffsets(d)[tiling.Top] == 0 {
		base += "\t"
	}
	kk := int(d.KernelSize * d.KernelSize)
	var sb strings.Builder
	term := func(tap string, plane, ld int) {
		switch {
		case ld == kk-1:
			fmt.Fprintf(&sb, "%s%s * weightMatrix%d[%d]);\n", base, tap, plane+1, ld)
		case ld == 0:
			fmt.Fprintf(&sb, "%s * weightMatrix%d[%d] +\n", tap, plane+1, ld)
		default:
			fmt.Fprintf(&sb, "%s\t%s * weightMatrix%d[%d] +\n", base, tap, plane+1, ld)
		}
	}
	fmt.Fprintf(&sb, "%ss = (", base)
	for ld := 0; ld < kk; ld++ {
		term(fmt.Sprintf("t%d", ld), 0, ld)
	}
	for p := 1; p < planes; p++ {
		fmt.Fprintf(&sb, "#if PLANE_COUNT > %d\n", p)
		fmt.Fprintf(&sb, "%ss%d = (", base, p)
		for ld := 0; ld < kk; ld++ {
			term(fmt.Sprintf("t%d_%d", p, ld), p, ld)
		}
		sb.WriteString("#endif\n")
	}
	return sb.String()
}

func depthwiseFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	if err := validateDepthwise(n); err != nil {
		return nil, err
	}
	mode := opts.WeightMode
	if d.InputPlanes <= maxDepthwiseConstantPlanes {
		mode = WeightConstants
	}
	uniform := mode != WeightConstants

	text, err := loadText(opts, depthwiseFSAsset)
	if err != nil {
		return nil, err
	}
	groups, err := tiling.Groups(int(d.InputPlanes), opts.MRT)
	if err != nil {
		return nil, err
	}
	cpp, _ := tiling.ChannelsPerPass(opts.MRT)
	planes := cpp / 4

	preDefine := depthwisePreDefine(d, opts, mode)
	postDefine := planeOutputs(d)
	bias := weights.PadTo(d.Biases, int(shape.RoundUp4(uint32(len(d.Biases)))))
	kk := int(d.KernelSize * d.KernelSize)

	var elementAccess, calc string
	if !uniform {
		elementAccess = depthwiseElementAccess(d, planes)
		calc = depthwiseCalc(d, planes)
	}

	passes := make([]Pass, 0, len(groups))
	for _, g := range groups {
		defines := preDefine +
			fmt.Sprintf("#define PLANE_COUNT %d\n", g.PlaneCount) +
			fmt.Sprintf("#define OUTPUTPLANE_INDEX %d\n", 4*g.SliceIndex)

		bindings := []shader.Binding{shader.Bind(shader.Precision, precisionName(opts.PreferHalf))}
		if !uniform {
			for p := 0; p < g.PlaneCount; p++ {
				bindings = append(bindings, shader.Bind(shader.Weight(p+1), weights.DepthwiseConstants(d.Depthwise, g.SliceIndex+p)))
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
		disabled := unusedConstants(g.PlaneCount, planes, d.UseBatchNorm && !uniform)
		if uniform {
			disabled = append(unusedConstants(0, planes, false), shader.BiasConstants, shader.ElementAccess, shader.Calc)
		}
		body, err := fillVariant(depthwiseFSAsset, text, disabled, bindings...)
		if err != nil {
			return nil, err
		}

		p := newPass(ExecGPUFS)
		p.Source = defines + body + postDefine
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
			p.WeightMeta = []uint32{1, uint32(mode), boolWord(opts.PreferHalf), d.KernelSize, d.KernelSize,
				d.InputPlanes, d.OutputPlanes, uint32(cpp), uint32(cpp>>2) * uint32(g.Index)}
			p.ModelWeights = make([][]float32, 0, g.Channels)
			for c := g.First; c < g.First+g.Channels; c++ {
				p.ModelWeights = append(p.ModelWeights, append([]float32(nil), d.Depthwise.Data[c*kk:(c+1)*kk]...))
			}
		}
		passes = append(passes, p)
	}
	return passes, nil
}

func depthwiseCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	if err := validateDepthwise(n); err != nil {
		return nil, err
	}
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	main, err := loadText(opts, depthwiseCSAsset)
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
	if d.UseBatchNorm {
		header += "#define USE_BATCH_NORMALIZATION\n"
	}
	header += workGroupDefines()

	off := convOffsets(d)
	p := newPass(ExecGPUCS)
	p.WeightMeta = []uint32{1, uint32(WeightTextures), boolWord(opts.PreferHalf), k, k, d.InputPlanes, d.OutputPlanes}
	p.SetWeightDims("2", [3]uint32{oc4, k, k})
	p.SetUniform("uPad", IVec2(int(off[tiling.Top]), int(off[tiling.Left])))
	p.SetUniform("uKernelSize", IVec2(int(k), int(k)))
	p.SetUniform("uStride", IVec2(s, s))
	p.SetUniform("uDilate", IVec2(1, 1))
	p.SetUniform("uOutputSize", IVec3(outW, outH, oc4))
	p.SetUniform("uInputSize", IVec3(in.Width, in.Height, ic4))
	p.SetInput("uInput", 0)
	p.Source = header + conv2DCSUniforms + main
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: defaultDispatch(outW, outH, oc4)}

	if opts.PreferHalf {
		p.HalfWeights = weights.PackDepthwise16(d.Depthwise)
	} else {
		p.Weights = weights.PackDepthwise(d.Depthwise)
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

func depthwiseVK(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	if err := validateDepthwise(n); err != nil {
		return nil, err
	}
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	p, err := spirvPass(opts, vkAsset("depthwise", opts.PreferHalf))
	if err != nil {
		return nil, err
	}
	outW, outH := opts.DesiredOutputWidth, opts.DesiredOutputHeight
	ic4 := shape.DivRoundUp(d.InputPlanes, 4)
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	k := d.KernelSize
	s := max(d.Stride, 1)

	p.Weights = weights.PackDepthwise(d.Depthwise)
	p.SetObjectBuffer("2", p.Weights)
	p.Bias = weights.PadTo(d.Biases, int(d.OutputPlanes))
	p.SetObjectBuffer("3", p.Bias)
	var useBN uint32
	if d.UseBatchNorm {
		useBN = 1
		for i, v := range d.BatchNorm.Vectors() {
			p.SetObjectBuffer(fmt.Sprint(4+i), append([]float32(nil), v...))
		}
	}

	off := convOffsets(d)
	p.SpecConstants = []SpecConstant{
		U32(0, off[tiling.Top]), U32(1, off[tiling.Left]), U32(2, k), U32(3, k), U32(4, s), U32(5, s),
		U32(6, outW), U32(7, outH), U32(8, oc4), U32(9, in.Width), U32(10, in.Height), U32(11, ic4),
		U32(12, 1), U32(13, 1), U32(14, 4), U32(15, vkActivation(d)), U32(17, useBN),
		F32(18, d.LeakyReluAlpha),
	}
	p.SetInput("inputImage", 0)
	p.Compute = &ComputeProgram{OutputImage: "outputImage", Dispatch: defaultDispatch(outW, outH, oc4)}
	return []Pass{p}, nil
}
