package nn

import (
	"fmt"
	"strings"

	"github.com/openfluke/snnc/shader"
	"github.com/openfluke/snnc/shape"
	"github.com/openfluke/snnc/tiling"
)

const (
	maxPoolFSAsset = "shaders/shadertemplate_fs_maxpooling2d.glsl"
	maxPoolCSAsset = "shaders/3rdparty/shadertemplate_cs_maxpool2d.glsl"
	avgPoolFSAsset = "shaders/shadertemplate_fs_avgpooling2d.glsl"
	avgPoolCSAsset = "shaders/shadertemplate_cs_avgpooling2d.glsl"
)

const poolIndent = "    "

// Pool types of the shared Vulkan pooling binary
const (
	poolMax uint32 = 0
	poolAvg uint32 = 1
)

// poolWindow is the set of taps one output texel reads
type poolWindow struct {
	cols, rows int
	offset     float64
}

func (w poolWindow) taps() int { return w.cols * w.rows }

// kernelWindow is the k x k window of a strided pooling layer
func kernelWindow(n *Node) poolWindow {
	d := n.Desc
	var inH uint32
	if len(n.Inputs) > 0 {
		inH = n.Inputs[0].Height
	}
	off := tiling.PoolTapOffset(d.Padding.Top, inH, d.KernelSize, d.Stride)
	return poolWindow{cols: int(d.KernelSize), rows: int(d.KernelSize), offset: float64(off)}
}

// globalWindow covers the whole input extent
func globalWindow(opts GenerateOptions) poolWindow {
	return poolWindow{cols: int(opts.InputWidth()), rows: int(opts.InputHeight())}
}

type tapFunc func(ld, plane int, layer string) string

func clampedTap(ld, plane int, layer string) string {
	t := fmt.Sprintf("t%d_%d", ld, plane)
	return "#ifdef CLAMPED_PADDING\n" +
		fmt.Sprintf("\tFLOAT_PRECISION vec4 %s = TEXTURE(inputTextures, vec3(texCoord_%d, %s));\n", t, ld+1, layer) +
		"#else\n" +
		fmt.Sprintf("\tFLOAT_PRECISION vec4 %s = vec4(-127.5f, -127.5f, -127.5f, -127.5f);\n", t) +
		fmt.Sprintf("\t%s = (checkValid(texCoord_%d)) ? TEXTURE(inputTextures, vec3(texCoord_%d, %s)) : %s;\n", t, ld+1, ld+1, layer, t) +
		"#endif\n"
}

func plainTap(ld, plane int, layer string) string {
	return fmt.Sprintf("\tFLOAT_PRECISION vec4 t%d_%d = TEXTURE(inputTextures, vec3(texCoord_%d, %s));\n", ld, plane, ld+1, layer)
}

// poolTextureReads renders the tap coordinates and the reads of every plane
// a pass of planes planes may write, starting at input slice slice.
func poolTextureReads(w poolWindow, planes, slice int, tap tapFunc) string {
	var sb strings.Builder
	for i := 0; i < w.cols; i++ {
		for j := 0; j < w.rows; j++ {
			fmt.Fprintf(&sb, "\tvec2 texCoord_%d = (vec2(baseCoord) + vec2(%s, %s)) / vec2(maxUV);\n",
				w.cols*i+j+1, streamFloat(-w.offset-0.5+float64(j)), streamFloat(-w.offset-0.5+float64(i)))
		}
	}
	sb.WriteString("\n")
	reads := func(plane int, layer string) {
		for ld := 0; ld < w.taps(); ld++ {
			sb.WriteString(tap(ld, plane, layer))
		}
	}
	if planes > 2 {
		sb.WriteString("#if PLANE_COUNT > 3\n")
		fmt.Fprintf(&sb, "\tint layer3 = %d;\n", slice+3)
		fmt.Fprintf(&sb, "\tint layer2 = %d;\n", slice+2)
		reads(3, "layer3")
		reads(2, "layer2")
		sb.WriteString("#endif\n")
	}
	if planes > 1 {
		sb.WriteString("#if PLANE_COUNT > 1\n")
		fmt.Fprintf(&sb, "\tint layer1 = %d;\n", slice+1)
		reads(1, "layer1")
		sb.WriteString("#endif\n")
	}
	fmt.Fprintf(&sb, "\tint layer = %d;\n", slice)
	reads(0, "layer")
	sb.WriteString("\n")
	return sb.String()
}

var (
	lanes      = [4]string{"x", "y", "z", "w"}
	lanesUpper = [4]string{"R", "G", "B", "A"}
)

func maxPoolCalc(w poolWindow) string {
	var sb strings.Builder
	for p := 0; p < 4; p++ {
		for c := 0; c < 4; c++ {
			m := fmt.Sprintf("max%s_%d", lanesUpper[c], p)
			fmt.Fprintf(&sb, "#ifdef USE_COMPONENT_%s_PLANE_%d\n", lanesUpper[c], p)
			for ld := 0; ld < w.taps(); ld++ {
				t := fmt.Sprintf("t%d_%d.%s", ld, p, lanes[c])
				fmt.Fprintf(&sb, "\n\t%s = (%s < %s) ? %s : %s;\n", m, m, t, t, m)
			}
			sb.WriteString("\n#endif\n")
		}
	}
	return sb.String()
}

func avgPoolCalc(w poolWindow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%sconst mediump float val = %.4f;\n", poolIndent, 1/float64(max(w.taps(), 1)))
	for p := 0; p < 4; p++ {
		s := "s"
		if p > 0 {
			s = fmt.Sprintf("s%d", p)
		}
		for c := 0; c < 4; c++ {
			fmt.Fprintf(&sb, "#ifdef USE_COMPONENT_%s_PLANE_%d\n", lanesUpper[c], p)
			for ld := 0; ld < w.taps(); ld++ {
				fmt.Fprintf(&sb, "%s%s.%s += (t%d_%d.%s * val);\n", poolIndent, s, lanes[c], ld, p, lanes[c])
			}
			sb.WriteString("\n#endif\n")
		}
	}
	return sb.String()
}

// poolFragOutputs writes the planes of the configured plane count
func poolFragOutputs(planes int, indent string) string {
	var sb strings.Builder
	if planes > 2 {
		sb.WriteString(indent + "o_pixel3 = s3;\n")
		sb.WriteString(indent + "o_pixel2 = s2;\n")
	}
	if planes > 1 {
		sb.WriteString(indent + "o_pixel1 = s1;\n")
	}
	sb.WriteString(indent + "o_pixel = s;\n")
	sb.WriteString("}\n")
	return sb.String()
}

func poolPaddingDefine(d Desc) string {
	switch {
	case d.PaddingValue == "constant":
		return "#define CONST_PADDING\n"
	case d.Padding.Top == "replicate":
		return "#define REPLCIATE_PADDING\n"
	case d.PaddingValue == "reflection":
		return "#define REFLECTION_PADDING\n"
	}
	return "#define CHECKBOARD_PADDING\n"
}

func maxPoolPreDefine(d Desc, opts GenerateOptions, planes int) string {
	var sb strings.Builder
	sb.WriteString("#version 320 es\n")
	fmt.Fprintf(&sb, "// %s\n", maxPoolFSAsset)
	fmt.Fprintf(&sb, "#define NUM_INPUT_PLANES %d\n", d.InputPlanes)
	fmt.Fprintf(&sb, "#define NUM_OUTPUT_PLANES %d\n", d.OutputPlanes)
	fmt.Fprintf(&sb, "#define INPUT_WIDTH %d\n", opts.InputWidth())
	fmt.Fprintf(&sb, "#define INPUT_HEIGHT %d\n", opts.InputHeight())
	fmt.Fprintf(&sb, "#define NUM_STRIDE %d\n", d.Stride)
	fmt.Fprintf(&sb, "#define N_DIMS %d\n", d.KernelSize*d.KernelSize)
	fmt.Fprintf(&sb, "#define KERNEL_SIZE %d\n", d.KernelSize)
	fmt.Fprintf(&sb, "#define PLANE_COUNT %d\n", planes)
	if d.InputPlanes <= 4 {
		sb.WriteString("#define INPUT_TEXTURE_2D\n")
	}
	sb.WriteString(poolPaddingDefine(d))
	sb.WriteString("\n")
	return sb.String()
}

func maxPoolFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	text, err := loadText(opts, maxPoolFSAsset)
	if err != nil {
		return nil, err
	}
	groups, err := tiling.Groups(int(d.OutputPlanes), opts.MRT)
	if err != nil {
		return nil, err
	}
	cpp, _ := tiling.ChannelsPerPass(opts.MRT)
	planes := cpp / 4
	w := kernelWindow(n)
	preDefine := maxPoolPreDefine(d, opts, planes)
	calc := maxPoolCalc(w)
	post := poolFragOutputs(planes, "")

	passes := make([]Pass, 0, len(groups))
	for _, g := range groups {
		body, err := fill(maxPoolFSAsset, text,
			shader.Bind(shader.Precision, precisionName(opts.PreferHalf)),
			shader.Bind(shader.TextureRead, poolTextureReads(w, planes, g.SliceIndex, clampedTap)),
			shader.Bind(shader.Calculation, calc),
			shader.Bind(shader.NDims, fmt.Sprint(g.Channels)),
			shader.Bind(shader.Defines, ""),
			shader.Bind(shader.UniformsDeclaration, ""),
		)
		if err != nil {
			return nil, err
		}
		p := newPass(ExecGPUFS)
		p.Source = preDefine + tiling.ComponentDefines(g.Channels) + body + post
		p.SetInput("inputTextures", 0)
		p.Fragment = &FragmentProgram{OutputSliceIndex: uint32(g.SliceIndex), OutputSliceCount: uint32(g.PlaneCount)}
		passes = append(passes, p)
	}
	return passes, nil
}

const maxPoolCSUniforms = "#ifdef INPUT_TEXTURE_2D\n" +
	"layout(OUTPUT_FORMAT, binding=0) readonly uniform PRECISION image2D uInput;\n" +
	"#else\n" +
	"layout(OUTPUT_FORMAT, binding=0) readonly uniform PRECISION image2DArray uInput;\n" +
	"#endif\n" +
	"#ifdef OUTPUT_TEXTURE_2D\n" +
	"layout(OUTPUT_FORMAT, binding=3) writeonly uniform PRECISION image2D uOutput;\n" +
	"#else\n" +
	"layout(OUTPUT_FORMAT, binding=3) writeonly uniform PRECISION image2DArray uOutput;\n" +
	"#endif\n"

func maxPoolCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	main, err := loadText(opts, maxPoolCSAsset)
	if err != nil {
		return nil, err
	}
	outW, outH := opts.DesiredOutputWidth, opts.DesiredOutputHeight
	ic4 := shape.DivRoundUp(d.InputPlanes, 4)
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	k, s := int(d.KernelSize), int(d.Stride)

	header := csHeader(opts.PreferHalf, uniformBlock)
	if d.InputPlanes <= 4 {
		header += "#define INPUT_TEXTURE_2D\n"
	}
	if d.OutputPlanes <= 4 {
		header += "#define OUTPUT_TEXTURE_2D\n"
	}
	header += workGroupDefines()

	p := newPass(ExecGPUCS)
	// The compute template pads bottom right only.
	p.SetUniform("uPad", IVec2(0, 0))
	p.SetUniform("uKernel", IVec2(k, k))
	p.SetUniform("uStride", IVec2(s, s))
	p.SetUniform("uOutputSize", IVec3(outW, outH, oc4))
	p.SetUniform("uInputSize", IVec3(in.Width, in.Height, ic4))
	p.SetInput("uInput", 0)
	p.Source = header + maxPoolCSUniforms + main
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: defaultDispatch(outW, outH, oc4)}
	return []Pass{p}, nil
}

// poolVK configures the shared Vulkan pooling binary
func poolVK(n *Node, opts GenerateOptions, poolType uint32) ([]Pass, error) {
	d := n.Desc
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	p, err := spirvPass(opts, vkAsset("maxpool2d", opts.PreferHalf))
	if err != nil {
		return nil, err
	}
	outW, outH := opts.DesiredOutputWidth, opts.DesiredOutputHeight
	k, s := d.KernelSize, d.Stride
	p.SpecConstants = []SpecConstant{
		U32(0, outH), U32(1, outW), U32(2, d.OutputPlanes),
		U32(3, in.Height), U32(4, in.Width), U32(5, in.Depth),
		U32(6, k), U32(7, k), U32(8, s), U32(9, s),
		S32(10, int32(poolType)),
	}
	p.SetPushConstants("relu", p.SpecConstants)
	p.SetUniformBuffer("2", []uint32{
		in.Width, in.Height, in.Depth, 1,
		outW, outH, shape.DivRoundUp(d.OutputPlanes, 4), 1,
		0, 0, k, k, s, s,
	})
	p.SetInput("uInput", 0)
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: defaultDispatch(outW, outH, shape.DivRoundUp(d.OutputPlanes, 4))}
	return []Pass{p}, nil
}

func maxPoolVK(n *Node, opts GenerateOptions) ([]Pass, error) { return poolVK(n, opts, poolMax) }

func avgPoolVK(n *Node, opts GenerateOptions) ([]Pass, error) { return poolVK(n, opts, poolAvg) }

func avgPoolPreDefine(d Desc, opts GenerateOptions, name string, w poolWindow, stride uint32) string {
	var sb strings.Builder
	sb.WriteString("#version 320 es\n")
	fmt.Fprintf(&sb, "// %s\n", name)
	fmt.Fprintf(&sb, "#define NUM_INPUT_PLANES %d\n", d.InputPlanes)
	fmt.Fprintf(&sb, "#define NUM_OUTPUT_PLANES %d\n", d.OutputPlanes)
	fmt.Fprintf(&sb, "#define INPUT_WIDTH %d\n", opts.InputWidth())
	fmt.Fprintf(&sb, "#define INPUT_HEIGHT %d\n", opts.InputHeight())
	fmt.Fprintf(&sb, "#define NUM_STRIDE %d\n", stride)
	fmt.Fprintf(&sb, "#define N_DIMS %d\n", w.taps())
	sb.WriteString("#define CLAMPED_PADDING\n")
	if d.InputPlanes <= 4 {
		sb.WriteString("#define INPUT_TEXTURE_2D\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

// averageFS averages window w over every output texel
func averageFS(n *Node, opts GenerateOptions, w poolWindow, stride uint32) ([]Pass, error) {
	d := n.Desc
	text, err := loadText(opts, avgPoolFSAsset)
	if err != nil {
		return nil, err
	}
	groups, err := tiling.Groups(int(d.OutputPlanes), opts.MRT)
	if err != nil {
		return nil, err
	}
	cpp, _ := tiling.ChannelsPerPass(opts.MRT)
	planes := cpp / 4
	preDefine := avgPoolPreDefine(d, opts, avgPoolFSAsset, w, stride)
	calc := avgPoolCalc(w)
	post := poolFragOutputs(planes, poolIndent)

	passes := make([]Pass, 0, len(groups))
	for _, g := range groups {
		body, err := fill(avgPoolFSAsset, text,
			shader.Bind(shader.Precision, precisionName(opts.PreferHalf)),
			shader.Bind(shader.TextureRead, poolTextureReads(w, planes, g.SliceIndex, plainTap)),
			shader.Bind(shader.Calculation, calc),
			shader.Bind(shader.NDims, fmt.Sprint(g.Channels)),
			shader.Bind(shader.Defines, ""),
			shader.Bind(shader.UniformsDeclaration, ""),
		)
		if err != nil {
			return nil, err
		}
		p := newPass(ExecGPUFS)
		p.Source = preDefine + fmt.Sprintf("#define PLANE_COUNT %d\n", g.PlaneCount) + tiling.ComponentDefines(g.Channels) + body + post
		p.SetInput("inputTextures", 0)
		p.Fragment = &FragmentProgram{OutputSliceIndex: uint32(g.SliceIndex), OutputSliceCount: uint32(g.PlaneCount)}
		passes = append(passes, p)
	}
	return passes, nil
}

// averageCS writes one output slice per pass
func averageCS(n *Node, opts GenerateOptions, w poolWindow, stride uint32) ([]Pass, error) {
	d := n.Desc
	text, err := loadText(opts, avgPoolCSAsset)
	if err != nil {
		return nil, err
	}
	preDefine := avgPoolPreDefine(d, opts, avgPoolCSAsset, w, stride)
	calc := avgPoolCalc(w)
	count := int(shape.DivRoundUp(d.OutputPlanes, 4))
	passes := make([]Pass, 0, count)
	for i := 0; i < count; i++ {
		channels := min(4, int(d.OutputPlanes)-4*i)
		body, err := fill(avgPoolCSAsset, text,
			shader.Bind(shader.TextureRead, poolTextureReads(w, 1, i, plainTap)),
			shader.Bind(shader.Calculation, calc),
		)
		if err != nil {
			return nil, err
		}
		post := poolIndent + "imageStore(outTexture,ivec2(gl_GlobalInvocationID.xy), s);\n"
		if d.OutputPlanes > 4 {
			post = fmt.Sprintf("%simageStore(outTexture,ivec3(gl_GlobalInvocationID.xy, %d), s);\n", poolIndent, i)
		}
		post += "}\n"

		p := newPass(ExecGPUCS)
		p.Source = preDefine + tiling.SinglePlaneDefines(channels) + body + post
		p.SetInput("inputTextures", 0)
		p.Compute = &ComputeProgram{
			OutputImage: "outTexture",
			Dispatch:    [3]uint32{shape.DivRoundUp(opts.DesiredOutputWidth, 8), shape.DivRoundUp(opts.DesiredOutputHeight, 8), 1},
		}
		passes = append(passes, p)
	}
	return passes, nil
}

func avgPoolFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	return averageFS(n, opts, kernelWindow(n), n.Desc.Stride)
}

func avgPoolCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	return averageCS(n, opts, kernelWindow(n), n.Desc.Stride)
}

func adaptiveAvgPoolFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	return averageFS(n, opts, globalWindow(opts), opts.InputWidth())
}

func adaptiveAvgPoolCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	return averageCS(n, opts, globalWindow(opts), opts.InputWidth())
}
