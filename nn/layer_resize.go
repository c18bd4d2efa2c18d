package nn

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/openfluke/snnc/shader"
	"github.com/openfluke/snnc/shape"
	"github.com/openfluke/snnc/tiling"
)

const (
	upsampleFSAsset         = "shaders/shadertemplate_fs_upsampling2d.glsl"
	upsampleNearestCSAsset  = "shaders/3rdparty/shadertemplate_cs_upsampling2d_nearest.glsl"
	upsampleBilinearCSAsset = "shaders/3rdparty/shadertemplate_cs_upsampling2d_bilinear.glsl"
	subpixelFSAsset         = "shaders/shadertemplate_fs_subpixel.glsl"
	padFSAsset              = "shaders/shadertemplate_fs_pad_RGBA.glsl"
	padCSAsset              = "shaders/shadertemplate_cs_pad.glsl"
)

// bilinear reports whether an upsampling layer interpolates. Anything other
// than "bilinear" samples the nearest texel.
func bilinear(d Desc) bool {
	switch d.Interpolation {
	case "bilinear":
		return true
	case "nearest", "":
	default:
		slog.Debug("unknown interpolation, using nearest", "layer", d.Name, "interpolation", d.Interpolation)
	}
	return false
}

func upsampleScale(d Desc) float32 {
	return float32(max(d.ScaleFactor, 1))
}

func upsampleFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	text, err := loadText(opts, upsampleFSAsset)
	if err != nil {
		return nil, err
	}
	pre := "#version 320 es\n#define SCALE_FACTOR " + cxxFloat(upsampleScale(d)) + "\n"

	count := int(shape.DivRoundUp(d.OutputPlanes, 4))
	passes := make([]Pass, 0, count)
	for i := 0; i < count; i++ {
		var decl, calc string
		if in.Channels == 1 {
			decl = "uniform sampler2D inputTextures;"
			calc = "float value = texelFetch(inputTextures, ivec2(int(float(uv.x)/SCALE_FACTOR), int(float(uv.y)/SCALE_FACTOR)),0).r;\n" +
				"    s = vec4(value, 0.0f, 0.0f, 0.0f); "
		} else {
			decl = "uniform sampler2DArray inputTextures;"
			calc = fmt.Sprintf("FLOAT_PRECISION vec4 value = texelFetch(inputTextures, ivec3(ivec2(int(float(uv.x)/SCALE_FACTOR), int(float(uv.y)/SCALE_FACTOR)),%d), 0).rgba;\n", i) +
				"    s = vec4(value); "
		}
		body, err := fill(upsampleFSAsset, text,
			shader.Bind(shader.UniformsDeclaration, decl),
			shader.Bind(shader.Calculation, calc),
			shader.Bind(shader.Precision, precisionName(opts.PreferHalf)),
		)
		if err != nil {
			return nil, err
		}
		p := newPass(ExecGPUFS)
		p.Source = pre + body
		p.SetInput("inputTextures", 0)
		p.Fragment = &FragmentProgram{OutputSliceIndex: uint32(i), OutputSliceCount: 1}
		passes = append(passes, p)
	}
	return passes, nil
}

const resizeCSUniforms = "#ifdef INPUT_TEXTURE_2D\n" +
	"layout(OUTPUT_FORMAT, binding=0) readonly uniform PRECISION image2D uInput;\n" +
	"#else\n" +
	"layout(OUTPUT_FORMAT, binding=0) readonly uniform PRECISION image2DArray uInput;\n" +
	"#endif\n" +
	"#ifdef OUTPUT_TEXTURE_2D\n" +
	"layout(OUTPUT_FORMAT, binding=3) writeonly uniform PRECISION image2D uOutput;\n" +
	"#else\n" +
	"layout(OUTPUT_FORMAT, binding=3) writeonly uniform PRECISION image2DArray uOutput;\n" +
	"#endif\n"

func upsampleCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	name := upsampleNearestCSAsset
	if bilinear(d) {
		name = upsampleBilinearCSAsset
	}
	main, err := loadText(opts, name)
	if err != nil {
		return nil, err
	}
	ic4 := shape.DivRoundUp(d.InputPlanes, 4)
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	w, h := opts.DesiredOutputWidth, opts.DesiredOutputHeight
	inv := 1 / upsampleScale(d)

	p := newPass(ExecGPUCS)
	p.Source = csHeader(opts.PreferHalf, uniformBlock) + ioTextureDefines(d) + workGroupDefines() + resizeCSUniforms + main
	p.SetUniform("inImgSize", IVec4(in.Width, in.Height, ic4, 1))
	p.SetUniform("outImgSize", IVec4(w, h, oc4, 1))
	p.SetUniform("scale", Vec2(inv, inv))
	p.SetUniform("means", Vec4(0, 0, 0, 0))
	p.SetUniform("norms", Vec4(1, 1, 1, 1))
	p.SetInput("uInput", 0)
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: defaultDispatch(w, h, oc4)}
	return []Pass{p}, nil
}

func upsampleVK(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	op := "upsampling2d_nearest"
	if bilinear(d) {
		op = "upsampling2d_bilinear"
	}
	p, err := spirvPass(opts, vkAsset(op, opts.PreferHalf))
	if err != nil {
		return nil, err
	}
	spec := []SpecConstant{U32(0, in.Height), U32(1, in.Width), U32(2, in.Depth)}
	p.SpecConstants = spec
	p.SetPushConstants("relu", spec)

	w, h := opts.DesiredOutputWidth, opts.DesiredOutputHeight
	inv := math.Float32bits(1 / upsampleScale(d))
	zero, one := math.Float32bits(0), math.Float32bits(1)
	p.SetUniformBuffer("2", []uint32{
		in.Width, in.Height, in.Depth, 1,
		w, h, d.OutputPlanes, 1,
		zero, zero, zero, zero,
		one, one, one, one,
		inv, inv,
	})
	p.SetInput("uInput", 0)
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: defaultDispatch(w, h, oc4)}
	return []Pass{p}, nil
}

func subpixelFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	if d.InputPlanes <= 1 {
		slog.Debug("subpixel merge of a single plane", "layer", n.Name)
	}
	text, err := loadText(opts, subpixelFSAsset)
	if err != nil {
		return nil, err
	}
	body, err := fill(subpixelFSAsset, text, shader.Bind(shader.Precision, precisionName(opts.PreferHalf)))
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString("#version 320 es\n")
	fmt.Fprintf(&sb, "#define NUM_INPUT_PLANES %d\n", d.InputPlanes)
	fmt.Fprintf(&sb, "#define NUM_OUTPUT_PLANES %d\n", d.OutputPlanes)
	fmt.Fprintf(&sb, "#define NUM_KERNEL_SIZE %d\n", d.KernelSize)
	if d.InputPlanes <= 4 {
		sb.WriteString("#define INPUT_TEXTURE_2D\n")
	}
	if d.KernelSize > 2 {
		sb.WriteString("#define KERNEL_LARGER_THAN_2\n")
	}
	sb.WriteString(body)
	sb.WriteString("s = tanh(s);\no_pixel = s;\n}\n")

	p := newPass(ExecGPUFS)
	p.Source = sb.String()
	p.SetInput("inputTextures", 0)
	p.SetUniform("kernelSize", Int(int(d.KernelSize)))
	p.Fragment = &FragmentProgram{OutputSliceIndex: 0, OutputSliceCount: shape.DivRoundUp(d.OutputPlanes, 4)}
	return []Pass{p}, nil
}

func subpixelVK(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	p, err := spirvPass(opts, vkAsset("subpixel", opts.PreferHalf))
	if err != nil {
		return nil, err
	}
	w, h := opts.DesiredOutputWidth, opts.DesiredOutputHeight
	p.SpecConstants = []SpecConstant{
		U32(0, subpixelFactor), U32(1, in.Width), U32(2, in.Height), U32(3, in.Depth),
		U32(4, w), U32(5, h), U32(6, 1),
	}
	p.SetInput("uInput", 0)
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: defaultDispatch(w, h, oc4)}
	return []Pass{p}, nil
}

func padOffsets(d Desc) [4]uint32 {
	return tiling.PaddingOffsets(d.KernelSize, d.Padding, false)
}

func padPreDefine(d Desc, opts GenerateOptions) string {
	off := padOffsets(d)
	var sb strings.Builder
	sb.WriteString("#version 320 es\n")
	fmt.Fprintf(&sb, "// %s\n", padFSAsset)
	fmt.Fprintf(&sb, "#define NUM_INPUT_PLANES %d\n", d.InputPlanes)
	fmt.Fprintf(&sb, "#define NUM_OUTPUT_PLANES    %d\n", d.OutputPlanes)
	fmt.Fprintf(&sb, "#define INPUT_WIDTH %d\n", opts.InputWidth())
	fmt.Fprintf(&sb, "#define INPUT_HEIGHT %d\n", opts.InputHeight())
	sb.WriteString("#define PAD_VALUE 0.0f\n")
	switch d.PaddingMode {
	case "constant":
		sb.WriteString("#define CONST_PADDING \n")
	case "replicate":
		sb.WriteString("#define REPLICATE_PADDING \n")
	case "reflect":
		sb.WriteString("#define REFLECT_PADDING \n")
	case "repeat":
		sb.WriteString("#define CHECKBOARD_PADDING \n")
	}
	if d.InputPlanes <= 4 {
		sb.WriteString("#define INPUT_TEXTURE_2D\n")
	}
	fmt.Fprintf(&sb, "#define PADDING_T %d\n", off[tiling.Top])
	fmt.Fprintf(&sb, "#define PADDING_B %d\n", off[tiling.Bottom])
	fmt.Fprintf(&sb, "#define PADDING_L %d\n", off[tiling.Left])
	fmt.Fprintf(&sb, "#define PADDING_R %d\n", off[tiling.Right])
	return sb.String()
}

func padFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	text, err := loadText(opts, padFSAsset)
	if err != nil {
		return nil, err
	}
	pre := padPreDefine(d, opts)
	count := int(shape.DivRoundUp(d.OutputPlanes, 4))
	passes := make([]Pass, 0, count)
	for i := 0; i < count; i++ {
		channels := min(4, int(d.OutputPlanes)-4*i)
		body, err := fill(padFSAsset, text,
			shader.Bind(shader.Precision, precisionName(opts.PreferHalf)),
			shader.Bind(shader.LayerCalculation, fmt.Sprintf("int layer = %d;\n", i)),
		)
		if err != nil {
			return nil, err
		}
		p := newPass(ExecGPUFS)
		p.Source = pre + tiling.SinglePlaneDefines(channels) + body
		p.SetInput("inputTextures", 0)
		p.Fragment = &FragmentProgram{OutputSliceIndex: uint32(i), OutputSliceCount: 1}
		passes = append(passes, p)
	}
	return passes, nil
}

func padCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	main, err := loadText(opts, padCSAsset)
	if err != nil {
		return nil, err
	}
	off := padOffsets(d)
	ic4 := shape.DivRoundUp(d.InputPlanes, 4)
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	w, h := opts.DesiredOutputWidth, opts.DesiredOutputHeight
	header := csHeader(opts.PreferHalf, storageBlock) + ioTextureDefines(d) + csPaddingDefine(d.PaddingMode) + workGroupDefines()
	slog.Debug("pad offsets", "layer", n.Name, "mode", d.PaddingMode, "offsets", off)

	p := newPass(ExecGPUCS)
	p.Source = header + ioImageUniforms + main
	p.SetUniform("uPad", IVec2(int(off[tiling.Top]), int(off[tiling.Left])))
	p.SetUniform("uOutputSize", IVec3(w, h, oc4))
	p.SetUniform("uInputSize", IVec3(in.Width, in.Height, ic4))
	p.SetInput("uInput", 0)
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: defaultDispatch(w, h, oc4)}
	return []Pass{p}, nil
}
