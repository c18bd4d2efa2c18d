package nn

import (
	"fmt"
	"math"
	"strings"

	"github.com/openfluke/snnc/shader"
	"github.com/openfluke/snnc/shape"
)

const (
	addFSAsset    = "shaders/shadertemplate_fs_add.glsl"
	addCSAsset    = "shaders/shadertemplate_cs_add.glsl"
	concatFSAsset = "shaders/shadertemplate_fs_concat.glsl"
	concatCSAsset = "shaders/shadertemplate_cs_concat.glsl"
)

// textureName is the sampler uniform of the i-th input of a fragment pass
func textureName(i int) string {
	if i == 0 {
		return "inputTextures"
	}
	return fmt.Sprintf("inputTextures%d", i)
}

func twoInputs(n *Node) (shape.Buffer, shape.Buffer, error) {
	a, err := inputShape(n, 0)
	if err != nil {
		return a, a, err
	}
	b, err := inputShape(n, 1)
	return a, b, err
}

func addFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	a, b, err := twoInputs(n)
	if err != nil {
		return nil, err
	}
	text, err := loadText(opts, addFSAsset)
	if err != nil {
		return nil, err
	}
	count := int(shape.DivRoundUp(d.OutputPlanes, 4))
	passes := make([]Pass, 0, count)
	for i := 0; i < count; i++ {
		var decl, calc strings.Builder
		for t, in := range []shape.Buffer{a, b} {
			if in.Depth > 1 {
				fmt.Fprintf(&decl, "uniform sampler2DArray %s;\n", textureName(t))
				fmt.Fprintf(&calc, "vec4 in%d = texelFetch(%s, ivec3(uv, %d), 0);\n", t, textureName(t), i)
			} else {
				fmt.Fprintf(&decl, "uniform sampler2D %s;\n", textureName(t))
				fmt.Fprintf(&calc, "vec4 in%d = texelFetch(%s, uv, 0);\n", t, textureName(t))
			}
		}
		calc.WriteString("s = in0 + in1;\n")
		calc.WriteString(strings.TrimPrefix(fsActivation(d, ""), "\t"))

		body, err := fill(addFSAsset, text,
			shader.Bind(shader.Precision, precisionName(opts.PreferHalf)),
			shader.Bind(shader.UniformsDeclaration, decl.String()),
			shader.Bind(shader.Calculation, calc.String()),
		)
		if err != nil {
			return nil, err
		}
		p := newPass(ExecGPUFS)
		p.Source = "#version 320 es\n" + body
		p.SetInput(textureName(0), 0)
		p.SetInput(textureName(1), 1)
		p.Fragment = &FragmentProgram{OutputSliceIndex: uint32(i), OutputSliceCount: 1}
		passes = append(passes, p)
	}
	return passes, nil
}

func addCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	a, b, err := twoInputs(n)
	if err != nil {
		return nil, err
	}
	main, err := loadText(opts, addCSAsset)
	if err != nil {
		return nil, err
	}
	header := csHeader(opts.PreferHalf, uniformBlock)
	if a.Depth <= 1 {
		header += "#define INPUT0_TEXTURE_2D\n"
	}
	if b.Depth <= 1 {
		header += "#define INPUT1_TEXTURE_2D\n"
	}
	header += csActivationDefines(d)
	header += workGroupDefines()

	p := newPass(ExecGPUCS)
	p.Source = header + main
	p.SetInput("uInput0", 0)
	p.SetInput("uInput1", 1)
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: defaultDispatch(a.Width, a.Height, a.Depth)}
	return []Pass{p}, nil
}

func addVK(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	p, err := spirvPass(opts, vkAsset("add", opts.PreferHalf))
	if err != nil {
		return nil, err
	}
	spec := []SpecConstant{U32(0, in.Width)}
	p.SpecConstants = spec
	p.SetPushConstants("add", spec)
	p.SetUniformBuffer("3", []uint32{in.Width, in.Height, in.Depth, 1, vkActivation(d), math.Float32bits(d.LeakyReluAlpha), 0, 0})
	p.SetInput("uInput0", 0)
	p.SetInput("uInput1", 1)
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: defaultDispatch(in.Width, in.Height, oc4)}
	return []Pass{p}, nil
}

// concatSource is one run of channels taken from a single input texture
type concatSource struct {
	texture int
	slice   int
	first   int
	count   int
}

// concatSampling maps output channels [start, start+count) onto the inputs.
// A channel run never crosses a texel of an input.
func concatSampling(inputs []shape.Buffer, start, count int) ([]concatSource, error) {
	var out []concatSource
	base := 0
	for t, in := range inputs {
		channels := int(in.Channels)
		for c := max(start, base); c < base+channels && c < start+count; {
			local := c - base
			run := min(4-local%4, base+channels-c, start+count-c)
			out = append(out, concatSource{texture: t, slice: local / 4, first: local % 4, count: run})
			c += run
		}
		base += channels
	}
	sum := 0
	for _, s := range out {
		sum += s.count
	}
	if sum != count {
		return nil, fmt.Errorf("%w: concatenation inputs hold %d channels, need %d", ErrInvalidShape, base, start+count)
	}
	return out, nil
}

// concatCalculation renders the sampler declarations and the sampling code of
// one output texel.
func concatCalculation(inputs []shape.Buffer, runs []concatSource, count int) (string, string, []int) {
	var decl, calc strings.Builder
	var textures []int
	var vars []string
	for i, r := range runs {
		in := inputs[r.texture]
		name := textureName(r.texture)
		if len(textures) == 0 || textures[len(textures)-1] != r.texture {
			textures = append(textures, r.texture)
			if in.Channels > 4 {
				fmt.Fprintf(&decl, "uniform sampler2DArray %s;\n", name)
			} else {
				fmt.Fprintf(&decl, "uniform sampler2D %s;\n", name)
			}
		}
		v := fmt.Sprintf("in%d_%d", r.count, i)
		typ := "float"
		if r.count > 1 {
			typ = fmt.Sprintf("FLOAT_PRECISION vec%d", r.count)
		}
		swizzle := "rgba"[r.first : r.first+r.count]
		switch {
		case in.Channels == 1:
			fmt.Fprintf(&calc, "float %s = texelFetch(%s, uv, 0).r;\n\n", v, name)
		case in.Channels > 4:
			fmt.Fprintf(&calc, "%s %s = texelFetch(%s, ivec3(uv,%d), 0).%s;\n", typ, v, name, r.slice, swizzle)
		default:
			fmt.Fprintf(&calc, "%s %s = texelFetch(%s, ivec2(uv), 0).%s;\n", typ, v, name, swizzle)
		}
		vars = append(vars, v)
	}
	for i := count; i < 4; i++ {
		vars = append(vars, "0.0f")
	}
	calc.WriteString("s = vec4(" + strings.Join(vars, ",") + ");\n")
	return decl.String(), calc.String(), textures
}

func concatFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	if len(n.Inputs) < 2 {
		return nil, fmt.Errorf("%w: %s concatenates %d inputs", ErrMalformedGraph, n.Name, len(n.Inputs))
	}
	text, err := loadText(opts, concatFSAsset)
	if err != nil {
		return nil, err
	}
	count := int(shape.DivRoundUp(d.OutputPlanes, 4))
	passes := make([]Pass, 0, count)
	for i := 0; i < count; i++ {
		channels := min(4, int(d.OutputPlanes)-4*i)
		runs, err := concatSampling(n.Inputs, 4*i, channels)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Name, err)
		}
		decl, calc, textures := concatCalculation(n.Inputs, runs, channels)
		body, err := fill(concatFSAsset, text,
			shader.Bind(shader.Precision, precisionName(opts.PreferHalf)),
			shader.Bind(shader.UniformsDeclaration, decl),
			shader.Bind(shader.Calculation, calc),
		)
		if err != nil {
			return nil, err
		}
		p := newPass(ExecGPUFS)
		p.Source = "#version 320 es\n" + body
		for _, t := range textures {
			p.SetInput(textureName(t), t)
		}
		p.Fragment = &FragmentProgram{OutputSliceIndex: uint32(i), OutputSliceCount: 1}
		passes = append(passes, p)
	}
	return passes, nil
}

func concatCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	a, b, err := twoInputs(n)
	if err != nil {
		return nil, err
	}
	main, err := loadText(opts, concatCSAsset)
	if err != nil {
		return nil, err
	}
	header := csHeader(opts.PreferHalf, uniformBlock)
	if a.Depth <= 1 {
		header += "#define INPUT0_TEXTURE_2D\n"
	}
	if b.Depth <= 1 {
		header += "#define INPUT1_TEXTURE_2D\n"
	}
	header += workGroupDefines()

	p := newPass(ExecGPUCS)
	p.Source = header + concatCSUniforms + main
	p.SetUniform("inImgDepths", IVec2(int(a.Depth), int(b.Depth)))
	p.SetInput("uInput0", 0)
	p.SetInput("uInput1", 1)
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: defaultDispatch(a.Width, a.Height, a.Depth+b.Depth)}
	return []Pass{p}, nil
}

const concatCSUniforms = "layout(OUTPUT_FORMAT, binding=3) writeonly uniform PRECISION image2DArray uOutput;\n" +
	"#ifdef INPUT0_TEXTURE_2D\n" +
	"layout(OUTPUT_FORMAT, binding=0) readonly uniform PRECISION image2D uInput0;\n" +
	"#else\n" +
	"layout(OUTPUT_FORMAT, binding=0) readonly uniform PRECISION image2DArray uInput0;\n" +
	"#endif\n" +
	"#ifdef INPUT1_TEXTURE_2D\n" +
	"layout(OUTPUT_FORMAT, binding=1) readonly uniform PRECISION image2D uInput1;\n" +
	"#else\n" +
	"layout(OUTPUT_FORMAT, binding=1) readonly uniform PRECISION image2DArray uInput1;\n" +
	"#endif\n"

func concatVK(n *Node, opts GenerateOptions) ([]Pass, error) {
	a, b, err := twoInputs(n)
	if err != nil {
		return nil, err
	}
	p, err := spirvPass(opts, vkAsset("concat", opts.PreferHalf))
	if err != nil {
		return nil, err
	}
	p.SetUniformBuffer("3", []uint32{a.Depth, b.Depth})
	p.SetInput("uInput0", 0)
	p.SetInput("uInput1", 1)
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: defaultDispatch(a.Width, a.Height, a.Depth+b.Depth)}
	return []Pass{p}, nil
}
