package nn

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/openfluke/snnc/shader"
	"github.com/openfluke/snnc/shape"
	"github.com/openfluke/snnc/tiling"
)

const (
	activationFSAsset  = "shaders/shadertemplate_fs_activation_RGBA.glsl"
	activationCSAsset  = "shaders/shadertemplate_cs_activation.glsl"
	unaryFSAsset       = "shaders/shadertemplate_fs_unary.glsl"
	unaryCSAsset       = "shaders/shadertemplate_cs_unary.glsl"
	calculationFSAsset = "shaders/shadertemplate_fs_calculation.glsl"
)

// planeActivations applies the activation to every plane a pass writes
func planeActivations(d Desc) string {
	var sb strings.Builder
	sb.WriteString(fsActivation(d, ""))
	for i, id := range []string{"1", "2", "3"} {
		fmt.Fprintf(&sb, "#if PLANE_COUNT > %d\n", i+1)
		sb.WriteString(fsActivation(d, id))
		sb.WriteString("#endif\n")
	}
	return sb.String()
}

// elementwiseFS fills a per-texel template once per MRT group. post is
// substituted for the activation placeholder.
func elementwiseFS(n *Node, opts GenerateOptions, name, post string) ([]Pass, error) {
	d := n.Desc
	groups, err := tiling.Groups(int(d.OutputPlanes), opts.MRT)
	if err != nil {
		return nil, err
	}
	text, err := loadText(opts, name)
	if err != nil {
		return nil, err
	}
	pre := "#version 320 es\n"
	decl := "layout (binding = 0) uniform sampler2DArray inputTextures0;"
	if len(groups) == 1 {
		pre += "#define INPUT_TEXTURE_2D\n"
		decl = "layout (binding = 0) uniform sampler2D inputTextures0;"
	}

	passes := make([]Pass, 0, len(groups))
	for _, g := range groups {
		body, err := fill(name, text,
			shader.Bind(shader.Precision, precisionName(opts.PreferHalf)),
			shader.Bind(shader.UniformsDeclaration, decl),
			shader.Bind(shader.Channels, strconv.Itoa(len(groups))),
			shader.Bind(shader.Layer, strconv.Itoa(g.SliceIndex)),
			shader.Bind(shader.Activation, post),
		)
		if err != nil {
			return nil, err
		}
		p := newPass(ExecGPUFS)
		p.Source = pre + fmt.Sprintf("#define PLANE_COUNT %d\n", g.PlaneCount) + body
		for t := range n.Inputs {
			p.SetInput(fmt.Sprintf("inputTextures%d", t), t)
		}
		p.Fragment = &FragmentProgram{OutputSliceIndex: uint32(g.SliceIndex), OutputSliceCount: uint32(g.PlaneCount)}
		passes = append(passes, p)
	}
	return passes, nil
}

func activationFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	return elementwiseFS(n, opts, activationFSAsset, planeActivations(n.Desc))
}

func unaryFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	return elementwiseFS(n, opts, unaryFSAsset, "")
}

// elementwiseCS is the single compute pass of a per-texel operator
func elementwiseCS(n *Node, opts GenerateOptions, name, defines, uniforms string) (Pass, error) {
	d := n.Desc
	main, err := loadText(opts, name)
	if err != nil {
		return Pass{}, err
	}
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	w, h := opts.DesiredOutputWidth, opts.DesiredOutputHeight

	p := newPass(ExecGPUCS)
	p.Source = csHeader(opts.PreferHalf, uniformBlock) + ioTextureDefines(d) + defines + workGroupDefines() + uniforms + main
	p.Compute = &ComputeProgram{Dispatch: defaultDispatch(w, h, oc4)}
	return p, nil
}

func activationCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	p, err := elementwiseCS(n, opts, activationCSAsset, csActivationDefines(n.Desc), ioImageUniforms)
	if err != nil {
		return nil, err
	}
	p.SetInput("uInput", 0)
	p.Compute.OutputImage = "uOutput"
	return []Pass{p}, nil
}

const unaryCSUniforms = "#ifdef OUTPUT_TEXTURE_2D\n" +
	"layout(OUTPUT_FORMAT, binding=3) writeonly uniform PRECISION image2D u_Output;\n" +
	"#else\n" +
	"layout(OUTPUT_FORMAT, binding=3) writeonly uniform PRECISION image2DArray u_Output;\n" +
	"#endif\n" +
	"#ifdef INPUT_TEXTURE_2D\n" +
	"layout(OUTPUT_FORMAT, binding=0) readonly uniform PRECISION image2D u_Input;\n" +
	"#else\n" +
	"layout(OUTPUT_FORMAT, binding=0) readonly uniform PRECISION image2DArray u_Input;\n" +
	"#endif\n"

func unaryCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	p, err := elementwiseCS(n, opts, unaryCSAsset, "", unaryCSUniforms)
	if err != nil {
		return nil, err
	}
	p.SetUniform("uConstantUnaryType", Int(int(d.OpType)))
	p.SetUniform("uConstantValue", Float(d.OpValue))
	p.SetInput("u_Input", 0)
	p.Compute.OutputImage = "u_Output"
	return []Pass{p}, nil
}

func activationVK(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	p, err := spirvPass(opts, vkAsset("activation", opts.PreferHalf))
	if err != nil {
		return nil, err
	}
	spec := []SpecConstant{U32(0, in.Width), U32(1, in.Height), U32(2, in.Depth), U32(3, 0), F32(4, 1)}
	p.SpecConstants = spec
	p.SetPushConstants("relu", spec)
	p.SetUniformBuffer("2", []uint32{in.Width, in.Height, in.Depth, 1, vkActivation(d), math.Float32bits(d.LeakyReluAlpha), 0, 0})
	p.SetInput("uInput", 0)
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	p.Compute = &ComputeProgram{
		OutputImage: "uOutput",
		Dispatch:    defaultDispatch(opts.DesiredOutputWidth, opts.DesiredOutputHeight, oc4),
	}
	return []Pass{p}, nil
}

func unaryVK(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	p, err := spirvPass(opts, vkAsset("unary", opts.PreferHalf))
	if err != nil {
		return nil, err
	}
	p.SetUniformBuffer("2", []uint32{uint32(d.OpType), math.Float32bits(d.OpValue)})
	p.SetInput("u_Input", 0)
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	p.Compute = &ComputeProgram{
		OutputImage: "u_Output",
		Dispatch:    defaultDispatch(opts.DesiredOutputWidth, opts.DesiredOutputHeight, oc4),
	}
	return []Pass{p}, nil
}

func calculateFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	text, err := loadText(opts, calculationFSAsset)
	if err != nil {
		return nil, err
	}
	body, err := fill(calculationFSAsset, text, shader.Bind(shader.Precision, precisionName(opts.PreferHalf)))
	if err != nil {
		return nil, err
	}
	count := int(shape.DivRoundUp(d.OutputPlanes, 4))
	passes := make([]Pass, 0, count)
	for i := 0; i < count; i++ {
		p := newPass(ExecGPUFS)
		p.Source = "#version 320 es\n" + body
		p.SetInput("inputTextures", 0)
		p.Fragment = &FragmentProgram{OutputSliceIndex: uint32(i), OutputSliceCount: 1}
		passes = append(passes, p)
	}
	return passes, nil
}
