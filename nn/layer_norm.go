package nn

import (
	"fmt"
	"math"
	"strings"

	"github.com/openfluke/snnc/shader"
	"github.com/openfluke/snnc/shape"
	"github.com/openfluke/snnc/tiling"
	"github.com/openfluke/snnc/weights"
)

const (
	batchNormFSAsset    = "shaders/shadertemplate_fs_batchnorm_RGBA.glsl"
	batchNormCSAsset    = "shaders/shadertemplate_cs_batchnorm.glsl"
	instanceNormCSAsset = "shaders/shadertemplate_cs_instancenorm.glsl"
)

// maxNormThreads bounds the workgroup of the instance normalization reduction
const maxNormThreads = 256

func validateBatchNorm(n *Node, vectors int) error {
	d := n.Desc
	vecs := d.BatchNorm.Vectors()
	for i, v := range vecs[:vectors] {
		if len(v) < int(d.OutputPlanes) {
			return fmt.Errorf("%w: %s normalization vector %d has %d values, need %d", ErrInvalidShape, n.Name, i, len(v), d.OutputPlanes)
		}
	}
	return nil
}

// ioTextureDefines selects 2D or array images for the input and output of a
// compute pass.
func ioTextureDefines(d Desc) string {
	var s string
	if d.InputPlanes <= 4 {
		s += "#define INPUT_TEXTURE_2D\n"
	}
	if d.OutputPlanes <= 4 {
		s += "#define OUTPUT_TEXTURE_2D\n"
	}
	return s
}

const ioImageUniforms = "#ifdef OUTPUT_TEXTURE_2D\n" +
	"layout(OUTPUT_FORMAT, binding=3) writeonly uniform PRECISION image2D uOutput;\n" +
	"#else\n" +
	"layout(OUTPUT_FORMAT, binding=3) writeonly uniform PRECISION image2DArray uOutput;\n" +
	"#endif\n" +
	"#ifdef INPUT_TEXTURE_2D\n" +
	"layout(OUTPUT_FORMAT, binding=0) readonly uniform PRECISION image2D uInput;\n" +
	"#else\n" +
	"layout(OUTPUT_FORMAT, binding=0) readonly uniform PRECISION image2DArray uInput;\n" +
	"#endif\n"

// inputRangeDefine normalizes the graph input on the first layer
func inputRangeDefine(d Desc, opts GenerateOptions) string {
	if !opts.IsFirstLayer {
		return ""
	}
	if d.IsRange01 {
		return "#define REMOVE_ZERO 1\n"
	}
	return "#define SCALE_INPUT 1\n"
}

func batchNormPreDefine(d Desc, opts GenerateOptions) string {
	var sb strings.Builder
	sb.WriteString("#version 320 es\n")
	fmt.Fprintf(&sb, "// %s\n", batchNormFSAsset)
	fmt.Fprintf(&sb, "#define NUM_INPUT_PLANES %d\n", d.InputPlanes)
	fmt.Fprintf(&sb, "#define NUM_OUTPUT_PLANES %d\n", d.OutputPlanes)
	fmt.Fprintf(&sb, "#define INPUT_WIDTH %d\n", opts.InputWidth())
	fmt.Fprintf(&sb, "#define INPUT_HEIGHT %d\n", opts.InputHeight())
	sb.WriteString(inputRangeDefine(d, opts))
	if d.InputPlanes <= 4 {
		sb.WriteString("#define INPUT_TEXTURE_2D\n")
	}
	return sb.String()
}

func batchNormFS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	if err := validateBatchNorm(n, 4); err != nil {
		return nil, err
	}
	text, err := loadText(opts, batchNormFSAsset)
	if err != nil {
		return nil, err
	}
	pre := batchNormPreDefine(d, opts)

	count := int(shape.DivRoundUp(d.OutputPlanes, 4))
	passes := make([]Pass, 0, count)
	for i := 0; i < count; i++ {
		channels := min(4, int(d.OutputPlanes)-4*i)
		bindings := []shader.Binding{
			shader.Bind(shader.Precision, precisionName(opts.PreferHalf)),
			shader.Bind(shader.LayerCalculation, fmt.Sprintf("int layer = %d;\n", i)),
		}
		for j, v := range d.BatchNorm.Vectors() {
			bindings = append(bindings, shader.Bind(normPlaceholders[j], weights.Vec4List(v, 4*i, 4)))
		}
		body, err := fill(batchNormFSAsset, text, bindings...)
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

func batchNormCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	if err := validateBatchNorm(n, 4); err != nil {
		return nil, err
	}
	main, err := loadText(opts, batchNormCSAsset)
	if err != nil {
		return nil, err
	}
	header := csHeader(opts.PreferHalf, storageBlock) + ioTextureDefines(d) + csActivationDefines(d) + workGroupDefines()
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	w, h := opts.DesiredOutputWidth, opts.DesiredOutputHeight

	p := newPass(ExecGPUCS)
	p.Source = header + ioImageUniforms + main
	p.SetUniform("uOutputSize", IVec3(w, h, oc4))
	p.SetInput("uInput", 0)
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: defaultDispatch(w, h, oc4)}
	bn := d.BatchNorm
	p.Beta = weights.PadTo(bn.Beta, int(d.OutputPlanes))
	p.Gamma = weights.PadTo(bn.Gamma, int(d.OutputPlanes))
	p.Mean = weights.PadTo(bn.Mean, int(d.OutputPlanes))
	p.Variance = weights.PadTo(bn.Variance, int(d.OutputPlanes))
	return []Pass{p}, nil
}

func batchNormVK(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	if err := validateBatchNorm(n, 4); err != nil {
		return nil, err
	}
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	p, err := spirvPass(opts, vkAsset("batchnorm", opts.PreferHalf))
	if err != nil {
		return nil, err
	}
	for i, v := range d.BatchNorm.Vectors() {
		p.SetObjectBuffer(fmt.Sprint(3+i), append([]float32(nil), v...))
	}
	p.SetUniformBuffer("2", []uint32{in.Width, in.Height, in.Depth, 1, vkActivation(d), math.Float32bits(d.LeakyReluAlpha)})
	p.SetInput("uInput", 0)
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	p.Compute = &ComputeProgram{
		OutputImage: "uOutput",
		Dispatch:    defaultDispatch(opts.DesiredOutputWidth, opts.DesiredOutputHeight, oc4),
	}
	return []Pass{p}, nil
}

// instanceNormLocalSize sizes the reduction workgroup to the output plane
func instanceNormLocalSize(w, h uint32) [3]uint32 {
	tw := min(maxNormThreads, w)
	return [3]uint32{tw, min(maxNormThreads/tw, h), 1}
}

func instanceNormCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	if err := validateBatchNorm(n, 2); err != nil {
		return nil, err
	}
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	w, h := opts.DesiredOutputWidth, opts.DesiredOutputHeight
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: %s has an empty output", ErrInvalidShape, n.Name)
	}
	main, err := loadText(opts, instanceNormCSAsset)
	if err != nil {
		return nil, err
	}
	local := instanceNormLocalSize(w, h)

	// Mean and variance are always accumulated in highp.
	header := csHeader(false, storageBlock)
	if opts.PreferHalf {
		header = strings.Replace(header, "rgba32f", "rgba16f", 1)
	}
	header += ioTextureDefines(d) + csActivationDefines(d)
	if d.UseInstanceNorm {
		header += "#define USE_BATCH_NORMALIZATION\n"
	}
	header += fmt.Sprintf("#define WORK_X %d\n#define WORK_Y %d\n#define WORK_Z %d\n", local[0], local[1], local[2])

	ic4 := shape.DivRoundUp(d.InputPlanes, 4)
	oc4 := shape.DivRoundUp(d.OutputPlanes, 4)
	p := newPass(ExecGPUCS)
	p.Source = header + ioImageUniforms + main
	p.SetUniform("uOutputSize", IVec3(w, h, oc4))
	p.SetUniform("uInputSize", IVec3(in.Width, in.Height, ic4))
	p.SetInput("uInput", 0)
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: [3]uint32{1, 1, shape.DivRoundUp(oc4, local[2])}}
	p.Beta = weights.PadTo(d.BatchNorm.Beta, int(d.OutputPlanes))
	p.Gamma = weights.PadTo(d.BatchNorm.Gamma, int(d.OutputPlanes))
	p.WeightMeta = []uint32{0, uint32(WeightSSBO)}
	return []Pass{p}, nil
}
