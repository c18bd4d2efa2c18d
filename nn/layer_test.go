package nn

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/snnc/shader"
	"github.com/openfluke/snnc/shape"
	"github.com/openfluke/snnc/tiling"
	"github.com/openfluke/snnc/weights"
)

func optsFor(b Backend) GenerateOptions {
	return testOptions(b, tiling.MRTSingle, 0, 0)
}

func uniformOf(t *testing.T, p Pass, name string) Uniform {
	t.Helper()
	u, ok := p.Uniform(name)
	require.True(t, ok, "uniform %s not set", name)
	return u
}

func normVectors(n int) BatchNorm {
	v := func(base float32) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = base + float32(i)
		}
		return out
	}
	return BatchNorm{Beta: v(0), Gamma: v(1), Mean: v(2), Variance: v(3)}
}

// TestConvCompute verifies the uniforms, dispatch and packed weights of a
// compute convolution.
func TestConvCompute(t *testing.T) {
	n := mustSynthesize(t, KindConv2D, convDesc(8, 8, 3, 2), optsFor(BackendCompute), inputBuffer(32, 32, 8))
	p := n.Passes[0]

	assert.Equal(t, IVec2(1, 1), uniformOf(t, p, "uPad"))
	assert.Equal(t, IVec2(3, 3), uniformOf(t, p, "uKernelSize"))
	assert.Equal(t, IVec3(16, 16, 2), uniformOf(t, p, "uOutputSize"))
	assert.Equal(t, IVec3(32, 32, 2), uniformOf(t, p, "uInputSize"))
	assert.Equal(t, [3]uint32{1, 2, 1}, p.Compute.Dispatch)
	assert.Len(t, p.Weights, weights.TiledSize(8, 8, 3, 3))
	assert.Empty(t, p.HalfWeights)
	assert.Contains(t, p.Source, "#define RELU\n")
	assert.NotContains(t, p.Source, "#define OUTPUT_TEXTURE_2D")
	assert.Equal(t, []string{"uInput"}, p.InputNames())

	one := mustSynthesize(t, KindConv2D, convDesc(4, 4, 1, 1), optsFor(BackendCompute), inputBuffer(8, 8, 4))
	_, hasPad := one.Passes[0].Uniform("uPad")
	assert.False(t, hasPad)
	assert.Equal(t, Int(4), uniformOf(t, one.Passes[0], "uUnroll"))
}

// TestConvUniformWeights verifies wide inputs move weights out of the source
func TestConvUniformWeights(t *testing.T) {
	opts := optsFor(BackendFragment)
	opts.WeightMode = WeightSSBO
	n := mustSynthesize(t, KindConv2D, convDesc(68, 4, 3, 1), opts, inputBuffer(8, 8, 68))
	require.Len(t, n.Passes, 1)
	p := n.Passes[0]

	assert.Contains(t, p.Source, "#define USE_WEIGHT_BUFFERS\n#define STORAGE_FORMAT std430\n")
	assert.Contains(t, p.Source, "#define CONST_PADDING\n")
	assert.Equal(t, uint32(WeightSSBO), p.WeightMeta[1])
	assert.Len(t, p.ModelWeights, 4*68)
	assert.Len(t, p.ModelWeights[0], 9)
	assert.Equal(t, Vec4(0, 0.1, 0.2, 0.3), uniformOf(t, p, "bias"))

	narrow := mustSynthesize(t, KindConv2D, convDesc(4, 4, 3, 1), opts, inputBuffer(8, 8, 4))
	assert.Contains(t, narrow.Passes[0].Source, "#define USE_WEIGHT_CONSTANTS\n")
	assert.Empty(t, narrow.Passes[0].ModelWeights)
}

// TestConvFragmentConstants verifies weight and bias constants reach the template
func TestConvFragmentConstants(t *testing.T) {
	opts := optsFor(BackendFragment)
	opts.Assets = assetsWith(map[string]string{
		conv2DFSAsset: testTemplate + "_PLACEHOLDER_WEIGHT1_VEC_CONSTANTS_\n_PLACEHOLDER_BIAS_CONSTANTS_\n_PLACEHOLDER_CALC_",
	})
	n := mustSynthesize(t, KindConv2D, convDesc(4, 4, 1, 1), opts, inputBuffer(8, 8, 4))
	src := n.Passes[0].Source

	assert.NotContains(t, src, "_PLACEHOLDER_")
	assert.Contains(t, src, "dot(t0, weights1[0])")
	assert.Contains(t, src, "o_pixel = s;")
	assert.Contains(t, src, "s = max(s, vec4(0.0));")
}

// TestConvFragmentPlaceholders verifies tokens in disabled branches may stay
// while any other unbound token fails the pass.
func TestConvFragmentPlaceholders(t *testing.T) {
	body := testTemplate + "_PLACEHOLDER_WEIGHT1_VEC_CONSTANTS_\n#ifdef USE_COMPONENT_A\n_PLACEHOLDER_WEIGHT4_VEC_CONSTANTS_\n#endif\n" +
		"#ifdef USE_BATCH_NORMALIZATION\n_PLACEHOLDER_BETA_VEC_CONSTANTS_\n#endif\n_PLACEHOLDER_CALC_"
	opts := optsFor(BackendFragment)
	opts.Assets = assetsWith(map[string]string{conv2DFSAsset: body})
	n := mustSynthesize(t, KindConv2D, convDesc(4, 6, 1, 1), opts, inputBuffer(8, 8, 4))
	require.Len(t, n.Passes, 2)
	assert.NotContains(t, n.Passes[0].Source, "_PLACEHOLDER_WEIGHT4_")
	assert.Contains(t, n.Passes[1].Source, "_PLACEHOLDER_WEIGHT4_VEC_CONSTANTS_")
	assert.NotContains(t, n.Passes[1].Source, "_PLACEHOLDER_CALC_")

	opts.Assets = assetsWith(map[string]string{conv2DFSAsset: body + "\n_PLACEHOLDER_CHANNELS_"})
	_, err := synthesize(t, KindConv2D, convDesc(4, 6, 1, 1), opts, inputBuffer(8, 8, 4))
	assert.ErrorIs(t, err, shader.ErrUnboundPlaceholder)
}

// TestFillUnboundAssetToken verifies a token the synthesizer never binds is an error
func TestFillUnboundAssetToken(t *testing.T) {
	_, err := fill("calc.glsl", "precision _PLACEHOLDER_PRECISION_ float;\n_PLACEHOLDER_CALC_\n", shader.Bind(shader.Precision, "highp"))
	assert.ErrorIs(t, err, shader.ErrUnboundPlaceholder)

	out, err := fill("calc.glsl", "precision _PLACEHOLDER_PRECISION_ float;\n", shader.Bind(shader.Precision, "highp"), shader.Bind(shader.Calc, "s = t;"))
	require.NoError(t, err)
	assert.Equal(t, "precision highp float;\n", out)
}

// TestConvBatchNormRequiresFullPlanes verifies inlined normalization needs
// whole planes of four channels.
func TestConvBatchNormRequiresFullPlanes(t *testing.T) {
	d := convDesc(4, 6, 3, 1)
	d.UseBatchNorm = true
	d.BatchNorm = normVectors(6)
	_, err := synthesize(t, KindConv2D, d, optsFor(BackendFragment), inputBuffer(8, 8, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple of 4")
}

// TestConvKernelMismatch verifies a kernel that disagrees with the layer fails
func TestConvKernelMismatch(t *testing.T) {
	d := convDesc(4, 4, 3, 1)
	d.OutputPlanes = 8
	_, err := synthesize(t, KindConv2D, d, optsFor(BackendCompute), inputBuffer(8, 8, 4))
	require.ErrorIs(t, err, ErrInvalidShape)
}

// TestConvVulkan verifies the specialization constants of both kernels
func TestConvVulkan(t *testing.T) {
	n := mustSynthesize(t, KindConv2D, convDesc(4, 8, 3, 1), optsFor(BackendVulkan), inputBuffer(16, 16, 4))
	p := n.Passes[0]
	require.Len(t, p.SpecConstants, 20)
	assert.Equal(t, uint32(3), p.SpecConstants[2].Bits)
	assert.Equal(t, uint32(2), p.SpecConstants[8].Bits)
	assert.Equal(t, uint32(ActivationReLU), p.SpecConstants[15].Bits)
	assert.Equal(t, uint32(1), p.SpecConstants[18].Bits)
	bias, ok := p.ObjectBuffer("3")
	require.True(t, ok)
	assert.Len(t, bias, 8)

	one := mustSynthesize(t, KindConv2D, convDesc(4, 4, 1, 1), optsFor(BackendVulkan), inputBuffer(16, 16, 4))
	assert.Equal(t, vkAsset("conv2d_1x1", false), one.Passes[0].Source)
	assert.Len(t, one.Passes[0].SpecConstants, 14)
}

func depthwiseDesc(c, k uint32) Desc {
	w := weights.NewDepthwise(int(c), int(k), int(k))
	for i := range w.Data {
		w.Data[i] = float32(i)
	}
	return Desc{
		Name:         "depthwise",
		InputPlanes:  c,
		OutputPlanes: c,
		KernelSize:   k,
		Stride:       1,
		Padding:      tiling.UniformPadding("same"),
		Depthwise:    w,
		Biases:       make([]float32, c),
	}
}

// TestDepthwise verifies compute uniforms and the Vulkan constant layout
func TestDepthwise(t *testing.T) {
	cs := mustSynthesize(t, KindSeparableConv2D, depthwiseDesc(8, 3), optsFor(BackendCompute), inputBuffer(16, 16, 8))
	p := cs.Passes[0]
	assert.Equal(t, uint32(1), p.WeightMeta[0])
	assert.Len(t, p.Weights, weights.DepthwiseSize(8, 3, 3))
	assert.Equal(t, IVec3(16, 16, 2), uniformOf(t, p, "uOutputSize"))

	vk := mustSynthesize(t, KindSeparableConv2D, depthwiseDesc(8, 3), optsFor(BackendVulkan), inputBuffer(16, 16, 8))
	ids := make([]uint32, 0, len(vk.Passes[0].SpecConstants))
	for _, c := range vk.Passes[0].SpecConstants {
		ids = append(ids, c.ID)
	}
	assert.NotContains(t, ids, uint32(16))
	assert.Equal(t, uint32(18), ids[len(ids)-1])

	d := depthwiseDesc(8, 3)
	d.OutputPlanes = 4
	_, err := synthesize(t, KindSeparableConv2D, d, optsFor(BackendCompute), inputBuffer(16, 16, 8))
	assert.ErrorIs(t, err, ErrInvalidShape)
}

// TestDeconv verifies per-plane passes and the output rescale of the last layer
func TestDeconv(t *testing.T) {
	d := convDesc(4, 8, 3, 2)
	d.Padding = tiling.UniformPadding("valid")
	opts := optsFor(BackendFragment)
	opts.IsLastLayer = true
	n := mustSynthesize(t, KindConv2DTranspose, d, opts, inputBuffer(8, 8, 4))

	assert.Equal(t, uint32(17), n.OutputDims().Width)
	require.Len(t, n.Passes, 2)
	for i, p := range n.Passes {
		assert.Equal(t, uint32(i), p.Fragment.OutputSliceIndex)
		assert.Contains(t, p.Source, "o_pixel = 0.5f * (s + vec4(1.0f));")
		assert.Len(t, p.ModelWeights, 4)
	}

	cs := mustSynthesize(t, KindConv2DTranspose, d, optsFor(BackendCompute), inputBuffer(8, 8, 4))
	assert.Contains(t, cs.Passes[1].Source, "ivec3(gl_GlobalInvocationID.xy, 1)")
	assert.NotContains(t, cs.Passes[1].Source, "0.5f")
}

// TestDeconvAsset verifies the strided variant is chosen for 4x4 stride 2 kernels
func TestDeconvAsset(t *testing.T) {
	d := Desc{KernelSize: 4, Stride: 2}
	assert.Equal(t, "shaders/shadertemplate_fs_4x_deconv_2s_RGBA.glsl", deconvAsset("fs", d, true))
	assert.Equal(t, "shaders/shadertemplate_fs_4x_deconv_RGBA.glsl", deconvAsset("fs", d, false))
	d.Stride = 1
	assert.Equal(t, "shaders/shadertemplate_cs_4x_deconv_RGBA.glsl", deconvAsset("cs", d, true))
}

// TestPooling verifies pooling uniforms and the shared Vulkan binary
func TestPooling(t *testing.T) {
	d := Desc{Name: "pool", InputPlanes: 4, OutputPlanes: 4, KernelSize: 2, Stride: 2, Padding: tiling.UniformPadding("valid")}
	cs := mustSynthesize(t, KindMaxPooling2D, d, optsFor(BackendCompute), inputBuffer(16, 16, 4))
	assert.Equal(t, IVec2(2, 2), uniformOf(t, cs.Passes[0], "uKernel"))
	assert.Equal(t, IVec3(8, 8, 1), uniformOf(t, cs.Passes[0], "uOutputSize"))

	vk := mustSynthesize(t, KindAveragePooling2D, d, optsFor(BackendVulkan), inputBuffer(16, 16, 4))
	p := vk.Passes[0]
	assert.Equal(t, vkAsset("maxpool2d", false), p.Source)
	assert.Equal(t, SpecS32, p.SpecConstants[10].Type)
	ub, ok := p.UniformBuffer("2")
	require.True(t, ok)
	assert.Len(t, ub, 14)

	fs := mustSynthesize(t, KindMaxPooling2D, d, optsFor(BackendFragment), inputBuffer(16, 16, 4))
	assert.NotEmpty(t, fs.Passes)
	assert.Equal(t, ExecGPUFS, fs.Exec)
}

// TestDense verifies the dense matrix and dispatch
func TestDense(t *testing.T) {
	d := Desc{
		Name:         "dense",
		InputPlanes:  3,
		OutputPlanes: 2,
		DenseWeights: [][]float32{{1, 2, 3}, {4, 5, 6}},
		Biases:       []float32{0.5, 0.25},
	}
	n := mustSynthesize(t, KindDense, d, optsFor(BackendFragment), inputBuffer(3, 1, 1))
	p := n.Passes[0]
	assert.Equal(t, ExecGPUCS, n.Exec)
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, p.Weights); diff != "" {
		t.Errorf("weights mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, [3]uint32{1, 2, 1}, p.Compute.Dispatch)
	assert.Equal(t, Int(3), uniformOf(t, p, "uWidth"))

	d.DenseWeights = [][]float32{{1, 2, 3}, {4, 5}}
	_, err := synthesize(t, KindDense, d, optsFor(BackendCompute), inputBuffer(3, 1, 1))
	assert.ErrorIs(t, err, ErrInvalidShape)
}

// TestFlatten verifies the flattened width and dispatch depth
func TestFlatten(t *testing.T) {
	n := mustSynthesize(t, KindFlatten, Desc{Name: "flatten", InputPlanes: 8, OutputPlanes: 1}, optsFor(BackendVulkan), inputBuffer(4, 4, 8))
	assert.Equal(t, uint32(128), n.OutputDims().Width)
	assert.Equal(t, [3]uint32{1, 1, 2}, n.Passes[0].Compute.Dispatch)
}

// TestAdd verifies both inputs are sampled and summed
func TestAdd(t *testing.T) {
	opts := optsFor(BackendFragment)
	opts.Assets = assetsWith(map[string]string{addFSAsset: testTemplate + "_PLACEHOLDER_UNIFORMS_DECLARATION_\n_PLACEHOLDER_CALCULATION_"})
	d := Desc{Name: "add", InputPlanes: 8, OutputPlanes: 8, NumInputs: 2, Activation: "relu"}
	n := mustSynthesize(t, KindAdd, d, opts, inputBuffer(8, 8, 8), inputBuffer(8, 8, 8))

	require.Len(t, n.Passes, 2)
	src := n.Passes[1].Source
	assert.Contains(t, src, "uniform sampler2DArray inputTextures1;")
	assert.Contains(t, src, "vec4 in0 = texelFetch(inputTextures, ivec3(uv, 1), 0);")
	assert.Contains(t, src, "s = in0 + in1;\ns = max(s, vec4(0.0));")
	assert.Equal(t, []string{"inputTextures", "inputTextures1"}, n.Passes[1].InputNames())

	_, err := synthesize(t, KindAdd, d, optsFor(BackendCompute), inputBuffer(8, 8, 8))
	assert.ErrorIs(t, err, ErrMalformedGraph)

	vk := mustSynthesize(t, KindAdd, d, optsFor(BackendVulkan), inputBuffer(8, 8, 8), inputBuffer(8, 8, 8))
	ub, _ := vk.Passes[0].UniformBuffer("3")
	assert.Equal(t, []uint32{8, 8, 2, 1, uint32(ActivationReLU), 0, 0, 0}, ub)
}

// TestConcatSampling verifies channel runs never cross an input texel
func TestConcatSampling(t *testing.T) {
	inputs := []shape.Buffer{inputBuffer(4, 4, 3), inputBuffer(4, 4, 5)}
	runs, err := concatSampling(inputs, 4, 4)
	require.NoError(t, err)
	want := []concatSource{{texture: 1, slice: 0, first: 1, count: 3}, {texture: 1, slice: 1, first: 0, count: 1}}
	if diff := cmp.Diff(want, runs, cmp.AllowUnexported(concatSource{})); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}

	runs, err = concatSampling(inputs, 0, 4)
	require.NoError(t, err)
	_, calc, textures := concatCalculation(inputs, runs, 4)
	assert.Equal(t, []int{0, 1}, textures)
	assert.Contains(t, calc, "FLOAT_PRECISION vec3 in3_0 = texelFetch(inputTextures, ivec2(uv), 0).rgb;")
	assert.Contains(t, calc, "float in1_1 = texelFetch(inputTextures1, ivec3(uv,0), 0).r;")
	assert.True(t, strings.HasSuffix(calc, "s = vec4(in3_0,in1_1);\n"))

	_, err = concatSampling(inputs, 4, 8)
	assert.ErrorIs(t, err, ErrInvalidShape)
}

// TestConcatPadsLastTexel verifies a partial last texel is zero filled
func TestConcatPadsLastTexel(t *testing.T) {
	inputs := []shape.Buffer{inputBuffer(4, 4, 3), inputBuffer(4, 4, 3)}
	runs, err := concatSampling(inputs, 4, 2)
	require.NoError(t, err)
	_, calc, _ := concatCalculation(inputs, runs, 2)
	assert.True(t, strings.HasSuffix(calc, "s = vec4(in2_0,0.0f,0.0f);\n"), calc)
}

// TestConcatCompute verifies the compute and Vulkan paths read input depths
func TestConcatCompute(t *testing.T) {
	d := Desc{Name: "cat", InputPlanes: 12, OutputPlanes: 12, NumInputs: 2}
	cs := mustSynthesize(t, KindConcatenate, d, optsFor(BackendCompute), inputBuffer(8, 8, 4), inputBuffer(8, 8, 8))
	assert.Equal(t, IVec2(1, 2), uniformOf(t, cs.Passes[0], "inImgDepths"))
	assert.Contains(t, cs.Passes[0].Source, "#define INPUT0_TEXTURE_2D\n")
	assert.NotContains(t, cs.Passes[0].Source, "#define INPUT1_TEXTURE_2D\n")
	assert.Equal(t, uint32(12), cs.OutputDims().Depth)

	vk := mustSynthesize(t, KindConcatenate, d, optsFor(BackendVulkan), inputBuffer(8, 8, 4), inputBuffer(8, 8, 8))
	ub, _ := vk.Passes[0].UniformBuffer("3")
	assert.Equal(t, []uint32{1, 2}, ub)
}

// TestBatchNorm verifies per-plane constants and short vectors
func TestBatchNorm(t *testing.T) {
	opts := optsFor(BackendFragment)
	opts.Assets = assetsWith(map[string]string{batchNormFSAsset: testTemplate + "LAYER_CALCULATION\n_PLACEHOLDER_BETA_VEC_CONSTANTS_\n"})
	d := Desc{Name: "bn", InputPlanes: 6, OutputPlanes: 6, BatchNorm: normVectors(6)}
	n := mustSynthesize(t, KindBatchNormalization, d, opts, inputBuffer(8, 8, 6))

	require.Len(t, n.Passes, 2)
	second := n.Passes[1].Source
	assert.Contains(t, second, "int layer = 1;\n")
	assert.Contains(t, second, "vec4(4.000000, 5.000000, 0.000000, 0.000000)")
	assert.Contains(t, second, "#define USE_COMPONENT_G\n")
	assert.NotContains(t, second, "#define USE_COMPONENT_B\n")

	cs := mustSynthesize(t, KindBatchNormalization, d, optsFor(BackendCompute), inputBuffer(8, 8, 6))
	assert.Len(t, cs.Passes[0].Beta, 6)

	vk := mustSynthesize(t, KindBatchNormalization, d, optsFor(BackendVulkan), inputBuffer(8, 8, 6))
	gamma, ok := vk.Passes[0].ObjectBuffer("4")
	require.True(t, ok)
	assert.Equal(t, d.BatchNorm.Gamma, gamma)

	d.BatchNorm.Variance = d.BatchNorm.Variance[:3]
	_, err := synthesize(t, KindBatchNormalization, d, optsFor(BackendCompute), inputBuffer(8, 8, 6))
	assert.ErrorIs(t, err, ErrInvalidShape)
}

// TestInstanceNorm verifies the reduction workgroup and half precision header
func TestInstanceNorm(t *testing.T) {
	opts := optsFor(BackendCompute)
	opts.PreferHalf = true
	d := Desc{Name: "in", InputPlanes: 8, OutputPlanes: 8, BatchNorm: normVectors(8), UseInstanceNorm: true}
	n := mustSynthesize(t, KindInstanceNorm, d, opts, inputBuffer(100, 50, 8))
	p := n.Passes[0]

	assert.Contains(t, p.Source, "#define PRECISION highp\n")
	assert.Contains(t, p.Source, "#define OUTPUT_FORMAT rgba16f\n")
	assert.Contains(t, p.Source, "#define WORK_X 100\n#define WORK_Y 2\n#define WORK_Z 1\n")
	assert.Contains(t, p.Source, "#define USE_BATCH_NORMALIZATION\n")
	assert.Equal(t, [3]uint32{1, 1, 2}, p.Compute.Dispatch)
	assert.Equal(t, IVec3(100, 50, 2), uniformOf(t, p, "uInputSize"))
	assert.Equal(t, [3]uint32{256, 1, 1}, instanceNormLocalSize(1000, 1000))

	// Only beta and gamma are read.
	d.BatchNorm.Mean, d.BatchNorm.Variance = nil, nil
	mustSynthesize(t, KindInstanceNorm, d, opts, inputBuffer(100, 50, 8))
	d.BatchNorm.Gamma = d.BatchNorm.Gamma[:4]
	_, err := synthesize(t, KindInstanceNorm, d, opts, inputBuffer(100, 50, 8))
	assert.ErrorIs(t, err, ErrInvalidShape)
}

// TestActivationPlanes verifies each MRT pass defines its own plane count
func TestActivationPlanes(t *testing.T) {
	opts := testOptions(BackendFragment, tiling.MRTDouble, 0, 0)
	opts.Assets = assetsWith(map[string]string{activationFSAsset: testTemplate + "layer=_PLACEHOLDER_LAYER_;\n_PLACEHOLDER_ACTIVATION_"})
	d := Desc{Name: "act", InputPlanes: 12, OutputPlanes: 12, Activation: "tanh"}
	n := mustSynthesize(t, KindActivation, d, opts, inputBuffer(8, 8, 12))

	require.Len(t, n.Passes, 2)
	first, second := n.Passes[0].Source, n.Passes[1].Source
	assert.Contains(t, first, "#define PLANE_COUNT 2\n")
	assert.Contains(t, second, "#define PLANE_COUNT 1\n")
	assert.NotContains(t, second, "#define PLANE_COUNT 2\n")
	assert.Contains(t, second, "layer=2;")
	assert.Contains(t, first, "#if PLANE_COUNT > 1\n\ts1 = tanh(s1);\n#endif\n")
	assert.Equal(t, FragmentProgram{OutputSliceIndex: 2, OutputSliceCount: 1}, *n.Passes[1].Fragment)

	cs := mustSynthesize(t, KindActivation, d, optsFor(BackendCompute), inputBuffer(8, 8, 12))
	assert.Contains(t, cs.Passes[0].Source, "#define TANH\n")
}

// TestUnary verifies the operator uniforms on compute and Vulkan
func TestUnary(t *testing.T) {
	d := Desc{Name: "unary", InputPlanes: 4, OutputPlanes: 4, OpType: 3, OpValue: 0.5}
	cs := mustSynthesize(t, KindUnary, d, optsFor(BackendCompute), inputBuffer(8, 8, 4))
	assert.Equal(t, Int(3), uniformOf(t, cs.Passes[0], "uConstantUnaryType"))
	assert.Equal(t, Float(0.5), uniformOf(t, cs.Passes[0], "uConstantValue"))
	assert.Equal(t, "u_Output", cs.Passes[0].Compute.OutputImage)

	vk := mustSynthesize(t, KindUnary, d, optsFor(BackendVulkan), inputBuffer(8, 8, 4))
	ub, _ := vk.Passes[0].UniformBuffer("2")
	assert.Equal(t, []uint32{3, 0x3f000000}, ub)
}

// TestCalculate verifies one fragment pass per output plane
func TestCalculate(t *testing.T) {
	n := mustSynthesize(t, KindCalculate, Desc{Name: "calc", InputPlanes: 8, OutputPlanes: 8}, optsFor(BackendCompute), inputBuffer(8, 8, 8))
	assert.Equal(t, ExecGPUFS, n.Exec)
	assert.Len(t, n.Passes, 2)
}

// TestUpsampling verifies the interpolation choice and resize uniforms
func TestUpsampling(t *testing.T) {
	d := Desc{Name: "up", InputPlanes: 8, OutputPlanes: 8, ScaleFactor: 2, Interpolation: "bilinear"}
	cs := mustSynthesize(t, KindUpSampling2D, d, optsFor(BackendCompute), inputBuffer(8, 8, 8))
	p := cs.Passes[0]
	assert.Equal(t, Vec2(0.5, 0.5), uniformOf(t, p, "scale"))
	assert.Equal(t, IVec4(16, 16, 2, 1), uniformOf(t, p, "outImgSize"))

	vk := mustSynthesize(t, KindUpSampling2D, d, optsFor(BackendVulkan), inputBuffer(8, 8, 8))
	assert.Equal(t, vkAsset("upsampling2d_bilinear", false), vk.Passes[0].Source)
	ub, _ := vk.Passes[0].UniformBuffer("2")
	assert.Len(t, ub, 18)

	d.Interpolation = "bicubic"
	vk = mustSynthesize(t, KindUpSampling2D, d, optsFor(BackendVulkan), inputBuffer(8, 8, 8))
	assert.Equal(t, vkAsset("upsampling2d_nearest", false), vk.Passes[0].Source)

	fs := mustSynthesize(t, KindUpSampling2D, d, optsFor(BackendFragment), inputBuffer(8, 8, 8))
	assert.Contains(t, fs.Passes[0].Source, "#define SCALE_FACTOR 2.000000\n")
}

// TestSubpixel verifies the fragment pass writes every output plane
func TestSubpixel(t *testing.T) {
	d := Desc{Name: "sub", InputPlanes: 16, OutputPlanes: 8, KernelSize: 3}
	n := mustSynthesize(t, KindSubpixel, d, optsFor(BackendFragment), inputBuffer(8, 8, 16))
	p := n.Passes[0]
	assert.Equal(t, FragmentProgram{OutputSliceIndex: 0, OutputSliceCount: 2}, *p.Fragment)
	assert.Contains(t, p.Source, "#define KERNEL_LARGER_THAN_2\n")
	assert.True(t, strings.HasSuffix(p.Source, "s = tanh(s);\no_pixel = s;\n}\n"))

	vk := mustSynthesize(t, KindSubpixel, d, optsFor(BackendVulkan), inputBuffer(8, 8, 16))
	assert.Equal(t, uint32(16), vk.Passes[0].SpecConstants[4].Bits)
}

// TestPad verifies explicit offsets and padding modes
func TestPad(t *testing.T) {
	d := Desc{Name: "pad", InputPlanes: 4, OutputPlanes: 4, PaddingMode: "repeat", Padding: tiling.Padding{Top: "1", Bottom: "2", Left: "3", Right: "4"}}
	fs := mustSynthesize(t, KindPad, d, optsFor(BackendFragment), inputBuffer(8, 8, 4))
	src := fs.Passes[0].Source
	assert.Contains(t, src, "#define CHECKBOARD_PADDING \n")
	assert.Contains(t, src, "#define PADDING_T 1\n#define PADDING_B 2\n#define PADDING_L 3\n#define PADDING_R 4\n")

	d.PaddingMode = "reflect"
	cs := mustSynthesize(t, KindPad, d, optsFor(BackendCompute), inputBuffer(8, 8, 4))
	assert.Contains(t, cs.Passes[0].Source, "#define REFLECT_PADDING\n")
	assert.Equal(t, IVec2(1, 3), uniformOf(t, cs.Passes[0], "uPad"))
	assert.Equal(t, IVec3(15, 11, 1), uniformOf(t, cs.Passes[0], "uOutputSize"))

	_, err := synthesize(t, KindPad, d, optsFor(BackendVulkan), inputBuffer(8, 8, 4))
	assert.ErrorIs(t, err, ErrUnsupported)
}

// TestPassJSON verifies the pass description keeps binding order
func TestPassJSON(t *testing.T) {
	n := mustSynthesize(t, KindConv2D, convDesc(4, 4, 3, 1), optsFor(BackendCompute), inputBuffer(8, 8, 4))
	b, err := n.Passes[0].MarshalIndent()
	require.NoError(t, err)
	out := string(b)
	assert.Less(t, strings.Index(out, `"uPad"`), strings.Index(out, `"uInputSize"`))
	assert.Contains(t, out, `"exec": "GPU_CS"`)
}
