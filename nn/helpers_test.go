package nn

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/openfluke/snnc/shader"
	"github.com/openfluke/snnc/shape"
	"github.com/openfluke/snnc/tiling"
	"github.com/openfluke/snnc/weights"
)

// testTemplate is the body of every fragment asset in tests
const testTemplate = "precision _PLACEHOLDER_PRECISION_ float;\nvoid main()\n{\n"

// testComputeTemplate is the body of every compute asset in tests. Compute
// headers define PRECISION as a macro.
const testComputeTemplate = "void main()\n{\n"

// testSPIRV is a SPIR-V magic word followed by a version word
var testSPIRV = []byte{0x03, 0x02, 0x23, 0x07, 0x00, 0x00, 0x01, 0x00}

var textAssets = []string{
	conv2DFSAsset, conv2DCSAsset, conv2D1x1CSAsset,
	depthwiseFSAsset, depthwiseCSAsset,
	"shaders/shadertemplate_fs_3x_deconv_RGBA.glsl", "shaders/shadertemplate_cs_3x_deconv_RGBA.glsl",
	"shaders/shadertemplate_fs_4x_deconv_2s_RGBA.glsl", "shaders/shadertemplate_cs_4x_deconv_2s_RGBA.glsl",
	maxPoolFSAsset, maxPoolCSAsset, avgPoolFSAsset, avgPoolCSAsset,
	denseCSAsset, flattenCSAsset,
	addFSAsset, addCSAsset, concatFSAsset, concatCSAsset,
	batchNormFSAsset, batchNormCSAsset, instanceNormCSAsset,
	activationFSAsset, activationCSAsset, unaryFSAsset, unaryCSAsset, calculationFSAsset,
	upsampleFSAsset, upsampleNearestCSAsset, upsampleBilinearCSAsset,
	subpixelFSAsset, padFSAsset, padCSAsset,
}

var binaryOps = []string{
	"conv2d", "conv2d_1x1", "depthwise", "maxpool2d", "dense", "flatten", "add", "concat",
	"batchnorm", "activation", "unary", "upsampling2d_nearest", "upsampling2d_bilinear", "subpixel",
}

// testAssets serves every template and binary the synthesizers load
func testAssets() shader.Loader {
	return assetsWith(nil)
}

// assetsWith replaces the body of some templates
func assetsWith(overrides map[string]string) shader.Loader {
	fsys := fstest.MapFS{}
	for _, name := range textAssets {
		body := testTemplate
		if strings.Contains(name, "_cs_") {
			body = testComputeTemplate
		}
		fsys[name] = &fstest.MapFile{Data: []byte(body)}
	}
	for name, text := range overrides {
		fsys[name] = &fstest.MapFile{Data: []byte(text)}
	}
	for _, op := range binaryOps {
		fsys[vkAsset(op, false)] = &fstest.MapFile{Data: testSPIRV}
		fsys[vkAsset(op, true)] = &fstest.MapFile{Data: testSPIRV}
	}
	return shader.NewFSLoader(fsys)
}

// synthesize creates a node with the given inputs and generates its passes
// the way Build does for a node that is neither first nor last.
func synthesize(t *testing.T, kind Kind, d Desc, opts GenerateOptions, inputs ...shape.Buffer) (*Node, error) {
	t.Helper()
	opts = opts.clone()
	n := mustCreate(t, kind, d)
	for _, in := range inputs {
		n.AddInput(in)
		opts.DesiredInput[0].Width = max(opts.DesiredInput[0].Width, in.Width)
		opts.DesiredInput[0].Height = max(opts.DesiredInput[0].Height, in.Height)
	}
	dims := n.OutputDims()
	opts.DesiredOutputWidth, opts.DesiredOutputHeight = dims.Width, dims.Height
	return n, n.Synthesize(opts)
}

func mustSynthesize(t *testing.T, kind Kind, d Desc, opts GenerateOptions, inputs ...shape.Buffer) *Node {
	t.Helper()
	n, err := synthesize(t, kind, d, opts, inputs...)
	require.NoError(t, err)
	return n
}

func testOptions(backend Backend, mrt tiling.MRTMode, w, h uint32) GenerateOptions {
	return GenerateOptions{
		DesiredInput: []shape.Buffer{{Width: w, Height: h, Depth: 1}},
		Backend:      backend,
		MRT:          mrt,
		Assets:       testAssets(),
	}
}

func inputBuffer(w, h, channels uint32) shape.Buffer {
	return shape.NewBuffer(false, w, h, channels)
}

func mustCreate(t *testing.T, kind Kind, d Desc) *Node {
	t.Helper()
	n, err := NewRegistry().Create(kind, d)
	require.NoError(t, err)
	return n
}

func inputNode(t *testing.T) *Node {
	return mustCreate(t, KindInput, Desc{Name: "input", InputPlanes: 4, OutputPlanes: 4})
}

// sequentialKernel fills an OIHW kernel with 0.01, 0.02, ...
func sequentialKernel(out, in, k int) weights.OIHW {
	w := weights.NewOIHW(out, in, k, k)
	for i := range w.Data {
		w.Data[i] = float32(i+1) / 100
	}
	return w
}

func convDesc(in, out, k, s uint32) Desc {
	bias := make([]float32, out)
	for i := range bias {
		bias[i] = float32(i) / 10
	}
	return Desc{
		Name:         "conv",
		InputPlanes:  in,
		OutputPlanes: out,
		KernelSize:   k,
		Stride:       s,
		Padding:      tiling.UniformPadding("same"),
		Activation:   "relu",
		Weights:      sequentialKernel(int(out), int(in), int(k)),
		Biases:       bias,
	}
}

// chain links nodes one after another and returns them
func chain(nodes ...*Node) []*Node {
	for i := 1; i < len(nodes); i++ {
		nodes[i-1].Link(nodes[i])
	}
	return nodes
}

func buildChain(t *testing.T, opts GenerateOptions, nodes ...*Node) *Graph {
	t.Helper()
	g, err := Build(chain(nodes...), opts)
	require.NoError(t, err)
	return g
}
