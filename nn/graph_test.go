package nn

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/snnc/tiling"
)

// TestBuildSameConvolution verifies a stride 1 convolution keeps the input extent
func TestBuildSameConvolution(t *testing.T) {
	conv := mustCreate(t, KindConv2D, convDesc(4, 4, 3, 1))
	g := buildChain(t, testOptions(BackendFragment, tiling.MRTSingle, 32, 32), inputNode(t), conv)

	require.Len(t, g.Nodes, 2)
	assert.Equal(t, 1, g.InputLayers)
	assert.Equal(t, [4]uint32{1, 1, 1, 1}, convOffsets(conv.Desc))

	out := conv.Output
	if out.Width != 32 || out.Height != 32 || out.Depth != 1 || out.Channels != 4 {
		t.Errorf("Expected 32 x 32 x 1 with 4 channels, got %s with %d channels", out, out.Channels)
	}
	require.Len(t, conv.Passes, 1)
	p := conv.Passes[0]
	assert.Equal(t, ExecGPUFS, p.Exec)
	assert.Equal(t, ExecGPUFS, conv.Exec)
	assert.Contains(t, p.Source, "#define INPUT_WIDTH 32\n")
	assert.Contains(t, p.Source, "#define PADDING_W 1\n")
	assert.Contains(t, p.Source, "#define SCALE_INPUT 1\n")
	assert.Contains(t, p.Source, "precision highp float;")
	assert.Equal(t, []string{"inputTextures"}, p.InputNames())
	assert.Equal(t, FragmentProgram{OutputSliceIndex: 0, OutputSliceCount: 1}, *p.Fragment)
}

// TestBuildStridedConvolution verifies stride 2 halves the extent
func TestBuildStridedConvolution(t *testing.T) {
	conv := mustCreate(t, KindConv2D, convDesc(4, 4, 3, 2))
	buildChain(t, testOptions(BackendFragment, tiling.MRTSingle, 32, 32), inputNode(t), conv)

	if conv.Output.Width != 16 || conv.Output.Height != 16 {
		t.Errorf("Expected 16 x 16, got %s", conv.Output)
	}
}

// TestBuildMultipleRenderTargets verifies 20 channels split into 8, 8 and 4
// channel passes under double MRT.
func TestBuildMultipleRenderTargets(t *testing.T) {
	conv := mustCreate(t, KindConv2D, convDesc(4, 20, 3, 1))
	buildChain(t, testOptions(BackendFragment, tiling.MRTDouble, 16, 16), inputNode(t), conv)

	require.Len(t, conv.Passes, 3)
	wantSlices := []FragmentProgram{{0, 2}, {2, 2}, {4, 1}}
	for i, p := range conv.Passes {
		if diff := cmp.Diff(wantSlices[i], *p.Fragment); diff != "" {
			t.Errorf("pass %d slices mismatch (-want +got):\n%s", i, diff)
		}
	}

	last := conv.Passes[2].Source
	assert.Contains(t, last, "#define USE_COMPONENT_R_PLANE_0\n")
	assert.Contains(t, last, "#define USE_COMPONENT_A_PLANE_0\n")
	assert.NotContains(t, last, "#define USE_COMPONENT_R_PLANE_1")
	assert.Equal(t, 4, tiling.EnabledChannels(last))
	assert.Equal(t, 8, tiling.EnabledChannels(conv.Passes[0].Source))
	assert.Equal(t, uint32(5), conv.Output.Depth)
}

// TestBuildOutputShapes verifies the shape rules of resizing layers
func TestBuildOutputShapes(t *testing.T) {
	tests := []struct {
		name          string
		kind          Kind
		desc          Desc
		width, height uint32
	}{
		{"max pool", KindMaxPooling2D, Desc{InputPlanes: 4, OutputPlanes: 4, KernelSize: 2, Stride: 2, Padding: tiling.UniformPadding("valid")}, 16, 16},
		{"upsample", KindUpSampling2D, Desc{InputPlanes: 4, OutputPlanes: 4, ScaleFactor: 2}, 64, 64},
		{"subpixel", KindSubpixel, Desc{InputPlanes: 16, OutputPlanes: 4}, 64, 64},
		{"pad", KindPad, Desc{InputPlanes: 4, OutputPlanes: 4, Padding: tiling.Padding{Top: "1", Bottom: "2", Left: "3", Right: "4"}}, 39, 35},
		{"dense", KindDense, Desc{InputPlanes: 4, OutputPlanes: 10, DenseWeights: make([][]float32, 10), Biases: make([]float32, 10)}, 10, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.desc.Name = tt.name
			n := mustCreate(t, tt.kind, tt.desc)
			n.AddInput(inputBuffer(32, 32, 4))
			d := n.OutputDims()
			if d.Width != tt.width || d.Height != tt.height {
				t.Errorf("Expected %d x %d, got %d x %d", tt.width, tt.height, d.Width, d.Height)
			}
		})
	}
}

// TestBuildConcatenateChannels verifies concatenation sums input channels
func TestBuildConcatenateChannels(t *testing.T) {
	a := mustCreate(t, KindConv2D, convDesc(4, 4, 1, 1))
	a.Name = "a"
	b := mustCreate(t, KindConv2D, convDesc(4, 8, 1, 1))
	b.Name = "b"
	cat := mustCreate(t, KindConcatenate, Desc{Name: "cat", InputPlanes: 12, OutputPlanes: 12, NumInputs: 2})
	in := inputNode(t)
	in.Link(a)
	in.Link(b)
	a.Link(cat)
	b.Link(cat)

	_, err := Build([]*Node{cat, b, a, in}, testOptions(BackendFragment, tiling.MRTSingle, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, 3, cat.Index)
	assert.Equal(t, 0, in.Index)
	assert.Equal(t, uint32(12), cat.Output.Channels)
	assert.Equal(t, uint32(3), cat.Output.Depth)
	require.Len(t, cat.Passes, 3)
	assert.Equal(t, []string{"inputTextures1"}, cat.Passes[1].InputNames())
}

// TestBuildRejectsCycles verifies a cycle fails the build
func TestBuildRejectsCycles(t *testing.T) {
	a := mustCreate(t, KindActivation, Desc{Name: "a", InputPlanes: 4, OutputPlanes: 4})
	b := mustCreate(t, KindActivation, Desc{Name: "b", InputPlanes: 4, OutputPlanes: 4})
	a.Link(b)
	b.Link(a)

	g, err := Build([]*Node{a, b}, testOptions(BackendFragment, tiling.MRTSingle, 8, 8))
	require.ErrorIs(t, err, ErrCyclicGraph)
	assert.Nil(t, g)
}

// TestBuildRejectsMalformedGraphs verifies links outside the node set, nil
// nodes and missing desired inputs are rejected.
func TestBuildRejectsMalformedGraphs(t *testing.T) {
	opts := testOptions(BackendFragment, tiling.MRTSingle, 8, 8)

	a := mustCreate(t, KindActivation, Desc{Name: "a", InputPlanes: 4, OutputPlanes: 4})
	outside := mustCreate(t, KindActivation, Desc{Name: "outside", InputPlanes: 4, OutputPlanes: 4})
	a.Link(outside)
	_, err := Build([]*Node{a}, opts)
	assert.ErrorIs(t, err, ErrMalformedGraph)

	_, err = Build([]*Node{nil}, opts)
	assert.ErrorIs(t, err, ErrMalformedGraph)

	opts.DesiredInput = nil
	_, err = Build([]*Node{inputNode(t)}, opts)
	assert.ErrorIs(t, err, ErrMalformedGraph)

	in := mustCreate(t, KindInput, Desc{Name: "second", InputIndex: 3, OutputPlanes: 4})
	_, err = Build([]*Node{in}, testOptions(BackendFragment, tiling.MRTSingle, 8, 8))
	assert.ErrorIs(t, err, ErrMalformedGraph)
}

// TestBuildRejectsLeadingCPULayer verifies a CPU layer cannot start a graph
func TestBuildRejectsLeadingCPULayer(t *testing.T) {
	yolo := mustCreate(t, KindYOLO, Desc{Name: "yolo", InputPlanes: 4, OutputPlanes: 4})
	_, err := Build([]*Node{yolo}, testOptions(BackendFragment, tiling.MRTSingle, 8, 8))
	require.ErrorIs(t, err, ErrMalformedGraph)
}

// TestBuildCPULayer verifies CPU layers produce no passes
func TestBuildCPULayer(t *testing.T) {
	yolo := mustCreate(t, KindYOLO, Desc{Name: "yolo", InputPlanes: 4, OutputPlanes: 4})
	g := buildChain(t, testOptions(BackendCompute, tiling.MRTSingle, 8, 8), inputNode(t), yolo)

	assert.Equal(t, ExecCPU, yolo.Exec)
	assert.Empty(t, yolo.Passes)
	assert.Equal(t, uint32(yoloDetections), yolo.Output.Width)
	assert.Equal(t, 0, g.PassCount())
}

// TestBuildBackendFallback verifies fragment and compute requests fall back
// on each other.
func TestBuildBackendFallback(t *testing.T) {
	bn := BatchNorm{Beta: make([]float32, 4), Gamma: make([]float32, 4), Mean: make([]float32, 4), Variance: make([]float32, 4)}
	norm := mustCreate(t, KindInstanceNorm, Desc{Name: "norm", InputPlanes: 4, OutputPlanes: 4, BatchNorm: bn})
	buildChain(t, testOptions(BackendFragment, tiling.MRTSingle, 8, 8), inputNode(t), norm)
	assert.Equal(t, ExecGPUCS, norm.Exec)
	require.Len(t, norm.Passes, 1)
	assert.Equal(t, ExecGPUCS, norm.Passes[0].Exec)

	sub := mustCreate(t, KindSubpixel, Desc{Name: "sub", InputPlanes: 16, OutputPlanes: 4})
	buildChain(t, testOptions(BackendCompute, tiling.MRTSingle, 8, 8), inputNode(t), sub)
	assert.Equal(t, ExecGPUFS, sub.Exec)
}

// TestBuildVulkanUnsupported verifies Vulkan requests never fall back
func TestBuildVulkanUnsupported(t *testing.T) {
	d := convDesc(4, 4, 3, 2)
	d.Name = "deconv"
	deconv := mustCreate(t, KindConv2DTranspose, d)
	_, err := Build(chain(inputNode(t), deconv), testOptions(BackendVulkan, tiling.MRTSingle, 8, 8))
	require.ErrorIs(t, err, ErrUnsupported)
	assert.Contains(t, err.Error(), "deconv")
}

// TestBuildVulkanPasses verifies Vulkan passes carry the binary and constants
func TestBuildVulkanPasses(t *testing.T) {
	conv := mustCreate(t, KindConv2D, convDesc(4, 4, 3, 1))
	act := mustCreate(t, KindActivation, Desc{Name: "act", InputPlanes: 4, OutputPlanes: 4, Activation: "relu"})
	buildChain(t, testOptions(BackendVulkan, tiling.MRTSingle, 8, 8), inputNode(t), conv, act)

	for _, n := range []*Node{conv, act} {
		require.Len(t, n.Passes, 1, n.Name)
		p := n.Passes[0]
		assert.Equal(t, ExecGPUVK, p.Exec)
		assert.Equal(t, []uint32{0x07230203, 0x00010000}, p.Code)
		assert.True(t, strings.HasSuffix(p.Source, ".spv"))
	}
	spec := act.Passes[0].SpecConstants
	require.Len(t, spec, 5)
	assert.Equal(t, uint32(8), spec[0].Bits)
	assert.Equal(t, float32(1), spec[4].Float())
}

// TestBuildHalfPrecision verifies half precision selects mediump and fp16 binaries
func TestBuildHalfPrecision(t *testing.T) {
	opts := testOptions(BackendFragment, tiling.MRTSingle, 8, 8)
	opts.PreferHalf = true
	conv := mustCreate(t, KindConv2D, convDesc(4, 4, 3, 1))
	buildChain(t, opts, inputNode(t), conv)
	assert.Contains(t, conv.Passes[0].Source, "precision mediump float;")

	opts.Backend = BackendVulkan
	conv = mustCreate(t, KindConv2D, convDesc(4, 4, 3, 1))
	buildChain(t, opts, inputNode(t), conv)
	assert.Equal(t, vkAsset("conv2d", true), conv.Passes[0].Source)
}

// TestBuildMissingAsset verifies a missing template surfaces as ErrAsset
func TestBuildMissingAsset(t *testing.T) {
	opts := testOptions(BackendFragment, tiling.MRTSingle, 8, 8)
	opts.Assets = nil
	conv := mustCreate(t, KindConv2D, convDesc(4, 4, 3, 1))
	_, err := Build(chain(inputNode(t), conv), opts)
	require.ErrorIs(t, err, ErrAsset)
}

// TestBuildFirstAndLastLayer verifies the first layer normalizes its input
// and later layers do not.
func TestBuildFirstAndLastLayer(t *testing.T) {
	first := mustCreate(t, KindConv2D, convDesc(4, 4, 3, 1))
	second := mustCreate(t, KindConv2D, convDesc(4, 4, 3, 1))
	buildChain(t, testOptions(BackendFragment, tiling.MRTSingle, 8, 8), inputNode(t), first, second)

	assert.Contains(t, first.Passes[0].Source, "SCALE_INPUT")
	assert.NotContains(t, second.Passes[0].Source, "SCALE_INPUT")
}

// TestGraphSummary verifies the layer table lists every node
func TestGraphSummary(t *testing.T) {
	conv := mustCreate(t, KindConv2D, convDesc(4, 4, 3, 2))
	conv.Name = LayerName("mobilenet", 1, "Conv2D")
	g := buildChain(t, testOptions(BackendFragment, tiling.MRTSingle, 32, 32), inputNode(t), conv)

	var buf bytes.Buffer
	g.Summary(&buf)
	out := buf.String()
	assert.Contains(t, out, "LAYER ID")
	assert.Contains(t, out, "[01] Conv2D")
	assert.NotContains(t, out, "mobilenet")
	assert.Contains(t, out, "16 x 16 x 1")
	assert.Contains(t, out, "32 x 32 x 1")
}

// TestShortName verifies long layer names are truncated
func TestShortName(t *testing.T) {
	if got := shortName("model layer [02] Dense"); got != "[02] Dense" {
		t.Errorf("Expected [02] Dense, got %q", got)
	}
	long := strings.Repeat("x", 40)
	if got := shortName(long); len(got) != 34 || !strings.HasSuffix(got, "...") {
		t.Errorf("Expected a 34 character name ending in ..., got %q", got)
	}
}
