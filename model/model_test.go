package model

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/snnc/nn"
	"github.com/openfluke/snnc/shader"
	"github.com/openfluke/snnc/shape"
	"github.com/openfluke/snnc/tiling"
)

const tinyModel = `{
  "numLayers": {"count": 4},
  "inputRange": "[0,1]",
  "node": {"upscale": 1, "useSubpixel": "False"},
  "Layer_0": {"type": "InputLayer", "numInputs": 0, "inputId": [], "outputPlanes": 4, "Input Width": 8, "Input Height": 6},
  "Layer_1": {
    "type": "Conv2D", "numInputs": 1, "inputId": [0], "inputPlanes": 4, "outputPlanes": 4,
    "activation": "leakyRelu", "alpha": 0.2, "kernel_size": 1, "strides": 1, "padding": "same",
    "useBias": "True", "useBatchNormalization": "True",
    "weights": {
      "kernel": [1,2,3,4, 5,6,7,8, 9,10,11,12, 13,14,15,16],
      "bias": [0.5, 0.25, 0, -1]
    },
    "batchNormalization": {
      "beta": [0,0,0,0], "gamma": [1,1,1,1],
      "moving_mean": [0.1,0.2,0.3,0.4], "movingVariance": [1,2,3,4]
    }
  },
  "Layer_2": {
    "type": "MaxPooling2D", "numInputs": 1, "inputId": [1], "inputPlanes": 4, "outputPlanes": 4,
    "pool": [2, 2], "strides": [2, 2], "padding": "valid"
  },
  "Layer_3": {
    "type": "Dense", "numInputs": 1, "inputId": [2], "inputPlanes": 3, "outputPlanes": 2, "units": 2,
    "activation": "relu", "useBias": "False",
    "weights": {"kernel": [1, 2, 3, 4, 5, 6]}
  }
}`

func tinyFS() fstest.MapFS {
	return fstest.MapFS{"models/tiny.json": &fstest.MapFile{Data: []byte(tinyModel)}}
}

// TestLoadModel verifies layers, links and tensors of a small model
func TestLoadModel(t *testing.T) {
	m, err := Load(tinyFS(), "models/tiny.json", Options{})
	require.NoError(t, err)

	require.Len(t, m.Nodes, 4)
	assert.Equal(t, "tiny", m.Name)
	assert.True(t, m.IsRange01)
	assert.Equal(t, uint32(8), m.InputWidth)
	assert.Equal(t, uint32(6), m.InputHeight)
	assert.Equal(t, uint32(4), m.InputChannels)

	conv := m.Nodes[1]
	if conv.Name != "tiny layer [01] Conv2D" {
		t.Errorf("Expected layer name %q, got %q", "tiny layer [01] Conv2D", conv.Name)
	}
	require.Len(t, conv.Prev, 1)
	assert.Same(t, m.Nodes[0], conv.Prev[0])
	assert.Same(t, m.Nodes[2], conv.Next[0])

	d := conv.Desc
	assert.Equal(t, nn.KindConv2D, d.Kind)
	assert.Equal(t, float32(0.2), d.LeakyReluAlpha)
	assert.Equal(t, tiling.UniformPadding("same"), d.Padding)
	assert.Equal(t, float32(7), d.Weights.At(1, 2, 0, 0))
	assert.Equal(t, []float32{0.5, 0.25, 0, -1}, d.Biases)
	assert.True(t, d.UseBatchNorm)
	assert.True(t, d.IsRange01)
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, d.BatchNorm.Variance); diff != "" {
		t.Errorf("variance mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, d.BatchNorm.Mean)

	pool := m.Nodes[2].Desc
	assert.Equal(t, uint32(2), pool.KernelSize)
	assert.Equal(t, uint32(2), pool.Stride)
	assert.Equal(t, "valid", pool.PaddingMode)
	assert.Equal(t, "constant", pool.PaddingValue)
}

// TestLoadDenseRows verifies dense kernels are stored one row per output unit
func TestLoadDenseRows(t *testing.T) {
	m, err := Load(tinyFS(), "models/tiny.json", Options{})
	require.NoError(t, err)
	d := m.Nodes[3].Desc
	want := [][]float32{{1, 3, 5}, {2, 4, 6}}
	if diff := cmp.Diff(want, d.DenseWeights); diff != "" {
		t.Errorf("dense rows mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []float32{0, 0}, d.Biases)
}

// TestDesiredInput verifies input shapes come from the input layers
func TestDesiredInput(t *testing.T) {
	m, err := Load(tinyFS(), "models/tiny.json", Options{})
	require.NoError(t, err)
	in := m.DesiredInput(true)
	require.Len(t, in, 1)
	assert.Equal(t, shape.NewBuffer(true, 8, 6, 4), in[0])
}

// TestLoadAndBuild verifies a loaded model builds into compute passes
func TestLoadAndBuild(t *testing.T) {
	m, err := Load(tinyFS(), "models/tiny.json", Options{})
	require.NoError(t, err)

	assets := fstest.MapFS{}
	for _, name := range []string{
		"shaders/3rdparty/shadertemplate_cs_conv2d_1x1.glsl",
		"shaders/3rdparty/shadertemplate_cs_maxpool2d.glsl",
		"shaders/shadertemplate_cs_dense.glsl",
	} {
		assets[name] = &fstest.MapFile{Data: []byte("void main()\n{\n}\n")}
	}
	g, err := nn.Build(m.Nodes, nn.GenerateOptions{
		DesiredInput: m.DesiredInput(false),
		Backend:      nn.BackendCompute,
		MRT:          tiling.MRTSingle,
		Assets:       shader.NewFSLoader(assets),
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), g.Nodes[2].Output.Width)
	assert.Equal(t, uint32(3), g.Nodes[2].Output.Height)
	assert.Equal(t, uint32(2), g.Nodes[3].Output.Width)
	assert.Positive(t, g.PassCount())
}

// TestPaddingForms verifies every padding encoding models are exported with
func TestPaddingForms(t *testing.T) {
	tests := []struct {
		name string
		json string
		want tiling.Padding
		mode string
	}{
		{"policy", `{"padding": "same"}`, tiling.UniformPadding("same"), "same"},
		{"number", `{"padding": 2}`, tiling.UniformPadding("2"), "2"},
		{"pair", `{"padding": [1, 3]}`, tiling.Padding{Top: "1", Bottom: "1", Left: "3", Right: "3"}, ""},
		{"quad", `{"padding": [1, 2, 3, 4]}`, tiling.Padding{Top: "1", Bottom: "2", Left: "3", Right: "4"}, ""},
		{"nested", `{"padding": [[1, 2], [3, 4]]}`, tiling.Padding{Top: "1", Bottom: "2", Left: "3", Right: "4"}, ""},
		{"pads", `{"pads": [0, 0, 1, 2, 0, 0, 3, 4]}`, tiling.Padding{Top: "1", Bottom: "3", Left: "2", Right: "4"}, ""},
		{"missing", `{}`, tiling.UniformPadding("valid"), "valid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l rawLayer
			require.NoError(t, json.Unmarshal([]byte(tt.json), &l))
			got, mode, err := l.padding()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.mode, mode)
		})
	}

	var l rawLayer
	require.NoError(t, json.Unmarshal([]byte(`{"padding": [1, 2, 3]}`), &l))
	_, _, err := l.padding()
	assert.Error(t, err)
}

// TestScalarForms verifies strides given as numbers or arrays
func TestScalarForms(t *testing.T) {
	var l rawLayer
	require.NoError(t, json.Unmarshal([]byte(`{"stride": [3, 3], "alpha": 0.1}`), &l))
	assert.Equal(t, uint32(3), l.stride(1))
	assert.Equal(t, float32(0.1), l.leakyAlpha())

	l = rawLayer{}
	require.NoError(t, json.Unmarshal([]byte(`{"strides": 2}`), &l))
	assert.Equal(t, uint32(2), l.stride(1))

	l = rawLayer{}
	assert.Equal(t, uint32(5), l.stride(5))
	assert.Equal(t, float32(0.3), l.leakyAlpha())
}

// TestLoadDepthwiseLayout verifies depthwise kernels are reordered to [c][y][x]
func TestLoadDepthwiseLayout(t *testing.T) {
	doc := `{
	  "numLayers": {"count": 2},
	  "Layer_0": {"type": "InputLayer", "numInputs": 0, "outputPlanes": 2},
	  "Layer_1": {"type": "DepthwiseConv2D", "numInputs": 1, "inputId": [0], "inputPlanes": 2, "outputPlanes": 2,
	    "kernel_size": 2, "strides": 1, "padding": "same", "useBias": "True",
	    "weights": {"kernel": [1, 10, 2, 20, 3, 30, 4, 40], "bias": [1, 2]}}
	}`
	m, err := Parse("dw", []byte(doc), Options{})
	require.NoError(t, err)
	w := m.Nodes[1].Desc.Depthwise
	assert.Equal(t, []float32{1, 2, 3, 4, 10, 20, 30, 40}, w.Data)
	assert.Equal(t, float32(30), w.At(1, 1, 0))
	assert.Equal(t, nn.KindSeparableConv2D, m.Nodes[1].Kind())
}

// TestLoadBinaryWeights verifies tensors are read from the attached weight file
func TestLoadBinaryWeights(t *testing.T) {
	doc := `{
	  "numLayers": {"count": 2},
	  "bin_file_name": "tiny.bin",
	  "Layer_0": {"type": "InputLayer", "numInputs": 0, "outputPlanes": 1, "Input Width": 4, "Input Height": 4},
	  "Layer_1": {"type": "Conv2D", "numInputs": 1, "inputId": [0], "inputPlanes": 1, "outputPlanes": 2,
	    "activation": "relu", "kernel_size": 1, "strides": 1, "padding": "valid", "useBias": "True",
	    "useBatchNormalization": "False", "weights": {}}
	}`
	values := []float32{0.5, -0.5, 1, 2}
	bin := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(bin[4*i:], math.Float32bits(v))
	}
	fsys := fstest.MapFS{
		"m/tiny.json": &fstest.MapFile{Data: []byte(doc)},
		"m/tiny.bin":  &fstest.MapFile{Data: bin},
	}
	m, err := Load(fsys, "m/tiny.json", Options{})
	require.NoError(t, err)
	d := m.Nodes[1].Desc
	assert.Equal(t, []float32{0.5, -0.5}, d.Weights.Data)
	assert.Equal(t, []float32{1, 2}, d.Biases)

	fsys["m/tiny.bin"] = &fstest.MapFile{Data: bin[:8]}
	_, err = Load(fsys, "m/tiny.json", Options{})
	require.ErrorIs(t, err, ErrInvalidModel)
	assert.Contains(t, err.Error(), "bias")
}

// TestLoadHalfPrecision verifies tensors are rounded when half precision is preferred
func TestLoadHalfPrecision(t *testing.T) {
	m, err := Load(tinyFS(), "models/tiny.json", Options{PreferHalf: true})
	require.NoError(t, err)
	mean := m.Nodes[1].Desc.BatchNorm.Mean[0]
	if mean == float32(0.1) {
		t.Errorf("Expected 0.1 rounded to half precision, got %v", mean)
	}
	assert.InDelta(t, 0.1, mean, 1e-3)
}

// TestLoadStandaloneLayers verifies layers whose parameters have defaults
func TestLoadStandaloneLayers(t *testing.T) {
	doc := `{
	  "numLayers": {"count": 6},
	  "Layer_0": {"type": "InputLayer", "numInputs": 0, "outputPlanes": 4, "Input Width": 4, "Input Height": 4},
	  "Layer_1": {"type": "BatchNormalization", "numInputs": 1, "inputId": [0], "inputPlanes": 4, "outputPlanes": 4,
	    "batchNormalization": {"movingMean": [1,1,1,1], "movingVariance": [2,2,2,2]}},
	  "Layer_2": {"type": "UpSampling2D", "numInputs": 1, "inputId": [1], "inputPlanes": 4, "outputPlanes": 4,
	    "scaleFactor": 2, "interpolation": "bilinear"},
	  "Layer_3": {"type": "Lambda", "name": "Unary", "numInputs": 1, "inputId": [2], "inputPlanes": 4, "outputPlanes": 4, "opType": 3},
	  "Layer_4": {"type": "InstanceNormalization", "numInputs": 1, "inputId": [3], "inputPlanes": 4, "outputPlanes": 4,
	    "epsilon": 0.001, "weights": {"bias": [1,2,3,4], "scale": [5,6,7,8]}},
	  "Layer_5": {"type": "Pad", "numInputs": 1, "inputId": [4], "inputPlanes": 4, "outputPlanes": 4,
	    "padding": [[1, 1], [2, 2]], "mode": "reflect"}
	}`
	m, err := Parse("misc", []byte(doc), Options{})
	require.NoError(t, err)

	bn := m.Nodes[1].Desc.BatchNorm
	assert.Equal(t, []float32{1, 1, 1, 1}, bn.Gamma)
	assert.Equal(t, []float32{0, 0, 0, 0}, bn.Beta)

	up := m.Nodes[2].Desc
	assert.Equal(t, uint32(2), up.ScaleFactor)
	assert.Equal(t, "bilinear", up.Interpolation)

	unary := m.Nodes[3]
	assert.Equal(t, nn.KindUnary, unary.Kind())
	assert.Equal(t, "misc layer [03] Unary", unary.Name)
	assert.Equal(t, int32(3), unary.Desc.OpType)
	assert.Equal(t, float32(1), unary.Desc.OpValue)

	in := m.Nodes[4].Desc
	assert.True(t, in.UseInstanceNorm)
	assert.Equal(t, float32(0.001), in.Epsilon)
	assert.Equal(t, []float32{5, 6, 7, 8}, in.BatchNorm.Gamma)

	pad := m.Nodes[5].Desc
	assert.Equal(t, "reflect", pad.PaddingMode)
	assert.Equal(t, tiling.Padding{Top: "1", Bottom: "1", Left: "2", Right: "2"}, pad.Padding)
}

// TestLoadErrors verifies malformed models are rejected
func TestLoadErrors(t *testing.T) {
	input := `"Layer_0": {"type": "InputLayer", "numInputs": 0, "outputPlanes": 4}`
	tests := []struct {
		name string
		doc  string
		want error
		text string
	}{
		{"not json", `{`, ErrInvalidModel, ""},
		{"no layers", `{"numLayers": {"count": 0}}`, ErrInvalidModel, "0 layers"},
		{"missing layer", `{"numLayers": {"count": 2}, ` + input + `}`, ErrInvalidModel, "Layer_1"},
		{"unknown type", `{"numLayers": {"count": 2}, ` + input + `, "Layer_1": {"type": "Conv2d", "numInputs": 1, "inputId": [0]}}`,
			nn.ErrUnknownKind, `did you mean "Conv2D"?`},
		{"bad link", `{"numLayers": {"count": 2}, ` + input + `, "Layer_1": {"type": "Add", "numInputs": 2, "inputId": [0, 7]}}`,
			ErrInvalidModel, "unknown layer 7"},
		{"short links", `{"numLayers": {"count": 2}, ` + input + `, "Layer_1": {"type": "Add", "numInputs": 2, "inputId": [0]}}`,
			ErrInvalidModel, "1 of 2"},
		{"no input", `{"numLayers": {"count": 1}, "Layer_0": {"type": "Add", "numInputs": 0}}`, ErrNoInputLayer, ""},
		{"short kernel", `{"numLayers": {"count": 2}, ` + input + `, "Layer_1": {"type": "Conv2D", "numInputs": 1, "inputId": [0],
			"inputPlanes": 4, "outputPlanes": 4, "kernel_size": 3, "padding": "same", "weights": {"kernel": [1, 2]}}}`,
			ErrInvalidModel, "kernel needs 144 values"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad", []byte(tt.doc), Options{})
			require.ErrorIs(t, err, tt.want)
			if tt.text != "" && !strings.Contains(err.Error(), tt.text) {
				t.Errorf("Expected error containing %q, got %q", tt.text, err)
			}
		})
	}
}
