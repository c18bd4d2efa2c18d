package nn

import (
	"github.com/openfluke/snnc/shape"
	"github.com/openfluke/snnc/shader"
	"github.com/openfluke/snnc/tiling"
	"github.com/openfluke/snnc/weights"
)

// BatchNorm holds the inference batch normalization vectors of a layer
type BatchNorm struct {
	Beta     []float32 `json:"beta"`
	Gamma    []float32 `json:"gamma"`
	Mean     []float32 `json:"movingMean"`
	Variance []float32 `json:"movingVariance"`
}

// Vectors returns beta, gamma, mean and variance in template order
func (b BatchNorm) Vectors() [4][]float32 {
	return [4][]float32{b.Beta, b.Gamma, b.Mean, b.Variance}
}

func (b BatchNorm) clone() BatchNorm {
	return BatchNorm{
		Beta:     cloneFloats(b.Beta),
		Gamma:    cloneFloats(b.Gamma),
		Mean:     cloneFloats(b.Mean),
		Variance: cloneFloats(b.Variance),
	}
}

// Desc is the parameter record of a node. Which fields are read depends on Kind.
type Desc struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`

	InputPlanes  uint32 `json:"inputPlanes"`
	OutputPlanes uint32 `json:"outputPlanes"`
	NumInputs    int    `json:"numInputs"`

	Activation     string  `json:"activation,omitempty"`
	LeakyReluAlpha float32 `json:"leakyReluAlpha,omitempty"`

	// Convolution and pooling
	KernelSize     uint32         `json:"kernelSize,omitempty"`
	Stride         uint32         `json:"stride,omitempty"`
	Padding        tiling.Padding `json:"padding"`
	PaddingMode    string         `json:"paddingMode,omitempty"`
	PaddingValue   string         `json:"paddingValue,omitempty"`
	UseMultiInputs bool           `json:"useMultiInputs,omitempty"`

	Weights      weights.OIHW      `json:"-"`
	Depthwise    weights.Depthwise `json:"-"`
	DenseWeights [][]float32       `json:"-"`
	Biases       []float32         `json:"-"`

	UseBatchNorm bool      `json:"useBatchNorm,omitempty"`
	BatchNorm    BatchNorm `json:"-"`

	// InstanceNorm
	Epsilon         float32 `json:"epsilon,omitempty"`
	UseInstanceNorm bool    `json:"useInstanceNorm,omitempty"`

	// UpSampling2D
	ScaleFactor   uint32 `json:"scaleFactor,omitempty"`
	Interpolation string `json:"interpolation,omitempty"`

	// Unary
	OpType  int32   `json:"opType,omitempty"`
	OpValue float32 `json:"opValue,omitempty"`

	// InputLayer
	InputIndex  int    `json:"inputIndex,omitempty"`
	InputWidth  uint32 `json:"inputWidth,omitempty"`
	InputHeight uint32 `json:"inputHeight,omitempty"`

	// IsRange01 marks models whose input is normalized to [0,1]
	IsRange01 bool `json:"isRange01,omitempty"`
}

// Clone returns a deep copy so that nodes never alias caller tensors
func (d Desc) Clone() Desc {
	c := d
	if d.Weights.Data != nil {
		c.Weights = d.Weights.Clone()
	}
	if d.Depthwise.Data != nil {
		c.Depthwise = d.Depthwise.Clone()
	}
	if d.DenseWeights != nil {
		c.DenseWeights = make([][]float32, len(d.DenseWeights))
		for i, row := range d.DenseWeights {
			c.DenseWeights[i] = cloneFloats(row)
		}
	}
	c.Biases = cloneFloats(d.Biases)
	c.BatchNorm = d.BatchNorm.clone()
	return c
}

// ActivationType resolves the activation name
func (d Desc) ActivationType() ActivationType {
	return ParseActivation(d.Activation)
}

func cloneFloats(v []float32) []float32 {
	if v == nil {
		return nil
	}
	return append([]float32(nil), v...)
}

// GenerateOptions configures pass synthesis of one node
type GenerateOptions struct {
	// DesiredInput holds the shapes of the graph inputs, indexed by input layer
	// index. Before a node is synthesized the assembler sets DesiredInput[0]
	// width and height to the node's largest input extent.
	DesiredInput []shape.Buffer `json:"desiredInput"`

	DesiredOutputWidth  uint32 `json:"desiredOutputWidth"`
	DesiredOutputHeight uint32 `json:"desiredOutputHeight"`

	Backend    Backend        `json:"backend"`
	PreferHalf bool           `json:"preferHalf"`
	MRT        tiling.MRTMode `json:"mrt"`
	WeightMode WeightMode     `json:"weightMode"`

	IsFirstLayer bool `json:"isFirstLayer"`
	IsLastLayer  bool `json:"isLastLayer"`

	// Assets resolves shader templates and binaries
	Assets shader.Loader `json:"-"`
}

// InputWidth returns the width of the first desired input
func (o GenerateOptions) InputWidth() uint32 {
	if len(o.DesiredInput) == 0 {
		return 0
	}
	return o.DesiredInput[0].Width
}

// InputHeight returns the height of the first desired input
func (o GenerateOptions) InputHeight() uint32 {
	if len(o.DesiredInput) == 0 {
		return 0
	}
	return o.DesiredInput[0].Height
}

func (o GenerateOptions) clone() GenerateOptions {
	c := o
	c.DesiredInput = append([]shape.Buffer(nil), o.DesiredInput...)
	return c
}
