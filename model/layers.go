package model

import (
	"fmt"

	"github.com/openfluke/snnc/nn"
	"github.com/openfluke/snnc/weights"
)

// loader converts raw layers into node descriptors. Tensors come from the
// layer object or, when a weight file is attached, from that file in layer order.
type loader struct {
	half      bool
	isRange01 bool
	bin       *tensorReader
}

func (ld *loader) desc(kind nn.Kind, l *rawLayer) (nn.Desc, error) {
	d := nn.Desc{
		InputPlanes:  l.InputPlanes,
		OutputPlanes: l.OutputPlanes,
		NumInputs:    l.NumInputs,
		Activation:   l.Activation,
		IsRange01:    ld.isRange01,
	}
	if d.Activation == "" {
		d.Activation = "linear"
	}
	if d.ActivationType() == nn.ActivationLeakyReLU {
		d.LeakyReluAlpha = l.leakyAlpha()
	}

	var err error
	switch kind {
	case nn.KindInput:
		d.InputWidth, d.InputHeight, d.InputIndex = l.InputWidth, l.InputHeight, l.InputIndex
		if d.InputPlanes == 0 {
			d.InputPlanes = d.OutputPlanes
		}
	case nn.KindConv2D, nn.KindConv2DTranspose:
		err = ld.conv(&d, l)
	case nn.KindSeparableConv2D:
		err = ld.depthwise(&d, l)
	case nn.KindMaxPooling2D:
		d.KernelSize = l.poolSize()
		d.Stride = l.stride(d.KernelSize)
		var mode string
		d.Padding, mode, err = l.padding()
		d.PaddingMode = mode
		d.PaddingValue = l.PaddingValue
		if d.PaddingValue == "" {
			d.PaddingValue = "constant"
		}
	case nn.KindAveragePooling2D:
		d.KernelSize = l.poolSize()
		d.Stride = l.stride(d.KernelSize)
		d.Padding, d.PaddingMode, err = l.padding()
	case nn.KindAdaptiveAvgPool2D:
		d.KernelSize = l.poolSize()
	case nn.KindDense:
		err = ld.dense(&d, l)
	case nn.KindBatchNormalization:
		d.UseBatchNorm = true
		d.BatchNorm, err = ld.batchNorm(l, int(d.OutputPlanes), true)
	case nn.KindInstanceNorm:
		err = ld.instanceNorm(&d, l)
	case nn.KindUnary:
		d.OpType = l.OpType
		d.OpValue = 1
		if l.OpValue != nil {
			d.OpValue = *l.OpValue
		}
	case nn.KindUpSampling2D:
		d.ScaleFactor = l.ScaleFactor.uint32Or(2)
		d.Interpolation = l.Interpolation
	case nn.KindSubpixel:
		d.KernelSize = 2
	case nn.KindPad:
		d.Padding, _, err = l.padding()
		d.PaddingMode = l.Mode
		if d.PaddingMode == "" {
			d.PaddingMode = "constant"
		}
	}
	return d, err
}

// tensor returns inline values, or the next n values of the weight file
func (ld *loader) tensor(inline []float32, n int, what string) ([]float32, error) {
	var v []float32
	if ld.bin != nil {
		var err error
		if v, err = ld.bin.floats(n); err != nil {
			return nil, fmt.Errorf("%s: %w", what, err)
		}
	} else {
		if len(inline) < n {
			return nil, fmt.Errorf("%s needs %d values, got %d", what, n, len(inline))
		}
		v = inline[:n]
	}
	if ld.half {
		return weights.RoundHalf(v), nil
	}
	return append([]float32(nil), v...), nil
}

func (ld *loader) conv(d *nn.Desc, l *rawLayer) error {
	d.KernelSize = l.kernelSize()
	d.Stride = l.stride(1)
	d.UseMultiInputs = bool(l.UseMultiInputs)
	var err error
	if d.Padding, _, err = l.padding(); err != nil {
		return err
	}
	d.PaddingMode = l.Mode
	if d.KernelSize == 0 {
		return fmt.Errorf("kernel_size is required")
	}

	out, in, k := int(d.OutputPlanes), int(d.InputPlanes), int(d.KernelSize)
	data, err := ld.tensor(l.Weights.Kernel, out*in*k*k, "kernel")
	if err != nil {
		return err
	}
	d.Weights = weights.OIHW{Out: out, In: in, KH: k, KW: k, Data: data}
	if d.Biases, err = ld.bias(l, out); err != nil {
		return err
	}
	if l.UseBatchNormalization {
		d.UseBatchNorm = true
		d.BatchNorm, err = ld.batchNorm(l, out, false)
	}
	return err
}

// depthwise loads a kernel exported as [y][x][channel]
func (ld *loader) depthwise(d *nn.Desc, l *rawLayer) error {
	d.KernelSize = l.kernelSize()
	d.Stride = l.stride(1)
	var err error
	if d.Padding, _, err = l.padding(); err != nil {
		return err
	}
	d.PaddingMode = l.Mode
	if d.KernelSize == 0 {
		return fmt.Errorf("kernel_size is required")
	}

	c, k := int(d.InputPlanes), int(d.KernelSize)
	inline := l.Weights.Kernel
	if len(inline) == 0 {
		inline = l.DepthwiseWeights
	}
	data, err := ld.tensor(inline, c*k*k, "depthwise kernel")
	if err != nil {
		return err
	}
	w := weights.NewDepthwise(c, k, k)
	if ld.bin != nil {
		copy(w.Data, data)
	} else {
		plane := k * k
		for i := 0; i < plane; i++ {
			for ch := 0; ch < c; ch++ {
				w.Data[ch*plane+i] = data[i*c+ch]
			}
		}
	}
	d.Depthwise = w
	if d.Biases, err = ld.bias(l, int(d.OutputPlanes)); err != nil {
		return err
	}
	if l.UseBatchNormalization {
		d.UseBatchNorm = true
		d.BatchNorm, err = ld.batchNorm(l, int(d.OutputPlanes), false)
	}
	return err
}

// dense loads an [in][out] kernel into one row per output unit
func (ld *loader) dense(d *nn.Desc, l *rawLayer) error {
	units := int(l.Units.uint32Or(d.OutputPlanes))
	if units == 0 {
		return fmt.Errorf("dense layer has no units")
	}
	in := int(d.InputPlanes)
	if ld.bin == nil {
		in = len(l.Weights.Kernel) / units
	}
	data, err := ld.tensor(l.Weights.Kernel, in*units, "kernel")
	if err != nil {
		return err
	}
	d.DenseWeights = make([][]float32, units)
	for o := range d.DenseWeights {
		row := make([]float32, in)
		for i := range row {
			row[i] = data[i*units+o]
		}
		d.DenseWeights[o] = row
	}
	d.Biases, err = ld.bias(l, units)
	return err
}

func (ld *loader) bias(l *rawLayer, n int) ([]float32, error) {
	if !l.UseBias {
		return make([]float32, n), nil
	}
	return ld.tensor(l.Weights.Bias, n, "bias")
}

// batchNorm reads gamma, beta, mean and variance. Standalone layers may omit
// beta and gamma, which then default to 0 and 1.
func (ld *loader) batchNorm(l *rawLayer, n int, optionalAffine bool) (nn.BatchNorm, error) {
	raw := l.BatchNormalization
	mean, variance := raw.MovingMean, raw.MovingVariance
	if mean == nil {
		mean = raw.MovingMeanAlt
	}
	if variance == nil {
		variance = raw.MovingVarianceAlt
	}

	var bn nn.BatchNorm
	var err error
	vector := func(inline []float32, def float32, what string) []float32 {
		if err != nil {
			return nil
		}
		if optionalAffine && ld.bin == nil && inline == nil {
			v := make([]float32, n)
			for i := range v {
				v[i] = def
			}
			return v
		}
		var v []float32
		v, err = ld.tensor(inline, n, "batchNormalization."+what)
		return v
	}
	bn.Gamma = vector(raw.Gamma, 1, "gamma")
	bn.Beta = vector(raw.Beta, 0, "beta")
	bn.Mean = vector(mean, 0, "movingMean")
	bn.Variance = vector(variance, 1, "movingVariance")
	return bn, err
}

func (ld *loader) instanceNorm(d *nn.Desc, l *rawLayer) error {
	d.Epsilon = l.Epsilon
	n := int(d.OutputPlanes)
	beta, err := ld.tensor(l.Weights.Bias, n, "bias")
	if err != nil {
		return err
	}
	gamma, err := ld.tensor(l.Weights.Scale, n, "scale")
	if err != nil {
		return err
	}
	d.UseInstanceNorm = true
	d.BatchNorm = nn.BatchNorm{Beta: beta, Gamma: gamma}
	return nil
}
