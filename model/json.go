package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/openfluke/snnc/tiling"
)

// flag decodes the "True"/"False" strings models are exported with, and plain booleans
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flag(strings.EqualFold(s, "true"))
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("flag: %w", err)
	}
	*f = flag(v)
	return nil
}

// scalar decodes a number or the first element of a number array
type scalar struct {
	Set   bool
	Value float64
}

func (s *scalar) UnmarshalJSON(b []byte) error {
	var v float64
	if err := json.Unmarshal(b, &v); err == nil {
		*s = scalar{Set: true, Value: v}
		return nil
	}
	var arr []float64
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("scalar: %w", err)
	}
	if len(arr) == 0 {
		return nil
	}
	*s = scalar{Set: true, Value: arr[0]}
	return nil
}

func (s scalar) uint32Or(def uint32) uint32 {
	if !s.Set {
		return def
	}
	return uint32(s.Value)
}

type rawBatchNorm struct {
	Beta              []float32 `json:"beta"`
	Gamma             []float32 `json:"gamma"`
	MovingMean        []float32 `json:"moving_mean"`
	MovingMeanAlt     []float32 `json:"movingMean"`
	MovingVariance    []float32 `json:"moving_variance"`
	MovingVarianceAlt []float32 `json:"movingVariance"`
}

type rawWeights struct {
	Kernel []float32 `json:"kernel"`
	Bias   []float32 `json:"bias"`
	Scale  []float32 `json:"scale"`
}

// rawLayer is one Layer_N object of a model file
type rawLayer struct {
	Type string `json:"type"`
	Name string `json:"name"`

	InputPlanes  uint32 `json:"inputPlanes"`
	OutputPlanes uint32 `json:"outputPlanes"`
	NumInputs    int    `json:"numInputs"`
	InputID      []int  `json:"inputId"`

	Activation     string   `json:"activation"`
	LeakyReluAlpha *float32 `json:"leakyReluAlpha"`
	Alpha          *float32 `json:"alpha"`

	KernelSize    scalar          `json:"kernel_size"`
	KernelSizeAlt scalar          `json:"kernelSize"`
	Stride        scalar          `json:"stride"`
	Strides       scalar          `json:"strides"`
	Pool          scalar          `json:"pool"`
	PoolSize      scalar          `json:"pool_size"`
	Padding       json.RawMessage `json:"padding"`
	Pads          []float64       `json:"pads"`
	Mode          string          `json:"mode"`
	PaddingValue  string          `json:"padding_value"`

	UseMultiInputs        flag         `json:"use_multi_inputs"`
	UseBias               flag         `json:"useBias"`
	UseBatchNormalization flag         `json:"useBatchNormalization"`
	BatchNormalization    rawBatchNorm `json:"batchNormalization"`
	Weights               rawWeights   `json:"weights"`
	DepthwiseWeights      []float32    `json:"depthwise_weights"`
	Epsilon               float32      `json:"epsilon"`

	Units         scalar `json:"units"`
	ScaleFactor   scalar `json:"scaleFactor"`
	Interpolation string `json:"interpolation"`

	OpType  int32    `json:"opType"`
	OpValue *float32 `json:"opValue"`

	InputWidth  uint32 `json:"Input Width"`
	InputHeight uint32 `json:"Input Height"`
	InputIndex  int    `json:"inputIndex"`
}

// typeName resolves the registry name of a layer. Lambda layers carry it in name.
func (l *rawLayer) typeName() string {
	if l.Type == "Lambda" {
		return l.Name
	}
	return l.Type
}

func (l *rawLayer) kernelSize() uint32 {
	if l.KernelSize.Set {
		return l.KernelSize.uint32Or(0)
	}
	return l.KernelSizeAlt.uint32Or(0)
}

func (l *rawLayer) poolSize() uint32 {
	if l.Pool.Set {
		return l.Pool.uint32Or(0)
	}
	return l.PoolSize.uint32Or(0)
}

// stride prefers "stride" over "strides" and falls back to def
func (l *rawLayer) stride(def uint32) uint32 {
	if l.Stride.Set {
		return l.Stride.uint32Or(def)
	}
	return l.Strides.uint32Or(def)
}

// leakyAlpha returns leakyReluAlpha, then alpha, then the Keras default 0.3
func (l *rawLayer) leakyAlpha() float32 {
	switch {
	case l.LeakyReluAlpha != nil:
		return *l.LeakyReluAlpha
	case l.Alpha != nil:
		return *l.Alpha
	}
	return 0.3
}

// padding decodes the padding key. It returns the per-side policy and, for
// scalar forms, the raw policy string which doubles as the border mode.
func (l *rawLayer) padding() (tiling.Padding, string, error) {
	if len(l.Pads) >= 8 {
		return tiling.Padding{
			Top:    offset(l.Pads[2]),
			Bottom: offset(l.Pads[6]),
			Left:   offset(l.Pads[3]),
			Right:  offset(l.Pads[7]),
		}, "", nil
	}
	raw := bytes.TrimSpace(l.Padding)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return tiling.UniformPadding("valid"), "valid", nil
	}
	var nested [][]float64
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested) >= 2 && len(nested[0]) >= 2 && len(nested[1]) >= 2 {
		return tiling.Padding{
			Top:    offset(nested[0][0]),
			Bottom: offset(nested[0][1]),
			Left:   offset(nested[1][0]),
			Right:  offset(nested[1][1]),
		}, "", nil
	}
	var flat []float64
	if err := json.Unmarshal(raw, &flat); err == nil {
		switch len(flat) {
		case 2:
			return tiling.Padding{Top: offset(flat[0]), Bottom: offset(flat[0]), Left: offset(flat[1]), Right: offset(flat[1])}, "", nil
		case 4:
			return tiling.Padding{Top: offset(flat[0]), Bottom: offset(flat[1]), Left: offset(flat[2]), Right: offset(flat[3])}, "", nil
		}
		return tiling.Padding{}, "", fmt.Errorf("padding array needs 2 or 4 values, got %d", len(flat))
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		s := offset(num)
		return tiling.UniformPadding(s), s, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return tiling.Padding{}, "", fmt.Errorf("padding %s: %w", raw, err)
	}
	return tiling.UniformPadding(s), s, nil
}

func offset(v float64) string {
	return strconv.FormatUint(uint64(v), 10)
}
