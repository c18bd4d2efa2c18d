// Package shape describes GPU buffer extents and the transforms that map a
// layer's input extents onto its output extents.
package shape

import (
	"fmt"
	"math"
)

// Format is the texel format of a GPU buffer
type Format int

const (
	FormatInvalid Format = 0 // Not resolved yet
	FormatRGBA32F Format = 1 // Four fp32 channels per texel
	FormatRGBA16F Format = 2 // Four fp16 channels per texel
	FormatR32F    Format = 3 // Single fp32 channel
	FormatR16F    Format = 4 // Single fp16 channel
)

var formatNames = map[Format]string{
	FormatInvalid: "invalid",
	FormatRGBA32F: "rgba32f",
	FormatRGBA16F: "rgba16f",
	FormatR32F:    "r32f",
	FormatR16F:    "r16f",
}

func (f Format) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// MarshalText renders the format by name
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// PrecisionFormat returns the RGBA format used for layer outputs at the given precision.
func PrecisionFormat(half bool) Format {
	if half {
		return FormatRGBA16F
	}
	return FormatRGBA32F
}

// Buffer is the resolved shape of a GPU buffer. Depth counts texture
// slices of four channels, Channels is the logical channel count.
type Buffer struct {
	Format   Format `json:"format"`
	Width    uint32 `json:"width"`
	Height   uint32 `json:"height"`
	Depth    uint32 `json:"depth"`
	Channels uint32 `json:"channels"`
}

// NewBuffer builds the buffer shape of a layer output with the given spatial
// extent and logical channel count.
func NewBuffer(half bool, width, height, channels uint32) Buffer {
	return Buffer{
		Format:   PrecisionFormat(half),
		Width:    width,
		Height:   height,
		Depth:    DivRoundUp(channels, 4),
		Channels: channels,
	}
}

// Valid reports whether every extent of the buffer is non-zero
func (b Buffer) Valid() bool {
	return b.Format != FormatInvalid && b.Width > 0 && b.Height > 0 && b.Depth > 0
}

func (b Buffer) String() string {
	return fmt.Sprintf("%d x %d x %d", b.Width, b.Height, b.Depth)
}

// Dims is the spatial extent and channel count a transform resolves to.
type Dims struct {
	Width  uint32
	Height uint32
	Depth  uint32
}

// TransformKind selects how a Transform is evaluated
type TransformKind int

const (
	TransformAffine TransformKind = 0 // output = input*scale + translate
	TransformFixed  TransformKind = 1 // output is given explicitly
)

// Transform maps input extents onto an output extent. Only the fields of
// the selected kind are read.
type Transform struct {
	Kind TransformKind

	ScaleW     float32
	ScaleH     float32
	TranslateW float32
	TranslateH float32

	Width  uint32
	Height uint32
	Depth  uint32
	Batch  uint32
}

// Identity returns the affine transform that preserves the input extent
func Identity() Transform {
	return Transform{Kind: TransformAffine, ScaleW: 1, ScaleH: 1}
}

// Scale returns an affine transform scaling both axes by s
func Scale(s float32) Transform {
	return Transform{Kind: TransformAffine, ScaleW: s, ScaleH: s}
}

// Affine returns an affine transform with the same scale and translation on both axes
func Affine(scale, translate float32) Transform {
	return Transform{Kind: TransformAffine, ScaleW: scale, ScaleH: scale, TranslateW: translate, TranslateH: translate}
}

// Fixed returns a transform with an explicit output extent
func Fixed(width, height, depth, batch uint32) Transform {
	return Transform{Kind: TransformFixed, Width: width, Height: height, Depth: depth, Batch: batch}
}

// Resolve applies the transform to every input and combines the results by
// taking the maximum of each field. Depth is the largest input channel count.
func (t Transform) Resolve(inputs []Buffer) Dims {
	var d Dims
	switch t.Kind {
	case TransformFixed:
		var fw, fh, fd uint32
		for _, in := range inputs {
			fw = max(fw, t.Width)
			fh = max(fh, t.Height)
			fd = max(fd, t.Depth)
			d.Depth = max(d.Depth, in.Channels)
		}
		d.Width = fw
		d.Height = fh
		if d.Depth == 0 {
			d.Depth = fd
		}
	default:
		var sw, sh, tw, th float32
		for _, in := range inputs {
			sw = max(sw, t.ScaleW*float32(in.Width))
			tw = max(tw, t.TranslateW)
			sh = max(sh, t.ScaleH*float32(in.Height))
			th = max(th, t.TranslateH)
			d.Depth = max(d.Depth, in.Channels)
		}
		d.Width = toExtent(sw + tw)
		d.Height = toExtent(sh + th)
	}
	return d
}

// toExtent truncates toward zero the way an unsigned cast does, clamping
// negative values at zero.
func toExtent(v float32) uint32 {
	if v <= 0 || math.IsNaN(float64(v)) {
		return 0
	}
	return uint32(v)
}

// DivRoundUp returns ceil(n/d)
func DivRoundUp(n, d uint32) uint32 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}

// RoundUp4 rounds n up to the next multiple of four
func RoundUp4(n uint32) uint32 {
	return DivRoundUp(n, 4) * 4
}
