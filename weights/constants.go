package weights

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatDefault renders v with six significant digits and no trailing zeros.
func FormatDefault(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', 6, 64)
}

// FormatFixed renders v with six decimals
func FormatFixed(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', 6, 64)
}

// FormatWeight renders v with ten decimals
func FormatWeight(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', 10, 64)
}

// Vec4Lines renders v as comma separated vec4 literals, one per line. The
// last literal has no trailing comma and v is zero padded to a multiple of four.
func Vec4Lines(v []float32) string {
	var sb strings.Builder
	n := roundUp4(len(v))
	at := func(i int) float32 {
		if i < len(v) {
			return v[i]
		}
		return 0
	}
	for i := 0; i < n; i += 4 {
		fmt.Fprintf(&sb, "vec4(%s, %s, %s, %s", FormatWeight(at(i)), FormatWeight(at(i+1)), FormatWeight(at(i+2)), FormatWeight(at(i+3)))
		if i+4 >= n {
			sb.WriteString(")\n")
		} else {
			sb.WriteString("),\n")
		}
	}
	return sb.String()
}

// ConvConstants renders the inline weight array of every output channel of
// w. Single input kernels put each tap in the first lane of its own texel,
// multi input kernels interleave four input channels per texel.
func ConvConstants(w OIHW) []string {
	kk := w.KH * w.KW
	out := make([]string, w.Out)
	if w.In == 1 {
		for o := 0; o < w.Out; o++ {
			v := make([]float32, 4*kk)
			for s, f := range w.Kernel(o, 0) {
				v[4*s] = f
			}
			out[o] = Vec4Lines(v)
		}
		return out
	}
	for o := 0; o < w.Out; o++ {
		out[o] = Vec4Lines(interleaveInputs(w, o))
	}
	return out
}

// TransposedConstants renders the inline weight arrays of a transposed
// convolution, which always interleaves input channels.
func TransposedConstants(w OIHW) []string {
	out := make([]string, w.Out)
	for o := 0; o < w.Out; o++ {
		out[o] = Vec4Lines(interleaveInputs(w, o))
	}
	return out
}

// TransposedMatrix returns the interleaved weights of output o, four inputs
// per texel.
func TransposedMatrix(w OIHW, o int) []float32 { return interleaveInputs(w, o) }

// interleaveInputs transposes the kernels of output o so that texel s of
// input chunk c holds tap s of inputs 4c..4c+3.
func interleaveInputs(w OIHW, o int) []float32 {
	kk := w.KH * w.KW
	v := make([]float32, kk*roundUp4(w.In))
	for c := 0; c*4 < w.In; c++ {
		start := c * 4 * kk
		lanes := min(4, w.In-c*4)
		for s := 0; s < kk; s++ {
			for l := 0; l < lanes; l++ {
				v[start+s*4+l] = w.Kernel(o, c*4+l)[s]
			}
		}
	}
	return v
}

// DepthwiseConstants renders the weights of the four channels of chunk c of
// a depthwise kernel, one texel per kernel tap.
func DepthwiseConstants(w Depthwise, c int) string {
	kk := w.KH * w.KW
	at := func(i int) float32 {
		if i < len(w.Data) {
			return w.Data[i]
		}
		return 0
	}
	v := make([]float32, 0, 4*kk)
	for idx := 0; idx < kk; idx++ {
		b := kk*c*4 + idx
		v = append(v, at(b), at(b+kk), at(b+2*kk), at(b+3*kk))
	}
	return Vec4Lines(v)
}

// BiasConstants renders the bias array declaration of the count channels
// starting at first.
func BiasConstants(bias []float32, first, count int) string {
	var sb strings.Builder
	sb.WriteString("const FLOAT_PRECISION vec4 bias[] = vec4[](")
	at := func(i int) string {
		if i < len(bias) {
			return FormatDefault(bias[i])
		}
		return "0"
	}
	for j := 0; j*4 < count; j++ {
		remaining := count - j*4
		vals := make([]string, 4)
		for l := range vals {
			if l < min(remaining, 4) {
				vals[l] = at(first + 4*j + l)
			} else {
				vals[l] = "0.0"
			}
		}
		sb.WriteString("vec4(" + strings.Join(vals, ", "))
		if remaining > 4 {
			sb.WriteString("),\n")
		} else {
			sb.WriteString("));\n")
		}
	}
	return sb.String()
}

// BatchNormConstants renders count values of one normalization vector
// starting at first, grouped in vec4 literals. count must be a multiple of four.
func BatchNormConstants(v []float32, first, count int) (string, error) {
	if count%4 != 0 {
		return "", fmt.Errorf("batch normalization constants need a multiple of 4 channels, got %d", count)
	}
	if first+count > len(v) {
		return "", fmt.Errorf("batch normalization vector has %d values, need %d", len(v), first+count)
	}
	var sb strings.Builder
	sb.WriteString("vec4(")
	for i := 0; i < count; i++ {
		if i%4 == 0 && i > 0 {
			sb.WriteString(", \n\tvec4(")
		}
		sb.WriteString(FormatFixed(v[first+i]))
		if (i+1)%4 == 0 {
			sb.WriteString(") ")
		} else {
			sb.WriteString(",")
		}
	}
	return sb.String(), nil
}

// Vec4List renders count values starting at first as one comma separated
// vec4 literal, padding missing values with zero.
func Vec4List(v []float32, first, count int) string {
	vals := make([]string, count)
	for i := range vals {
		f := float32(0)
		if first+i < len(v) {
			f = v[first+i]
		}
		vals[i] = FormatFixed(f)
	}
	return "vec4(" + strings.Join(vals, ", ") + ")"
}

// PadTo returns a copy of v zero padded or truncated to n values
func PadTo(v []float32, n int) []float32 {
	out := make([]float32, n)
	copy(out, v)
	return out
}
