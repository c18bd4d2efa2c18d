// Package weights reorders planar convolution kernels into the 4-wide
// layouts GPU textures and buffers are read in.
package weights

import (
	"fmt"

	"github.com/x448/float16"
)

// OIHW is a kernel tensor ordered [out][in][y][x]
type OIHW struct {
	Out  int
	In   int
	KH   int
	KW   int
	Data []float32
}

// NewOIHW allocates a zeroed kernel tensor
func NewOIHW(out, in, kh, kw int) OIHW {
	return OIHW{Out: out, In: in, KH: kh, KW: kw, Data: make([]float32, out*in*kh*kw)}
}

func (w OIHW) index(o, i, y, x int) int {
	return ((o*w.In+i)*w.KH+y)*w.KW + x
}

// At returns w[o][i][y][x]
func (w OIHW) At(o, i, y, x int) float32 {
	return w.Data[w.index(o, i, y, x)]
}

// Set writes w[o][i][y][x]
func (w OIHW) Set(o, i, y, x int, v float32) {
	w.Data[w.index(o, i, y, x)] = v
}

// Kernel returns the KH*KW matrix connecting input i to output o
func (w OIHW) Kernel(o, i int) []float32 {
	start := w.index(o, i, 0, 0)
	return w.Data[start : start+w.KH*w.KW]
}

// Validate checks that Data holds exactly Out*In*KH*KW values
func (w OIHW) Validate() error {
	if w.Out <= 0 || w.In <= 0 || w.KH <= 0 || w.KW <= 0 {
		return fmt.Errorf("invalid kernel shape %dx%dx%dx%d", w.Out, w.In, w.KH, w.KW)
	}
	if n := w.Out * w.In * w.KH * w.KW; len(w.Data) != n {
		return fmt.Errorf("kernel %dx%dx%dx%d needs %d values, got %d", w.Out, w.In, w.KH, w.KW, n, len(w.Data))
	}
	return nil
}

// Clone returns a deep copy
func (w OIHW) Clone() OIHW {
	c := w
	c.Data = append([]float32(nil), w.Data...)
	return c
}

// Depthwise is a per-channel kernel tensor ordered [channel][y][x]
type Depthwise struct {
	Channels int
	KH       int
	KW       int
	Data     []float32
}

// NewDepthwise allocates a zeroed depthwise kernel
func NewDepthwise(channels, kh, kw int) Depthwise {
	return Depthwise{Channels: channels, KH: kh, KW: kw, Data: make([]float32, channels*kh*kw)}
}

// At returns w[c][y][x]
func (w Depthwise) At(c, y, x int) float32 {
	return w.Data[(c*w.KH+y)*w.KW+x]
}

// Set writes w[c][y][x]
func (w Depthwise) Set(c, y, x int, v float32) {
	w.Data[(c*w.KH+y)*w.KW+x] = v
}

// Validate checks that Data holds exactly Channels*KH*KW values
func (w Depthwise) Validate() error {
	if w.Channels <= 0 || w.KH <= 0 || w.KW <= 0 {
		return fmt.Errorf("invalid depthwise shape %dx%dx%d", w.Channels, w.KH, w.KW)
	}
	if n := w.Channels * w.KH * w.KW; len(w.Data) != n {
		return fmt.Errorf("depthwise kernel %dx%dx%d needs %d values, got %d", w.Channels, w.KH, w.KW, n, len(w.Data))
	}
	return nil
}

// Clone returns a deep copy
func (w Depthwise) Clone() Depthwise {
	c := w
	c.Data = append([]float32(nil), w.Data...)
	return c
}

func roundUp4(n int) int {
	return (n + 3) / 4 * 4
}

// TiledSize returns the length of the packed buffer of w
func TiledSize(out, in, kh, kw int) int {
	return roundUp4(out) * roundUp4(in) * kh * kw
}

// tiledIndex is the position of w[b][d][y][x] in the packed layout: kernel
// taps are outermost, then groups of four output channels, then input
// channels, with the four outputs of a group interleaved in one texel.
func tiledIndex(w OIHW, b, d, y, x int) int {
	planeSize := roundUp4(w.Out) * roundUp4(w.In)
	return (y*w.KW+x)*planeSize + roundUp4(w.In)*4*(b/4) + d*4 + b%4
}

// PackOIHW packs w into the tiled layout, zero filling padded channels.
func PackOIHW(w OIHW) []float32 {
	out := make([]float32, TiledSize(w.Out, w.In, w.KH, w.KW))
	for b := 0; b < w.Out; b++ {
		for d := 0; d < w.In; d++ {
			for y := 0; y < w.KH; y++ {
				for x := 0; x < w.KW; x++ {
					out[tiledIndex(w, b, d, y, x)] = w.At(b, d, y, x)
				}
			}
		}
	}
	return out
}

// PackOIHW16 packs w like PackOIHW and narrows every value to half precision
func PackOIHW16(w OIHW) []uint16 {
	out := make([]uint16, TiledSize(w.Out, w.In, w.KH, w.KW))
	for b := 0; b < w.Out; b++ {
		for d := 0; d < w.In; d++ {
			for y := 0; y < w.KH; y++ {
				for x := 0; x < w.KW; x++ {
					out[tiledIndex(w, b, d, y, x)] = float16.Fromfloat32(w.At(b, d, y, x)).Bits()
				}
			}
		}
	}
	return out
}

// UnpackOIHW reads a tiled buffer back into an OIHW tensor of the given shape.
func UnpackOIHW(packed []float32, out, in, kh, kw int) (OIHW, error) {
	if want := TiledSize(out, in, kh, kw); len(packed) != want {
		return OIHW{}, fmt.Errorf("tiled buffer needs %d values, got %d", want, len(packed))
	}
	w := NewOIHW(out, in, kh, kw)
	for b := 0; b < out; b++ {
		for d := 0; d < in; d++ {
			for y := 0; y < kh; y++ {
				for x := 0; x < kw; x++ {
					w.Set(b, d, y, x, packed[tiledIndex(w, b, d, y, x)])
				}
			}
		}
	}
	return w, nil
}

// UnpackOIHW16 widens a half precision tiled buffer and unpacks it
func UnpackOIHW16(packed []uint16, out, in, kh, kw int) (OIHW, error) {
	return UnpackOIHW(HalfToFloat(packed), out, in, kh, kw)
}

// DepthwiseSize returns the length of the packed buffer of a depthwise kernel
func DepthwiseSize(channels, kh, kw int) int {
	return roundUp4(channels) * kh * kw
}

func depthwiseIndex(w Depthwise, b, y, x int) int {
	planeSize := roundUp4(w.Channels) * w.KW
	return y*planeSize + roundUp4(w.Channels)*x + (b/4)*4 + b%4
}

// PackDepthwise packs a depthwise kernel so that four channels share a texel.
func PackDepthwise(w Depthwise) []float32 {
	out := make([]float32, DepthwiseSize(w.Channels, w.KH, w.KW))
	for b := 0; b < w.Channels; b++ {
		for y := 0; y < w.KH; y++ {
			for x := 0; x < w.KW; x++ {
				out[depthwiseIndex(w, b, y, x)] = w.At(b, y, x)
			}
		}
	}
	return out
}

// PackDepthwise16 is PackDepthwise narrowed to half precision
func PackDepthwise16(w Depthwise) []uint16 {
	out := make([]uint16, DepthwiseSize(w.Channels, w.KH, w.KW))
	for b := 0; b < w.Channels; b++ {
		for y := 0; y < w.KH; y++ {
			for x := 0; x < w.KW; x++ {
				out[depthwiseIndex(w, b, y, x)] = float16.Fromfloat32(w.At(b, y, x)).Bits()
			}
		}
	}
	return out
}

// UnpackDepthwise inverts PackDepthwise
func UnpackDepthwise(packed []float32, channels, kh, kw int) (Depthwise, error) {
	if want := DepthwiseSize(channels, kh, kw); len(packed) != want {
		return Depthwise{}, fmt.Errorf("depthwise buffer needs %d values, got %d", want, len(packed))
	}
	w := NewDepthwise(channels, kh, kw)
	for b := 0; b < channels; b++ {
		for y := 0; y < kh; y++ {
			for x := 0; x < kw; x++ {
				w.Set(b, y, x, packed[depthwiseIndex(w, b, y, x)])
			}
		}
	}
	return w, nil
}

// UnpackDepthwise16 widens and unpacks a half precision depthwise buffer
func UnpackDepthwise16(packed []uint16, channels, kh, kw int) (Depthwise, error) {
	return UnpackDepthwise(HalfToFloat(packed), channels, kh, kw)
}

// HalfToFloat widens half precision bit patterns
func HalfToFloat(h []uint16) []float32 {
	out := make([]float32, len(h))
	for i, v := range h {
		out[i] = float16.Frombits(v).Float32()
	}
	return out
}

// RoundHalf rounds every value to the nearest half precision value
func RoundHalf(v []float32) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float16.Fromfloat32(f).Float32()
	}
	return out
}

// HalfBytes serializes half precision values little endian
func HalfBytes(h []uint16) []byte {
	out := make([]byte, 2*len(h))
	for i, v := range h {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}
