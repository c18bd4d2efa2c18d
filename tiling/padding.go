// Package tiling resolves symbolic padding policies and channel grouping
// into the concrete offsets and pass groups shader synthesis works with.
package tiling

import (
	"log/slog"
	"math"
	"strconv"
)

// Padding is the per-side padding policy of a layer. Each side is either a
// decimal offset or a symbolic policy such as "same" or "valid".
type Padding struct {
	Top    string `json:"top"`
	Bottom string `json:"bottom"`
	Left   string `json:"left"`
	Right  string `json:"right"`
}

// UniformPadding applies one policy to every side
func UniformPadding(policy string) Padding {
	return Padding{Top: policy, Bottom: policy, Left: policy, Right: policy}
}

// Offsets indices
const (
	Top    = 0
	Bottom = 1
	Left   = 2
	Right  = 3
)

// PaddingOffsets resolves the offsets (top, bottom, left, right) a kernel of
// the given size needs under p. Numeric policies are taken literally, "valid"
// and "none" pad nothing, anything else is treated as "same". When adjustEven
// is set, even kernels lose one offset on the leading edges.
func PaddingOffsets(kernel uint32, p Padding, adjustEven bool) [4]uint32 {
	var off [4]uint32
	if isDigits(p.Top) {
		off[Top] = parseOffset(p.Top)
		off[Bottom] = parseOffset(p.Bottom)
		off[Left] = parseOffset(p.Left)
		off[Right] = parseOffset(p.Right)
		return off
	}
	switch p.Top {
	case "valid", "none":
		return off
	case "same", "same_upper", "same_lower", "":
	default:
		slog.Debug("unknown padding policy, using same", "padding", p.Top)
	}
	if kernel <= 1 {
		return off
	}
	half := max(kernel/2, 1)
	off = [4]uint32{half, half, half, half}
	if adjustEven && kernel%2 == 0 {
		off[Top]--
		off[Left]--
	}
	return off
}

// PoolTapOffset returns how many texels a pooling window starts before its
// anchor for the given policy, input extent, kernel and stride.
func PoolTapOffset(policy string, in, kernel, stride uint32) int {
	if stride == 0 {
		return 0
	}
	outDim := int(math.Ceil(float64(in) / float64(stride)))
	padWidth := float32(outDim-1)*float32(stride) + float32(kernel) - float32(in)
	offset := 0
	switch policy {
	case "same_upper":
		offset = int(math.Floor(float64(padWidth / 2)))
	case "same_lower":
		offset = int(math.Ceil(float64(padWidth / 2)))
	case "same":
		offset = int(padWidth / 2)
	}
	return max(offset, 0)
}

// PaddingMode is the border mode of padded reads
type PaddingMode int

const (
	PaddingOther     PaddingMode = 0 // Zero or checkerboard fill
	PaddingConstant  PaddingMode = 1 // Constant value
	PaddingReplicate PaddingMode = 2 // Repeat the edge texel
	PaddingReflect   PaddingMode = 3 // Mirror at the edge
)

// ParsePaddingMode maps a mode name onto its enum value. Unknown names map to PaddingOther.
func ParsePaddingMode(mode string) PaddingMode {
	switch mode {
	case "constant":
		return PaddingConstant
	case "replicate":
		return PaddingReplicate
	case "reflect":
		return PaddingReflect
	}
	return PaddingOther
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseOffset(s string) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		slog.Debug("non-numeric padding offset, using 0", "padding", s)
		return 0
	}
	return uint32(v)
}
