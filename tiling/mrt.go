package tiling

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownMRTMode is returned for channel-grouping modes outside the known set
var ErrUnknownMRTMode = errors.New("unknown MRT mode")

// MRTMode is the multi-render-target policy: how many channels one pass writes
type MRTMode int

const (
	MRTNone   MRTMode = 0 // No grouping, treated as single plane
	MRTSingle MRTMode = 1 // 4 channels per pass
	MRTDouble MRTMode = 2 // 8 channels per pass
	MRTQuad   MRTMode = 3 // 16 channels per pass
)

func (m MRTMode) String() string {
	switch m {
	case MRTNone:
		return "none"
	case MRTSingle:
		return "single"
	case MRTDouble:
		return "double"
	case MRTQuad:
		return "quad"
	}
	return fmt.Sprintf("mrt(%d)", int(m))
}

// ParseMRTMode parses "single", "double" or "quad" (also "1", "2", "4" planes).
func ParseMRTMode(s string) (MRTMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return MRTNone, nil
	case "single", "1":
		return MRTSingle, nil
	case "double", "2":
		return MRTDouble, nil
	case "quad", "4":
		return MRTQuad, nil
	}
	return MRTNone, fmt.Errorf("%w: %q", ErrUnknownMRTMode, s)
}

// ChannelsPerPass returns how many output channels one pass of the given mode covers
func ChannelsPerPass(mode MRTMode) (int, error) {
	switch mode {
	case MRTNone, MRTSingle:
		return 4, nil
	case MRTDouble:
		return 8, nil
	case MRTQuad:
		return 16, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownMRTMode, int(mode))
}

// PlaneCount returns the number of RGBA planes one pass writes in the given mode.
func PlaneCount(mode MRTMode) (int, error) {
	cpp, err := ChannelsPerPass(mode)
	if err != nil {
		return 0, err
	}
	return cpp / 4, nil
}

// GroupCount returns ceil(total/perPass)
func GroupCount(total, perPass int) int {
	if perPass <= 0 || total <= 0 {
		return 0
	}
	return (total + perPass - 1) / perPass
}

// Group is the channel range one pass covers.
type Group struct {
	Index      int // Pass index
	First      int // First output channel of the pass
	Channels   int // Channels written by the pass
	PlaneCount int // RGBA planes written by the pass
	SliceIndex int // First output texture slice of the pass
}

// Groups splits total channels into per-pass groups for the mode.
func Groups(total int, mode MRTMode) ([]Group, error) {
	cpp, err := ChannelsPerPass(mode)
	if err != nil {
		return nil, err
	}
	n := GroupCount(total, cpp)
	groups := make([]Group, n)
	for i := range groups {
		ch := min(cpp, total-i*cpp)
		groups[i] = Group{
			Index:      i,
			First:      i * cpp,
			Channels:   ch,
			PlaneCount: (ch + 3) / 4,
			SliceIndex: i * cpp / 4,
		}
	}
	return groups, nil
}

// Component channel names, in the order the enable defines are emitted
var componentOrder = map[int][]string{
	4: {"A", "B", "G", "R"},
	3: {"B", "G", "R"},
	2: {"G", "R"},
	1: {"R"},
}

// Components returns the component letters enabled by n leftover channels
func Components(n int) []string {
	return componentOrder[min(max(n, 0), 4)]
}

// ComponentDefines renders the per-plane USE_COMPONENT_<C>_PLANE_<n> defines
// enabling exactly outputChannels components.
func ComponentDefines(outputChannels int) string {
	var sb strings.Builder
	for plane := 0; plane*4 < outputChannels; plane++ {
		for _, c := range Components(outputChannels - plane*4) {
			fmt.Fprintf(&sb, "#define USE_COMPONENT_%s_PLANE_%d\n", c, plane)
		}
	}
	return sb.String()
}

// SinglePlaneDefines renders the USE_COMPONENT_<C> defines of passes that
// write one plane. The R component is always written.
func SinglePlaneDefines(outputChannels int) string {
	var sb strings.Builder
	for _, c := range Components(outputChannels) {
		if c == "R" {
			continue
		}
		fmt.Fprintf(&sb, "#define USE_COMPONENT_%s\n", c)
	}
	return sb.String()
}

// EnabledChannels counts the components a ComponentDefines block enables
func EnabledChannels(defines string) int {
	return strings.Count(defines, "#define USE_COMPONENT_")
}
