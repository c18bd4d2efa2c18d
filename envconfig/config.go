// Package envconfig reads the SNNC_* environment variables the compiler and
// its tools are configured with.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/openfluke/snnc/nn"
	"github.com/openfluke/snnc/tiling"
)

// Assets returns the directory shader templates and binaries are read from.
// Configurable via SNNC_ASSETS, defaults to ./assets.
func Assets() string {
	if s := Var("SNNC_ASSETS"); s != "" {
		return filepath.Clean(s)
	}
	return "assets"
}

// PreferHalf reports whether passes are generated for half precision.
// Configurable via SNNC_PRECISION (fp16 or fp32), defaults to fp32.
func PreferHalf() bool {
	switch s := strings.ToLower(Var("SNNC_PRECISION")); s {
	case "", "fp32", "float", "highp":
		return false
	case "fp16", "half", "mediump":
		return true
	default:
		slog.Warn("invalid precision, using fp32", "key", "SNNC_PRECISION", "value", s)
		return false
	}
}

// Backend returns the shader backend passes are generated for.
// Configurable via SNNC_BACKEND, defaults to fragment.
func Backend() nn.Backend {
	s := Var("SNNC_BACKEND")
	b, err := nn.ParseBackend(s)
	if err != nil {
		slog.Warn("invalid backend, using default", "key", "SNNC_BACKEND", "value", s, "default", nn.BackendFragment)
		return nn.BackendFragment
	}
	return b
}

// MRT returns the render target grouping of fragment passes.
// Configurable via SNNC_MRT (none, single, double or quad), defaults to single.
func MRT() tiling.MRTMode {
	s := Var("SNNC_MRT")
	if s == "" {
		return tiling.MRTSingle
	}
	m, err := tiling.ParseMRTMode(s)
	if err != nil {
		slog.Warn("invalid MRT mode, using default", "key", "SNNC_MRT", "value", s, "default", tiling.MRTSingle)
		return tiling.MRTSingle
	}
	return m
}

// WeightMode returns how convolution weights reach the shaders.
// Configurable via SNNC_WEIGHT_MODE, defaults to constants.
func WeightMode() nn.WeightMode {
	s := Var("SNNC_WEIGHT_MODE")
	if s == "" {
		return nn.WeightConstants
	}
	w, err := nn.ParseWeightMode(s)
	if err != nil {
		slog.Warn("invalid weight mode, using default", "key", "SNNC_WEIGHT_MODE", "value", s, "default", nn.WeightConstants)
		return nn.WeightConstants
	}
	return w
}

// Jobs returns how many models are compiled concurrently.
// Configurable via SNNC_JOBS, 0 means one per CPU.
func Jobs() int {
	if n := jobs(); n > 0 {
		return int(n)
	}
	return runtime.NumCPU()
}

var jobs = Uint("SNNC_JOBS", 0)

// GPUTimeout returns how long a device readback may take.
// Configurable via SNNC_GPU_TIMEOUT as a duration or milliseconds, defaults to 10s.
func GPUTimeout() time.Duration {
	timeout := 10 * time.Second
	if s := Var("SNNC_GPU_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			timeout = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			timeout = time.Duration(n) * time.Millisecond
		} else {
			slog.Warn("invalid timeout, using default", "key", "SNNC_GPU_TIMEOUT", "value", s, "default", timeout)
		}
	}
	if timeout <= 0 {
		return 10 * time.Second
	}
	return timeout
}

// LogLevel returns the log level.
// Configurable via SNNC_DEBUG: 0/false is INFO, 1/true is DEBUG.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("SNNC_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// NoColor disables colored terminal output
var NoColor = Bool("SNNC_NOCOLOR")

// Bool returns a getter reading key as a boolean. Set but unparsable values count as true.
func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// String returns a getter reading key verbatim
func String(k string) func() string {
	return func() string {
		return Var(k)
	}
}

// Uint returns a getter reading key as an unsigned integer
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar is one variable with its current value
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its value and description
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SNNC_DEBUG":       {"SNNC_DEBUG", LogLevel(), "Show additional debug information (e.g. SNNC_DEBUG=1)"},
		"SNNC_ASSETS":      {"SNNC_ASSETS", Assets(), "Directory holding shader templates and SPIR-V binaries (default \"assets\")"},
		"SNNC_PRECISION":   {"SNNC_PRECISION", PreferHalf(), "Generate half precision passes when set to fp16"},
		"SNNC_BACKEND":     {"SNNC_BACKEND", Backend(), "Shader backend: fragment, compute or vulkan (default fragment)"},
		"SNNC_MRT":         {"SNNC_MRT", MRT(), "Render targets per fragment pass: none, single, double or quad (default single)"},
		"SNNC_WEIGHT_MODE": {"SNNC_WEIGHT_MODE", WeightMode(), "How weights reach shaders: constants, textures, ubo or ssbo"},
		"SNNC_JOBS":        {"SNNC_JOBS", Jobs(), "Models compiled concurrently (default one per CPU)"},
		"SNNC_GPU_TIMEOUT": {"SNNC_GPU_TIMEOUT", GPUTimeout(), "How long a device readback may take (default \"10s\")"},
		"SNNC_NOCOLOR":     {"SNNC_NOCOLOR", NoColor(), "Disable colored output"},
	}
}

// Values returns the current value of every variable as a string
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of surrounding quotes and spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
