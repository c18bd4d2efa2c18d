package envconfig

import (
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openfluke/snnc/nn"
	"github.com/openfluke/snnc/tiling"
)

func TestVar(t *testing.T) {
	t.Setenv("SNNC_ASSETS", `  "/opt/snnc/assets" `)
	assert.Equal(t, "/opt/snnc/assets", Var("SNNC_ASSETS"))
	assert.Equal(t, "/opt/snnc/assets", Assets())

	t.Setenv("SNNC_ASSETS", "")
	assert.Equal(t, "assets", Assets())
}

func TestBackend(t *testing.T) {
	cases := map[string]nn.Backend{
		"":        nn.BackendFragment,
		"compute": nn.BackendCompute,
		"VK":      nn.BackendVulkan,
		"'cs'":    nn.BackendCompute,
		"metal":   nn.BackendFragment,
	}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("SNNC_BACKEND", value)
			if got := Backend(); got != want {
				t.Errorf("Expected %s for %q, got %s", want, value, got)
			}
		})
	}
}

func TestMRT(t *testing.T) {
	cases := map[string]tiling.MRTMode{
		"":       tiling.MRTSingle,
		"none":   tiling.MRTNone,
		"double": tiling.MRTDouble,
		"4":      tiling.MRTQuad,
		"octo":   tiling.MRTSingle,
	}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("SNNC_MRT", value)
			assert.Equal(t, want, MRT())
		})
	}
}

func TestWeightMode(t *testing.T) {
	t.Setenv("SNNC_WEIGHT_MODE", "ssbo")
	assert.Equal(t, nn.WeightSSBO, WeightMode())
	t.Setenv("SNNC_WEIGHT_MODE", "bogus")
	assert.Equal(t, nn.WeightConstants, WeightMode())
}

func TestPreferHalf(t *testing.T) {
	cases := map[string]bool{"": false, "fp32": false, "FP16": true, "half": true, "fp8": false}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("SNNC_PRECISION", value)
			assert.Equal(t, want, PreferHalf())
		})
	}
}

func TestJobs(t *testing.T) {
	t.Setenv("SNNC_JOBS", "3")
	assert.Equal(t, 3, Jobs())
	t.Setenv("SNNC_JOBS", "")
	assert.Equal(t, runtime.NumCPU(), Jobs())
	t.Setenv("SNNC_JOBS", "-1")
	assert.Equal(t, runtime.NumCPU(), Jobs())
}

func TestGPUTimeout(t *testing.T) {
	cases := map[string]time.Duration{
		"":     10 * time.Second,
		"250":  250 * time.Millisecond,
		"2s":   2 * time.Second,
		"-5s":  10 * time.Second,
		"soon": 10 * time.Second,
	}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("SNNC_GPU_TIMEOUT", value)
			if got := GPUTimeout(); got != want {
				t.Errorf("Expected %s for %q, got %s", want, value, got)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("SNNC_DEBUG", value)
			assert.Equal(t, want, LogLevel())
		})
	}
}

func TestBool(t *testing.T) {
	cases := map[string]bool{"": false, "false": false, "0": false, "1": true, "true": true, "yes": true}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("SNNC_NOCOLOR", value)
			assert.Equal(t, want, NoColor())
		})
	}
}

func TestAsMap(t *testing.T) {
	t.Setenv("SNNC_BACKEND", "vulkan")
	m := AsMap()
	for _, key := range []string{"SNNC_DEBUG", "SNNC_ASSETS", "SNNC_PRECISION", "SNNC_BACKEND", "SNNC_MRT", "SNNC_WEIGHT_MODE", "SNNC_JOBS", "SNNC_GPU_TIMEOUT"} {
		v, ok := m[key]
		if !ok {
			t.Errorf("Expected %s in AsMap", key)
			continue
		}
		assert.Equal(t, key, v.Name)
		assert.NotEmpty(t, v.Description, key)
	}
	assert.Equal(t, nn.BackendVulkan, m["SNNC_BACKEND"].Value)
	assert.Equal(t, "vulkan", Values()["SNNC_BACKEND"])
}
