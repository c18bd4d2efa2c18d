// Package gpu runs small WebGPU compute kernels that check compiled weight
// buffers on a real device.
package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// ErrNoAdapter is returned when no WebGPU adapter could be opened
var ErrNoAdapter = errors.New("no WebGPU adapter")

// Context holds the single WebGPU context of the process
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue

	// Name is the adapter name reported by the driver
	Name string
}

var (
	ctx     Context
	ctxOnce sync.Once
	ctxErr  error
)

// GetContext returns the process GPU context, opening it on first use.
// Discrete NVIDIA adapters are preferred, then high performance, low power
// and finally the default adapter.
func GetContext() (*Context, error) {
	ctxOnce.Do(func() {
		ctxErr = openContext(&ctx)
	})
	if ctxErr != nil {
		return nil, ctxErr
	}
	return &ctx, nil
}

func openContext(c *Context) error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return fmt.Errorf("%w: failed to create instance", ErrNoAdapter)
	}

	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		slog.Debug("gpu adapter", "name", info.Name, "vendor", info.VendorName, "device", fmt.Sprintf("0x%X", info.DeviceId), "type", info.AdapterType)
		if strings.Contains(strings.ToLower(info.Name), "nvidia") || strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			c.Adapter = a
			break
		}
	}

	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		if c.Adapter, err = c.Instance.RequestAdapter(opts); err != nil {
			slog.Debug("adapter request failed, falling back", "error", err)
		}
	}
	if c.Adapter == nil {
		return fmt.Errorf("%w: all adapter attempts failed: %v", ErrNoAdapter, err)
	}

	info := c.Adapter.GetInfo()
	c.Name = info.Name
	slog.Info("using gpu adapter", "name", info.Name, "vendor", info.VendorName)

	if c.Device, err = c.Adapter.RequestDevice(nil); err != nil {
		return fmt.Errorf("request device: %w", err)
	}
	c.Queue = c.Device.GetQueue()
	if c.Queue == nil {
		return fmt.Errorf("WebGPU queue not initialized")
	}
	return nil
}
