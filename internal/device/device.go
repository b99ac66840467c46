package device

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Mode string

const (
	// ModeDeferred: no devices bound yet; InitializeComputeDevices must run
	// before anything is processed.
	ModeDeferred Mode = "deferred"
	// ModeSingleDevicePerTool pins each execution to one device (throughput).
	ModeSingleDevicePerTool Mode = "single"
	// ModeMultipleDevicesPerTool spreads one execution over every requested
	// device (latency).
	ModeMultipleDevicesPerTool Mode = "multiple"
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "single", "single_device_per_tool", "singledevicepertool":
		return ModeSingleDevicePerTool, nil
	case "multiple", "multiple_devices_per_tool", "multipledevicespertool":
		return ModeMultipleDevicesPerTool, nil
	case "deferred":
		return ModeDeferred, nil
	}
	return "", fmt.Errorf("unknown gpu mode %q", s)
}

type Device struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	MemoryBytes uint64 `json:"memory_bytes"`
}

// Backend is the driver seam: it lists the devices present on the host and
// runs work on one of them.
type Backend interface {
	Enumerate(ctx context.Context) ([]Device, error)
	// Execute runs fn on dev. pixels sizes the work for cost accounting.
	Execute(ctx context.Context, dev Device, pixels int, fn func() error) error
}

// SimBackend emulates Count identical devices. fn runs on the host and the
// device then stays busy for DispatchOverhead plus CostPerMegapixel scaled
// by the work size.
type SimBackend struct {
	Count            int
	MemoryBytes      uint64
	DispatchOverhead time.Duration
	CostPerMegapixel time.Duration
}

func (b SimBackend) Enumerate(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mem := b.MemoryBytes
	if mem == 0 {
		mem = 8 << 30
	}
	out := make([]Device, 0, b.Count)
	for i := 0; i < b.Count; i++ {
		out = append(out, Device{ID: i, Name: fmt.Sprintf("sim-gpu-%d", i), MemoryBytes: mem})
	}
	return out, nil
}

func (b SimBackend) Execute(ctx context.Context, dev Device, pixels int, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	busy := b.DispatchOverhead + time.Duration(float64(b.CostPerMegapixel)*float64(pixels)/1e6)
	if busy <= 0 {
		return nil
	}
	t := time.NewTimer(busy)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
