package device

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcules/vidi-runtime/internal/logging"
	"github.com/mcules/vidi-runtime/internal/metrics"
	"github.com/mcules/vidi-runtime/internal/tool"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

// Report describes the device set bound by Initialize.
type Report struct {
	Mode    Mode     `json:"mode"`
	Devices []Device `json:"devices"`
	// Reduced is set when MultipleDevicesPerTool was requested with fewer
	// than two devices; processing works but brings no latency gain.
	Reduced bool `json:"reduced"`
}

type slot struct {
	dev    Device
	queue  chan struct{}
	leases atomic.Int64
}

// Pool is the set of compute devices of one control. It is bound once by
// Initialize and read-only afterwards.
type Pool struct {
	backend Backend
	log     *slog.Logger

	// Latency feeds device selection; Metrics mirrors lease counts.
	Latency *metrics.LatencyTracker
	Metrics *metrics.Collectors

	mu       sync.Mutex
	mode     Mode
	slots    []*slot
	byID     map[int]*slot
	disposed bool
	rr       int
}

func NewPool(backend Backend) *Pool {
	return &Pool{
		backend: backend,
		log:     logging.New("device"),
		Latency: metrics.NewLatencyTracker(0.2),
		mode:    ModeDeferred,
		byID:    map[int]*slot{},
	}
}

// Initialize enumerates the backend and binds the devices in ids (all of
// them when ids is empty) under mode. It succeeds once per pool.
func (p *Pool) Initialize(ctx context.Context, mode Mode, ids []int) (Report, error) {
	if mode != ModeSingleDevicePerTool && mode != ModeMultipleDevicesPerTool {
		return Report{}, fmt.Errorf("initialize compute devices with mode %q: %w", mode, vidierr.ErrState)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return Report{}, fmt.Errorf("device pool disposed: %w", vidierr.ErrState)
	}
	if p.mode != ModeDeferred {
		return Report{}, fmt.Errorf("compute devices already initialized in %s mode: %w", p.mode, vidierr.ErrState)
	}

	all, err := p.backend.Enumerate(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("enumerate compute devices: %w", err)
	}

	var bound []Device
	if len(ids) == 0 {
		bound = all
	} else {
		seen := map[int]bool{}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			i := slices.IndexFunc(all, func(d Device) bool { return d.ID == id })
			if i < 0 {
				return Report{}, fmt.Errorf("device %d (have %d): %w", id, len(all), vidierr.ErrInvalidDeviceReference)
			}
			bound = append(bound, all[i])
		}
	}
	if len(bound) == 0 {
		return Report{}, fmt.Errorf("no compute devices available: %w", vidierr.ErrState)
	}

	p.mode = mode
	p.slots = make([]*slot, 0, len(bound))
	for _, d := range bound {
		s := &slot{dev: d, queue: make(chan struct{}, 1)}
		p.slots = append(p.slots, s)
		p.byID[d.ID] = s
	}

	rep := Report{Mode: mode, Devices: slices.Clone(bound)}
	if mode == ModeMultipleDevicesPerTool && len(bound) < 2 {
		rep.Reduced = true
		p.log.Warn("multiple devices per tool with fewer than two devices, results will not be faster", "devices", len(bound))
	}
	p.log.Info("compute devices initialized", "mode", mode, "devices", len(bound))
	return rep, nil
}

func (p *Pool) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *Pool) Devices() []Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Device, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, s.dev)
	}
	return out
}

// Dispose unbinds every device. Outstanding leases keep working on their
// slots; new assignments fail.
func (p *Pool) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposed = true
}

// Assign picks the devices for one execution of a tool of the given kind.
// requested narrows the choice to those ids; an empty request lets the
// scheduler decide.
func (p *Pool) Assign(kind tool.Kind, requested []int) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return nil, fmt.Errorf("device pool disposed: %w", vidierr.ErrState)
	}
	if p.mode == ModeDeferred {
		return nil, fmt.Errorf("compute devices not initialized: %w", vidierr.ErrState)
	}

	picked, err := p.resolveLocked(requested)
	if err != nil {
		return nil, err
	}

	switch {
	case p.mode == ModeSingleDevicePerTool || !kind.Splittable():
		if len(picked) == 0 {
			picked = []*slot{p.pickBestLocked()}
		}
		picked = picked[:1]
	case len(picked) == 0:
		picked = slices.Clone(p.slots)
	}

	l := &Lease{pool: p, slots: picked}
	for _, s := range picked {
		n := s.leases.Add(1)
		p.Metrics.SetLeases(strconv.Itoa(s.dev.ID), n)
		l.Devices = append(l.Devices, s.dev)
	}
	return l, nil
}

// CheckDevices reports ErrInvalidDeviceReference for any id that is not
// bound. Callers validate up front so a fully cached run still rejects
// bad ids.
func (p *Pool) CheckDevices(ids []int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.resolveLocked(ids)
	return err
}

func (p *Pool) resolveLocked(ids []int) ([]*slot, error) {
	var picked []*slot
	for _, id := range ids {
		s, ok := p.byID[id]
		if !ok {
			return nil, fmt.Errorf("device %d is not bound: %w", id, vidierr.ErrInvalidDeviceReference)
		}
		if !slices.Contains(picked, s) {
			picked = append(picked, s)
		}
	}
	return picked, nil
}

// pickBestLocked returns the device with the highest score, scanning from
// the round-robin cursor so ties rotate.
func (p *Pool) pickBestLocked() *slot {
	n := len(p.slots)
	var best *slot
	var bestScore float64
	bestIdx := 0
	for k := 0; k < n; k++ {
		i := (p.rr + k) % n
		s := p.slots[i]
		sc := scoreSlot(s, p.Latency)
		if best == nil || sc > bestScore {
			best, bestScore, bestIdx = s, sc, i
		}
	}
	p.rr = (bestIdx + 1) % n
	return best
}

// leasePenaltyMs is what one in-flight execution costs in the score, in
// milliseconds of expected latency.
const leasePenaltyMs = 1000.0

// scoreSlot returns a comparable score where higher is better.
func scoreSlot(s *slot, lat *metrics.LatencyTracker) float64 {
	pen := float64(s.leases.Load()) * leasePenaltyMs
	if lat != nil {
		if l, ok := lat.Get(s.dev.ID); ok {
			pen += l.EWMAms
		}
	}
	return -pen
}

// Lease is the device set of one execution. Release must be called exactly
// once on every path; extra calls are ignored.
type Lease struct {
	pool     *Pool
	slots    []*slot
	Devices  []Device
	released atomic.Bool
}

func (l *Lease) IDs() []int {
	out := make([]int, len(l.Devices))
	for i, d := range l.Devices {
		out[i] = d.ID
	}
	return out
}

// Run executes fn on the i-th leased device. The device runs one job at a
// time; Run waits for its turn or for ctx.
func (l *Lease) Run(ctx context.Context, i, pixels int, fn func() error) error {
	s := l.slots[i]
	select {
	case s.queue <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.queue }()

	start := time.Now()
	err := l.pool.backend.Execute(ctx, s.dev, pixels, fn)
	if l.pool.Latency != nil {
		if err != nil {
			l.pool.Latency.ObserveError(s.dev.ID, time.Since(start))
		} else {
			l.pool.Latency.ObserveOK(s.dev.ID, time.Since(start))
		}
	}
	return err
}

func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	for _, s := range l.slots {
		n := s.leases.Add(-1)
		l.pool.Metrics.SetLeases(strconv.Itoa(s.dev.ID), n)
	}
}

// InFlight reports the number of executions holding a device.
func (p *Pool) InFlight() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for _, s := range p.slots {
		n += s.leases.Load()
	}
	return n
}
