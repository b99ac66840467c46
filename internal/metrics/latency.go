package metrics

import (
	"sync"
	"time"
)

type DeviceLatency struct {
	// EWMA of execution time in milliseconds.
	EWMAms float64

	// Counters (rolling since start).
	OK    uint64
	Error uint64

	// Last observed execution time.
	LastRun time.Duration

	// Timestamp of last observation.
	LastAt time.Time
}

type LatencyTracker struct {
	mu      sync.RWMutex
	alpha   float64
	devices map[int]*DeviceLatency
}

// NewLatencyTracker creates a tracker with EWMA smoothing factor alpha.
// Typical alpha: 0.1..0.3 (higher reacts faster).
func NewLatencyTracker(alpha float64) *LatencyTracker {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.2
	}
	return &LatencyTracker{
		alpha:   alpha,
		devices: map[int]*DeviceLatency{},
	}
}

func (t *LatencyTracker) ObserveOK(deviceID int, d time.Duration) {
	t.observe(deviceID, d, true)
}

func (t *LatencyTracker) ObserveError(deviceID int, d time.Duration) {
	t.observe(deviceID, d, false)
}

func (t *LatencyTracker) observe(deviceID int, d time.Duration, ok bool) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.devices[deviceID]
	if n == nil {
		n = &DeviceLatency{}
		t.devices[deviceID] = n
	}

	ms := float64(d) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}

	if n.EWMAms == 0 {
		n.EWMAms = ms
	} else {
		n.EWMAms = (t.alpha * ms) + ((1.0 - t.alpha) * n.EWMAms)
	}

	n.LastRun = d
	n.LastAt = now
	if ok {
		n.OK++
	} else {
		n.Error++
	}
}

func (t *LatencyTracker) Get(deviceID int) (DeviceLatency, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.devices[deviceID]
	if n == nil {
		return DeviceLatency{}, false
	}
	return *n, true
}

func (t *LatencyTracker) Snapshot() map[int]DeviceLatency {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[int]DeviceLatency, len(t.devices))
	for k, v := range t.devices {
		out[k] = *v
	}
	return out
}

func (t *LatencyTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.devices = map[int]*DeviceLatency{}
}
