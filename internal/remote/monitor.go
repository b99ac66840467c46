package remote

import (
	"context"
	"time"
)

// Monitor probes a server every Interval and calls OnTimeout once when no
// probe has succeeded for Timeout. Run returns after firing.
type Monitor struct {
	Check     func(ctx context.Context) error
	Interval  time.Duration
	Timeout   time.Duration
	OnTimeout func()

	lastOK time.Time
}

func (m *Monitor) Run(ctx context.Context) {
	if m.Interval <= 0 {
		m.Interval = time.Second
	}
	if m.Timeout <= 0 {
		m.Timeout = 5 * m.Interval
	}
	m.lastOK = time.Now()

	t := time.NewTicker(m.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if m.tick(ctx) {
				return
			}
		}
	}
}

// tick reports whether the timeout fired.
func (m *Monitor) tick(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.Interval)
	err := m.Check(pctx)
	cancel()

	now := time.Now()
	if err == nil {
		m.lastOK = now
		return false
	}
	if ctx.Err() != nil || now.Sub(m.lastOK) < m.Timeout {
		return false
	}
	if m.OnTimeout != nil {
		m.OnTimeout()
	}
	return true
}
