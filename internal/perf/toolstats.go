// Package perf keeps per-tool execution statistics for the engine.
package perf

import (
	"sort"
	"sync"
	"time"
)

type ToolStats struct {
	// EWMA of execution time in milliseconds.
	DurationMsEWMA float64 `json:"duration_ms_ewma"`

	Executions uint64 `json:"executions"`
	Reuses     uint64 `json:"reuses"`
	Errors     uint64 `json:"errors"`

	LastRun   time.Time `json:"last_run"`
	LastError time.Time `json:"last_error"`
}

// Store is keyed by "<stream>/<tool>".
type Store struct {
	mu    sync.RWMutex
	alpha float64
	tools map[string]*ToolStats
}

// New creates a store with EWMA alpha (0..1). Typical: 0.2.
func New(alpha float64) *Store {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.2
	}
	return &Store{
		alpha: alpha,
		tools: map[string]*ToolStats{},
	}
}

func Key(stream, tool string) string { return stream + "/" + tool }

func (s *Store) ObserveRun(key string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(key)
	st.Executions++
	st.LastRun = time.Now()

	if st.Executions == 1 {
		st.DurationMsEWMA = ms
		return
	}
	st.DurationMsEWMA = s.alpha*ms + (1.0-s.alpha)*st.DurationMsEWMA
}

func (s *Store) ObserveReuse(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreateLocked(key).Reuses++
}

func (s *Store) ObserveError(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(key)
	st.Errors++
	st.LastError = time.Now()
}

func (s *Store) Snapshot(key string) (ToolStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.tools[key]
	if !ok {
		return ToolStats{}, false
	}
	return *st, true
}

// Keys returns every observed key in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tools))
	for k := range s.tools {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) getOrCreateLocked(key string) *ToolStats {
	if st, ok := s.tools[key]; ok {
		return st
	}
	st := &ToolStats{}
	s.tools[key] = st
	return st
}

// ReuseRate is the share of lookups served from the marking cache.
func ReuseRate(st ToolStats) float64 {
	total := st.Executions + st.Reuses
	if total == 0 {
		return 0
	}
	return float64(st.Reuses) / float64(total)
}

func ErrorRate(st ToolStats) float64 {
	total := st.Executions + st.Errors
	if total == 0 {
		return 0
	}
	return float64(st.Errors) / float64(total)
}
