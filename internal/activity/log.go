// Package activity keeps a bounded, newest-first log of notable engine
// events for the /activity endpoint.
package activity

import (
	"sync"
	"time"
)

type EventType string

const (
	EventDevicesInitialized EventType = "devices_initialized"
	EventDevicesReduced     EventType = "devices_reduced"
	EventToolFailed         EventType = "tool_failed"
	EventSampleClosed       EventType = "sample_closed"
	EventWorkspaceOpened    EventType = "workspace_opened"
	EventWorkspaceClosed    EventType = "workspace_closed"
	EventServerTimedOut     EventType = "server_timed_out"
)

type Event struct {
	At     time.Time `json:"at"`
	Type   EventType `json:"type"`
	Stream string    `json:"stream,omitempty"`
	Tool   string    `json:"tool,omitempty"`
	Sample string    `json:"sample,omitempty"`
	Note   string    `json:"note,omitempty"`
}

type Log struct {
	mu   sync.RWMutex
	buf  []Event
	next int
	full bool
}

func New(size int) *Log {
	if size <= 0 {
		size = 200
	}
	return &Log{
		buf: make([]Event, size),
	}
}

// Add records e. A zero At is set to now. Add on a nil log is a no-op.
func (l *Log) Add(e Event) {
	if l == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = e
	l.next++
	if l.next >= len(l.buf) {
		l.next = 0
		l.full = true
	}
}

// List returns the retained events, newest first.
func (l *Log) List() []Event {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.full && l.next == 0 {
		return nil
	}

	var out []Event
	if l.full {
		out = make([]Event, 0, len(l.buf))
		out = append(out, l.buf[l.next:]...)
		out = append(out, l.buf[:l.next]...)
	} else {
		out = append([]Event(nil), l.buf[:l.next]...)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Filter returns the newest-first events of type t.
func (l *Log) Filter(t EventType) []Event {
	var out []Event
	for _, e := range l.List() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
