package activity

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func tools(evs []Event) []string {
	var out []string
	for _, e := range evs {
		out = append(out, e.Tool)
	}
	return out
}

func TestList_NewestFirstAndWraps(t *testing.T) {
	l := New(3)
	if l.List() != nil {
		t.Fatal("empty log must list nil")
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		l.Add(Event{Type: EventToolFailed, Tool: name})
	}
	if diff := cmp.Diff([]string{"d", "c", "b"}, tools(l.List())); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if l.List()[0].At.IsZero() {
		t.Error("At not stamped")
	}
}

func TestFilter(t *testing.T) {
	l := New(10)
	l.Add(Event{Type: EventToolFailed, Tool: "x"})
	l.Add(Event{Type: EventSampleClosed, Sample: "s"})
	l.Add(Event{Type: EventToolFailed, Tool: "y"})
	if diff := cmp.Diff([]string{"y", "x"}, tools(l.Filter(EventToolFailed))); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestNilLog(t *testing.T) {
	var l *Log
	l.Add(Event{Type: EventToolFailed})
	if l.List() != nil {
		t.Error("nil log must list nil")
	}
}
