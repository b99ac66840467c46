package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mcules/vidi-runtime/internal/tool"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

func newPool(t *testing.T, n int) *Pool {
	t.Helper()
	return NewPool(SimBackend{Count: n})
}

func TestInitialize_AllDevicesWhenEmpty(t *testing.T) {
	p := newPool(t, 3)
	rep, err := p.Initialize(context.Background(), ModeSingleDevicePerTool, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Devices) != 3 || rep.Reduced {
		t.Errorf("unexpected report %+v", rep)
	}
	if p.Mode() != ModeSingleDevicePerTool {
		t.Errorf("mode = %s", p.Mode())
	}
}

func TestInitialize_ExplicitIDs(t *testing.T) {
	p := newPool(t, 3)
	rep, err := p.Initialize(context.Background(), ModeMultipleDevicesPerTool, []int{2, 0, 2})
	if err != nil {
		t.Fatal(err)
	}
	var ids []int
	for _, d := range rep.Devices {
		ids = append(ids, d.ID)
	}
	if diff := cmp.Diff([]int{2, 0}, ids); diff != "" {
		t.Errorf("bound ids (-want +got):\n%s", diff)
	}
}

func TestInitialize_UnknownDeviceIsFatal(t *testing.T) {
	p := newPool(t, 1)
	_, err := p.Initialize(context.Background(), ModeSingleDevicePerTool, []int{1})
	if !errors.Is(err, vidierr.ErrInvalidDeviceReference) {
		t.Fatalf("got %v, want invalid device reference", err)
	}
	if p.Mode() != ModeDeferred {
		t.Error("failed initialization must leave the pool deferred")
	}
}

func TestInitialize_SecondCallIsStateError(t *testing.T) {
	p := newPool(t, 2)
	if _, err := p.Initialize(context.Background(), ModeSingleDevicePerTool, nil); err != nil {
		t.Fatal(err)
	}
	_, err := p.Initialize(context.Background(), ModeMultipleDevicesPerTool, nil)
	if !errors.Is(err, vidierr.ErrState) {
		t.Fatalf("mode switch: got %v, want state error", err)
	}
}

func TestInitialize_DeferredModeRejected(t *testing.T) {
	p := newPool(t, 1)
	if _, err := p.Initialize(context.Background(), ModeDeferred, nil); !errors.Is(err, vidierr.ErrState) {
		t.Fatalf("got %v", err)
	}
}

func TestInitialize_MultipleWithOneDeviceIsReduced(t *testing.T) {
	p := newPool(t, 1)
	rep, err := p.Initialize(context.Background(), ModeMultipleDevicesPerTool, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Reduced {
		t.Error("expected reduced flag")
	}
}

func TestAssign_BeforeInitialize(t *testing.T) {
	p := newPool(t, 1)
	if _, err := p.Assign(tool.KindLocate, nil); !errors.Is(err, vidierr.ErrState) {
		t.Fatalf("got %v", err)
	}
}

func TestCheckDevices(t *testing.T) {
	p := newPool(t, 2)
	if _, err := p.Initialize(context.Background(), ModeSingleDevicePerTool, []int{1}); err != nil {
		t.Fatal(err)
	}
	if err := p.CheckDevices([]int{1}); err != nil {
		t.Errorf("bound device: %v", err)
	}
	if err := p.CheckDevices([]int{0}); !errors.Is(err, vidierr.ErrInvalidDeviceReference) {
		t.Errorf("unbound device: %v", err)
	}
	if err := p.CheckDevices(nil); err != nil {
		t.Errorf("empty request: %v", err)
	}
}

func TestAssign_Single(t *testing.T) {
	p := newPool(t, 2)
	_, _ = p.Initialize(context.Background(), ModeSingleDevicePerTool, nil)

	l, err := p.Assign(tool.KindAnalyze, []int{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1}, l.IDs()); diff != "" {
		t.Errorf("explicit (-want +got):\n%s", diff)
	}

	// Device 1 is leased, so the scheduler prefers device 0.
	l2, _ := p.Assign(tool.KindAnalyze, nil)
	if diff := cmp.Diff([]int{0}, l2.IDs()); diff != "" {
		t.Errorf("auto (-want +got):\n%s", diff)
	}
	l.Release()
	l.Release()
	l2.Release()
	if p.InFlight() != 0 {
		t.Errorf("in flight = %d after release", p.InFlight())
	}

	if _, err := p.Assign(tool.KindAnalyze, []int{5}); !errors.Is(err, vidierr.ErrInvalidDeviceReference) {
		t.Errorf("unknown id: got %v", err)
	}
}

func TestAssign_SingleRoundRobinWhenIdle(t *testing.T) {
	p := newPool(t, 3)
	_, _ = p.Initialize(context.Background(), ModeSingleDevicePerTool, nil)

	var got []int
	for i := 0; i < 4; i++ {
		l, err := p.Assign(tool.KindLocate, nil)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, l.IDs()[0])
		l.Release()
	}
	if diff := cmp.Diff([]int{0, 1, 2, 0}, got); diff != "" {
		t.Errorf("rotation (-want +got):\n%s", diff)
	}
}

func TestAssign_Multiple(t *testing.T) {
	p := newPool(t, 3)
	_, _ = p.Initialize(context.Background(), ModeMultipleDevicesPerTool, nil)

	l, _ := p.Assign(tool.KindAnalyze, nil)
	if diff := cmp.Diff([]int{0, 1, 2}, l.IDs()); diff != "" {
		t.Errorf("all devices (-want +got):\n%s", diff)
	}
	l.Release()

	l, _ = p.Assign(tool.KindLocate, []int{2, 1})
	if diff := cmp.Diff([]int{2, 1}, l.IDs()); diff != "" {
		t.Errorf("requested (-want +got):\n%s", diff)
	}
	l.Release()

	l, _ = p.Assign(tool.KindClassify, []int{2, 1})
	if diff := cmp.Diff([]int{2}, l.IDs()); diff != "" {
		t.Errorf("classify runs on one device (-want +got):\n%s", diff)
	}
	l.Release()
}

func TestAssign_AfterDispose(t *testing.T) {
	p := newPool(t, 1)
	_, _ = p.Initialize(context.Background(), ModeSingleDevicePerTool, nil)
	p.Dispose()
	if _, err := p.Assign(tool.KindLocate, nil); !errors.Is(err, vidierr.ErrState) {
		t.Fatalf("got %v", err)
	}
}

func TestLease_RunHonorsContext(t *testing.T) {
	p := NewPool(SimBackend{Count: 1, DispatchOverhead: time.Hour})
	_, _ = p.Initialize(context.Background(), ModeSingleDevicePerTool, nil)
	l, _ := p.Assign(tool.KindLocate, nil)
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Run(ctx, 0, 0, func() error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":         ModeSingleDevicePerTool,
		"Multiple": ModeMultipleDevicesPerTool,
		"deferred": ModeDeferred,
	} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("cpu"); err == nil {
		t.Error("expected error")
	}
}
