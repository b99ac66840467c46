package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mcules/vidi-runtime/internal/activity"
	"github.com/mcules/vidi-runtime/internal/api"
	"github.com/mcules/vidi-runtime/internal/device"
	"github.com/mcules/vidi-runtime/internal/imaging"
	"github.com/mcules/vidi-runtime/internal/tool"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

func newControl(t *testing.T, backend device.SimBackend, mode device.Mode) *Control {
	t.Helper()
	c, err := New(context.Background(), Options{Backend: backend, Mode: mode, Activity: activity.New(32)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func image(t *testing.T) *imaging.Image {
	t.Helper()
	pix := make([]byte, 64*32)
	for i := range pix {
		pix[i] = byte(i % 97)
	}
	img, err := imaging.New(64, 32, pix)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

// authored creates a workspace with one stream locate -> analyze.
func authored(t *testing.T, c *Control, path string) api.Workspace {
	t.Helper()
	ctx := context.Background()
	ws, err := c.Workspaces().Add(ctx, "line1", path)
	if err != nil {
		t.Fatal(err)
	}
	st, err := ws.CreateStream(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	for _, spec := range []tool.Spec{
		{Name: "locate", Kind: tool.KindLocate},
		{Name: "analyze", Kind: tool.KindAnalyze, ROI: tool.ROISpec{Source: "locate"}},
	} {
		if err := st.AddTool(ctx, spec); err != nil {
			t.Fatal(err)
		}
	}
	return ws
}

func TestNew_InitializesDevices(t *testing.T) {
	c := newControl(t, device.SimBackend{Count: 2}, device.ModeSingleDevicePerTool)
	ctx := context.Background()

	rep, err := c.ComputeDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Mode != device.ModeSingleDevicePerTool || len(rep.Devices) != 2 {
		t.Errorf("report = %+v", rep)
	}
	if _, err := c.InitializeComputeDevices(ctx, device.ModeMultipleDevicesPerTool, nil); !errors.Is(err, vidierr.ErrState) {
		t.Errorf("mode switch: %v", err)
	}
}

func TestNew_UnknownDevice(t *testing.T) {
	_, err := New(context.Background(), Options{Backend: device.SimBackend{Count: 1}, Mode: device.ModeSingleDevicePerTool, DeviceIDs: []int{3}})
	if !errors.Is(err, vidierr.ErrInvalidDeviceReference) {
		t.Fatalf("got %v", err)
	}
}

func TestDeferredThenInitialize(t *testing.T) {
	c := newControl(t, device.SimBackend{Count: 1}, device.ModeDeferred)
	ctx := context.Background()
	ws := authored(t, c, filepath.Join(t.TempDir(), "ws.vrws"))
	st, _ := ws.Stream(ctx, "default")

	if _, err := st.Process(ctx, image(t), nil); !errors.Is(err, vidierr.ErrState) {
		t.Fatalf("process before init: %v", err)
	}
	rep, err := c.InitializeComputeDevices(ctx, device.ModeMultipleDevicesPerTool, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Reduced {
		t.Error("one device in multiple mode should be reduced")
	}
	if got := c.act.Filter(activity.EventDevicesReduced); len(got) != 1 {
		t.Errorf("activity = %+v", c.act.List())
	}
	if _, err := st.Process(ctx, image(t), nil); err != nil {
		t.Fatalf("process after init: %v", err)
	}
}

func TestWorkspace_SaveAndReopen(t *testing.T) {
	c := newControl(t, device.SimBackend{Count: 1}, device.ModeSingleDevicePerTool)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ws.vrws")
	ws := authored(t, c, path)

	st, _ := ws.Stream(ctx, "default")
	if err := st.SetParameter(ctx, "analyze", tool.ParamThreshold, 0.1, 0.2); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSplittingGrid(ctx, "analyze", tool.Grid{Cols: 2, Rows: 1}); err != nil {
		t.Fatal(err)
	}
	want, _ := st.Tools(ctx)
	if err := ws.Save(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := c.Workspaces().Remove(ctx, "line1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Workspaces().Get(ctx, "line1"); !errors.Is(err, vidierr.ErrNotFound) {
		t.Errorf("removed workspace still listed: %v", err)
	}

	ws, err := c.Workspaces().Add(ctx, "line1", path)
	if err != nil {
		t.Fatal(err)
	}
	st, err = ws.Stream(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := st.Tools(ctx)
	ignoreVersion := cmp.Transformer("values", func(p tool.Parameter) []float64 { return p.Values })
	if diff := cmp.Diff(want, got, ignoreVersion); diff != "" {
		t.Errorf("reloaded tools (-want +got):\n%s", diff)
	}
}

func TestWorkspace_ReopenAfterToolReadded(t *testing.T) {
	c := newControl(t, device.SimBackend{Count: 1}, device.ModeSingleDevicePerTool)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ws.vrws")
	ws := authored(t, c, path)

	// Re-adding locate moves it after analyze, which still references it.
	st, _ := ws.Stream(ctx, "default")
	if err := st.RemoveTool(ctx, "locate"); err != nil {
		t.Fatal(err)
	}
	if err := st.AddTool(ctx, tool.Spec{Name: "locate", Kind: tool.KindLocate}); err != nil {
		t.Fatal(err)
	}
	if err := ws.Save(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := c.Workspaces().Remove(ctx, "line1"); err != nil {
		t.Fatal(err)
	}

	ws, err := c.Workspaces().Add(ctx, "line1", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	st, err = ws.Stream(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	smp, err := st.Process(ctx, image(t), nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	ms, _ := smp.Markings(ctx)
	if len(ms) != 2 {
		t.Errorf("markings = %d, want 2", len(ms))
	}
}

func TestWorkspace_ReopenWithDanglingReference(t *testing.T) {
	c := newControl(t, device.SimBackend{Count: 1}, device.ModeSingleDevicePerTool)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ws.vrws")
	ws := authored(t, c, path)

	st, _ := ws.Stream(ctx, "default")
	if err := st.RemoveTool(ctx, "locate"); err != nil {
		t.Fatal(err)
	}
	if err := ws.Save(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := c.Workspaces().Remove(ctx, "line1"); err != nil {
		t.Fatal(err)
	}

	ws, err := c.Workspaces().Add(ctx, "line1", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	st, _ = ws.Stream(ctx, "default")
	smp, err := st.CreateSample(ctx, image(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := smp.Process(ctx, "analyze", nil); !errors.Is(err, vidierr.ErrInvalidToolReference) {
		t.Errorf("Process: got %v, want invalid reference", err)
	}
}

func TestWorkspace_AddBytes(t *testing.T) {
	c := newControl(t, device.SimBackend{Count: 1}, device.ModeSingleDevicePerTool)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ws.vrws")
	ws := authored(t, c, path)
	if err := ws.Save(ctx, ""); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	mem, err := c.Workspaces().AddBytes(ctx, "mem", data)
	if err != nil {
		t.Fatal(err)
	}
	names, _ := mem.StreamNames(ctx)
	if diff := cmp.Diff([]string{"default"}, names); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if err := mem.Save(ctx, ""); !errors.Is(err, vidierr.ErrState) {
		t.Errorf("save without path: %v", err)
	}
	if err := mem.Save(ctx, filepath.Join(dir, "copy.vrws")); err != nil {
		t.Errorf("save as: %v", err)
	}
	if _, err := c.Workspaces().AddBytes(ctx, "mem", data); !errors.Is(err, vidierr.ErrExists) {
		t.Errorf("duplicate name: %v", err)
	}
	all, _ := c.Workspaces().Names(ctx)
	if diff := cmp.Diff([]string{"line1", "mem"}, all); diff != "" {
		t.Errorf("names (-want +got):\n%s", diff)
	}
}

func TestSample_ProcessAndReuse(t *testing.T) {
	c := newControl(t, device.SimBackend{Count: 2}, device.ModeSingleDevicePerTool)
	ctx := context.Background()
	ws := authored(t, c, filepath.Join(t.TempDir(), "ws.vrws"))
	st, _ := ws.Stream(ctx, "default")

	smp, err := st.Process(ctx, image(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	first, err := smp.Markings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("markings = %d", len(first))
	}

	if err := smp.Process(ctx, "analyze", []int{1}); err != nil {
		t.Fatal(err)
	}
	again, _ := smp.Marking(ctx, "analyze")
	if diff := cmp.Diff(first["analyze"], again); diff != "" {
		t.Errorf("unchanged reprocess altered marking:\n%s", diff)
	}

	if err := st.SetRegion(ctx, "nope", imaging.Rect{W: 1, H: 1}); !errors.Is(err, vidierr.ErrInvalidToolReference) {
		t.Errorf("unknown tool: %v", err)
	}
	if err := smp.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := smp.Process(ctx, "", nil); !errors.Is(err, vidierr.ErrState) {
		t.Errorf("process closed sample: %v", err)
	}
}

func TestClose_CancelsInFlight(t *testing.T) {
	c, err := New(context.Background(), Options{
		Backend: device.SimBackend{Count: 1, DispatchOverhead: time.Hour},
		Mode:    device.ModeSingleDevicePerTool,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	ws := authored(t, c, filepath.Join(t.TempDir(), "ws.vrws"))
	st, _ := ws.Stream(ctx, "default")
	smp, err := st.CreateSample(ctx, image(t))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- smp.Process(ctx, "", nil) }()

	deadline := time.Now().Add(time.Second)
	for c.pool.InFlight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("processing never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := ws.Close(ctx); !errors.Is(err, vidierr.ErrState) {
		t.Errorf("closing workspace with busy sample: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, vidierr.ErrState) {
			t.Errorf("in-flight call: got %v, want state error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight call not cancelled")
	}
	if c.pool.InFlight() != 0 {
		t.Errorf("leases outstanding after close: %d", c.pool.InFlight())
	}
	if _, err := c.ComputeDevices(ctx); !errors.Is(err, vidierr.ErrState) {
		t.Errorf("use after close: %v", err)
	}
	if open, _ := ws.IsOpen(ctx); open {
		t.Error("workspace still open after control close")
	}
}

func TestWorkspace_CloseRacesProcess(t *testing.T) {
	c := newControl(t, device.SimBackend{Count: 1, DispatchOverhead: time.Millisecond}, device.ModeSingleDevicePerTool)
	ctx := context.Background()
	ws := authored(t, c, filepath.Join(t.TempDir(), "ws.vrws"))
	if err := ws.Save(ctx, ""); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 50; i++ {
		if err := ws.Open(ctx); err != nil {
			t.Fatal(err)
		}
		st, err := ws.Stream(ctx, "default")
		if err != nil {
			t.Fatal(err)
		}
		smp, err := st.CreateSample(ctx, image(t))
		if err != nil {
			t.Fatal(err)
		}

		done := make(chan error, 1)
		go func() { done <- smp.Process(ctx, "", nil) }()
		closeErr := ws.Close(ctx)
		procErr := <-done

		if closeErr != nil {
			// The sample was busy, so the workspace stays open and the
			// call completes normally.
			if !errors.Is(closeErr, vidierr.ErrState) {
				t.Fatalf("Close: %v", closeErr)
			}
			if procErr != nil {
				t.Fatalf("Process after refused close: %v", procErr)
			}
			if err := ws.Close(ctx); err != nil {
				t.Fatalf("Close after processing: %v", err)
			}
			continue
		}
		// Close won: the sample is closed and a late call was refused.
		if procErr != nil && !errors.Is(procErr, vidierr.ErrState) {
			t.Fatalf("Process after close: %v", procErr)
		}
		if _, err := smp.Markings(ctx); !errors.Is(err, vidierr.ErrState) {
			t.Fatalf("sample usable after workspace close: %v", err)
		}
	}
}
