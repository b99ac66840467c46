// Package control is the in-process implementation of the api package:
// it owns the device pool, the engine and the open workspaces.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mcules/vidi-runtime/internal/activity"
	"github.com/mcules/vidi-runtime/internal/api"
	"github.com/mcules/vidi-runtime/internal/compute"
	"github.com/mcules/vidi-runtime/internal/device"
	"github.com/mcules/vidi-runtime/internal/engine"
	"github.com/mcules/vidi-runtime/internal/logging"
	"github.com/mcules/vidi-runtime/internal/metrics"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

type Options struct {
	Backend device.Backend
	// Mode other than ModeDeferred initializes the devices in New.
	Mode      device.Mode
	DeviceIDs []int

	Executor compute.Executor
	Metrics  *metrics.Collectors
	Activity *activity.Log
}

type Control struct {
	pool   *device.Pool
	engine *engine.Engine
	ws     *workspaceSet
	act    *activity.Log
	log    *slog.Logger

	// ctx is cancelled by Close; every processing call derives from it.
	ctx    context.Context
	cancel context.CancelFunc
	calls  sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var _ api.Control = (*Control)(nil)

func New(ctx context.Context, opts Options) (*Control, error) {
	if opts.Backend == nil {
		opts.Backend = device.SimBackend{Count: 1}
	}
	if opts.Executor == nil {
		opts.Executor = compute.Reference()
	}

	pool := device.NewPool(opts.Backend)
	pool.Metrics = opts.Metrics
	eng := engine.New(pool, opts.Executor)
	eng.Metrics = opts.Metrics
	eng.Activity = opts.Activity

	cctx, cancel := context.WithCancel(context.Background())
	c := &Control{
		pool:   pool,
		engine: eng,
		act:    opts.Activity,
		log:    logging.New("control"),
		ctx:    cctx,
		cancel: cancel,
	}
	c.ws = newWorkspaceSet(c)

	if opts.Mode != "" && opts.Mode != device.ModeDeferred {
		if _, err := c.InitializeComputeDevices(ctx, opts.Mode, opts.DeviceIDs); err != nil {
			cancel()
			return nil, err
		}
	}
	return c, nil
}

// Engine exposes the engine for statistics.
func (c *Control) Engine() *engine.Engine { return c.engine }

func (c *Control) InitializeComputeDevices(ctx context.Context, mode device.Mode, ids []int) (device.Report, error) {
	if err := c.enter(); err != nil {
		return device.Report{}, err
	}
	defer c.calls.Done()

	rep, err := c.pool.Initialize(ctx, mode, ids)
	if err != nil {
		return rep, err
	}
	ev := activity.EventDevicesInitialized
	if rep.Reduced {
		ev = activity.EventDevicesReduced
	}
	c.act.Add(activity.Event{Type: ev, Note: fmt.Sprintf("mode=%s devices=%d", rep.Mode, len(rep.Devices))})
	return rep, nil
}

func (c *Control) ComputeDevices(ctx context.Context) (device.Report, error) {
	if err := c.enter(); err != nil {
		return device.Report{}, err
	}
	defer c.calls.Done()

	mode := c.pool.Mode()
	rep := device.Report{Mode: mode, Devices: c.pool.Devices()}
	rep.Reduced = mode == device.ModeMultipleDevicesPerTool && len(rep.Devices) < 2
	return rep, nil
}

func (c *Control) Workspaces() api.Workspaces { return c.ws }

// Close cancels every processing call, waits for them to return, closes
// the workspaces and disposes the device pool. Closing twice is a no-op.
func (c *Control) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.calls.Wait()

	err := c.ws.closeAll()
	c.pool.Dispose()
	c.log.Info("control closed")
	return err
}

// enter registers a call. The caller must call c.calls.Done.
func (c *Control) enter() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("control is closed: %w", vidierr.ErrState)
	}
	c.calls.Add(1)
	return nil
}

// bind derives a call context that is also cancelled when the control
// closes.
func (c *Control) bind(ctx context.Context) (context.Context, func(), error) {
	if err := c.enter(); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
		c.calls.Done()
	}, nil
}

// closedErr reports cancellation caused by Close as a state error.
func (c *Control) closedErr(err error) error {
	if err != nil && errors.Is(err, context.Canceled) && c.ctx.Err() != nil {
		return fmt.Errorf("control closed during processing: %w", vidierr.ErrState)
	}
	return err
}
