package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/mcules/vidi-runtime/internal/activity"
	"github.com/mcules/vidi-runtime/internal/api"
	"github.com/mcules/vidi-runtime/internal/auth"
	"github.com/mcules/vidi-runtime/internal/device"
	"github.com/mcules/vidi-runtime/internal/imaging"
	"github.com/mcules/vidi-runtime/internal/logging"
	"github.com/mcules/vidi-runtime/internal/marking"
	"github.com/mcules/vidi-runtime/internal/metrics"
	"github.com/mcules/vidi-runtime/internal/tool"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnected
	// StateTimedOut: the heartbeat lost the server. Calls fail with
	// ErrConnectionTimeout.
	StateTimedOut
	// StateFailed: Connect did not reach the server. The client cannot be
	// reused.
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const DefaultConnectTimeout = 5 * time.Second

type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	APIKey            string

	Metrics  *metrics.Collectors
	Activity *activity.Log
}

// Client is the remote implementation of api.Control.
type Client struct {
	opts Options
	log  *slog.Logger

	mu         sync.Mutex
	state      State
	connecting bool
	addr       string
	conn       *grpc.ClientConn
	stop       context.CancelFunc
	done       chan struct{}
	onTimeout  []func()
}

var _ api.Control = (*Client)(nil)

func NewClient(opts Options) *Client {
	return &Client{opts: opts, log: logging.New("remote.client")}
}

// ParseAddress accepts tcp://, grpc:// or vidi:// followed by host:port
// and returns the dial target.
func ParseAddress(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("address %q: %w", address, err)
	}
	switch u.Scheme {
	case "tcp", "grpc", "vidi":
	default:
		return "", fmt.Errorf("address %q: unsupported scheme %q", address, u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return "", fmt.Errorf("address %q: want scheme://host:port", address)
	}
	return u.Host, nil
}

// Connect reaches the server at address within timeout. On failure the
// client moves to StateFailed and every later call, Connect included,
// fails with ErrState.
func (c *Client) Connect(ctx context.Context, address string, timeout time.Duration) error {
	c.mu.Lock()
	if c.state != StateDisconnected || c.connecting {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect: client is %s: %w", st, vidierr.ErrState)
	}
	c.connecting = true
	c.mu.Unlock()

	conn, err := c.dial(ctx, address, timeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting = false
	if err != nil {
		c.state = StateFailed
		c.log.Warn("connect failed", "address", address, "err", err)
		return err
	}
	if c.state == StateClosed {
		_ = conn.Close()
		return fmt.Errorf("connect: %w", vidierr.ErrState)
	}
	c.state = StateConnected
	c.addr = address
	c.conn = conn
	c.startMonitor(conn)
	c.log.Info("connected", "address", address)
	return nil
}

func (c *Client) dial(ctx context.Context, address string, timeout time.Duration) (*grpc.ClientConn, error) {
	target, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
	}
	if c.opts.APIKey != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(auth.BearerCredentials{Key: c.opts.APIKey}))
	}
	conn, err := grpc.NewClient("passthrough:///"+target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(cctx,
		&healthpb.HealthCheckRequest{Service: ServiceName}, grpc.WaitForReady(true))
	if err == nil && resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		err = status.Errorf(codes.DeadlineExceeded, "service is %s", resp.GetStatus())
	}
	if err == nil {
		return conn, nil
	}
	_ = conn.Close()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("connect %s: %w", address, ctx.Err())
	}
	if status.Code(err) == codes.DeadlineExceeded || errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("connect %s: no answer within %s: %w", address, timeout, vidierr.ErrConnectionTimeout)
	}
	return nil, fromStatus("connect", err)
}

// startMonitor runs the heartbeat. Callers hold c.mu.
func (c *Client) startMonitor(conn *grpc.ClientConn) {
	hc := healthpb.NewHealthClient(conn)
	req := &healthpb.HealthCheckRequest{Service: ServiceName}
	m := &Monitor{
		Check: func(ctx context.Context) error {
			resp, err := hc.Check(ctx, req)
			if err == nil && resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service is %s", resp.GetStatus())
			}
			return err
		},
		Interval:  c.opts.HeartbeatInterval,
		Timeout:   c.opts.HeartbeatTimeout,
		OnTimeout: c.timedOut,
	}

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.stop, c.done = stop, done
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
}

func (c *Client) timedOut() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateTimedOut
	subs := append([]func(){}, c.onTimeout...)
	addr := c.addr
	c.mu.Unlock()

	c.log.Warn("server timed out", "address", addr)
	c.opts.Metrics.ObserveTimeout()
	c.opts.Activity.Add(activity.Event{Type: activity.EventServerTimedOut, Note: addr})
	for _, fn := range subs {
		fn()
	}
}

// OnServerTimedOut registers fn to run once when the heartbeat loses the
// server.
func (c *Client) OnServerTimedOut(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTimeout = append(c.onTimeout, fn)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close drops the connection. Server-side state is left alone.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	conn, stop, done := c.conn, c.stop, c.done
	c.conn = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	c.mu.Lock()
	st, conn := c.state, c.conn
	c.mu.Unlock()

	switch st {
	case StateConnected:
	case StateTimedOut:
		return fmt.Errorf("%s: %w", method, vidierr.ErrConnectionTimeout)
	default:
		return fmt.Errorf("%s: client is %s: %w", method, st, vidierr.ErrState)
	}
	if err := conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fromStatus(method, err)
	}
	return nil
}

// fromStatus maps a gRPC status back onto the engine's error kinds.
func fromStatus(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	var kind error
	switch st.Code() {
	case codes.DeadlineExceeded:
		kind = context.DeadlineExceeded
	case codes.Canceled:
		kind = context.Canceled
	case codes.Unavailable:
		kind = vidierr.ErrConnectionTimeout
	case codes.OutOfRange:
		kind = vidierr.ErrInvalidDeviceReference
	case codes.InvalidArgument:
		kind = vidierr.ErrInvalidToolReference
	case codes.FailedPrecondition:
		kind = vidierr.ErrState
	case codes.NotFound:
		kind = vidierr.ErrNotFound
	case codes.AlreadyExists:
		kind = vidierr.ErrExists
	case codes.Aborted:
		kind = vidierr.ErrNumericInstability
	case codes.Unauthenticated:
		kind = auth.ErrUnauthenticated
	default:
		kind = vidierr.ErrProcessing
	}
	return fmt.Errorf("%s: %s: %w", method, st.Message(), kind)
}

func (c *Client) InitializeComputeDevices(ctx context.Context, mode device.Mode, ids []int) (device.Report, error) {
	var out DevicesReply
	err := c.invoke(ctx, mInitialize, &InitializeRequest{Mode: mode, IDs: ids}, &out)
	return out.Report, err
}

func (c *Client) ComputeDevices(ctx context.Context) (device.Report, error) {
	var out DevicesReply
	err := c.invoke(ctx, mDevices, &Empty{}, &out)
	return out.Report, err
}

func (c *Client) Workspaces() api.Workspaces { return workspaces{c} }

type workspaces struct{ c *Client }

func (w workspaces) Add(ctx context.Context, name, path string) (api.Workspace, error) {
	if err := w.c.invoke(ctx, mAddWorkspace, &WorkspaceRequest{Workspace: name, Path: path}, &Empty{}); err != nil {
		return nil, err
	}
	return &workspace{c: w.c, name: name}, nil
}

func (w workspaces) AddBytes(ctx context.Context, name string, data []byte) (api.Workspace, error) {
	if data == nil {
		data = []byte{}
	}
	if err := w.c.invoke(ctx, mAddWorkspace, &WorkspaceRequest{Workspace: name, Data: data}, &Empty{}); err != nil {
		return nil, err
	}
	return &workspace{c: w.c, name: name}, nil
}

func (w workspaces) Get(ctx context.Context, name string) (api.Workspace, error) {
	if err := w.c.invoke(ctx, mWorkspaceInfo, &WorkspaceRequest{Workspace: name}, &WorkspaceReply{}); err != nil {
		return nil, err
	}
	return &workspace{c: w.c, name: name}, nil
}

func (w workspaces) Names(ctx context.Context) ([]string, error) {
	var out NamesReply
	err := w.c.invoke(ctx, mWorkspaceNames, &Empty{}, &out)
	return out.Names, err
}

func (w workspaces) Remove(ctx context.Context, name string) error {
	return w.c.invoke(ctx, mRemoveWorkspace, &WorkspaceRequest{Workspace: name}, &Empty{})
}

type workspace struct {
	c    *Client
	name string
}

func (w *workspace) Name() string { return w.name }

func (w *workspace) info(ctx context.Context) (WorkspaceReply, error) {
	var out WorkspaceReply
	err := w.c.invoke(ctx, mWorkspaceInfo, &WorkspaceRequest{Workspace: w.name}, &out)
	return out, err
}

func (w *workspace) IsOpen(ctx context.Context) (bool, error) {
	info, err := w.info(ctx)
	return info.Open, err
}

func (w *workspace) Open(ctx context.Context) error {
	return w.c.invoke(ctx, mOpenWorkspace, &WorkspaceRequest{Workspace: w.name}, &Empty{})
}

func (w *workspace) Close(ctx context.Context) error {
	return w.c.invoke(ctx, mCloseWorkspace, &WorkspaceRequest{Workspace: w.name}, &Empty{})
}

func (w *workspace) Save(ctx context.Context, path string) error {
	return w.c.invoke(ctx, mSaveWorkspace, &WorkspaceRequest{Workspace: w.name, Path: path}, &Empty{})
}

func (w *workspace) StreamNames(ctx context.Context) ([]string, error) {
	info, err := w.info(ctx)
	if err != nil {
		return nil, err
	}
	if !info.Open {
		return nil, fmt.Errorf("workspace %s is not open: %w", w.name, vidierr.ErrState)
	}
	return info.Streams, nil
}

func (w *workspace) Stream(ctx context.Context, name string) (api.Stream, error) {
	req := &StreamRequest{Workspace: w.name, Stream: name}
	if err := w.c.invoke(ctx, mStreamTools, req, &ToolsReply{}); err != nil {
		return nil, err
	}
	return &stream{c: w.c, ws: w.name, name: name}, nil
}

func (w *workspace) CreateStream(ctx context.Context, name string) (api.Stream, error) {
	req := &StreamRequest{Workspace: w.name, Stream: name}
	if err := w.c.invoke(ctx, mCreateStream, req, &Empty{}); err != nil {
		return nil, err
	}
	return &stream{c: w.c, ws: w.name, name: name}, nil
}

type stream struct {
	c    *Client
	ws   string
	name string
}

func (s *stream) Name() string { return s.name }

func (s *stream) edit(ctx context.Context, method string, req ToolRequest) error {
	req.Workspace, req.Stream = s.ws, s.name
	return s.c.invoke(ctx, method, &req, &Empty{})
}

func (s *stream) Tools(ctx context.Context) ([]tool.Spec, error) {
	var out ToolsReply
	err := s.c.invoke(ctx, mStreamTools, &StreamRequest{Workspace: s.ws, Stream: s.name}, &out)
	return out.Tools, err
}

// AddTool sends the mask in a second call; tool.Spec does not carry it
// on the wire.
func (s *stream) AddTool(ctx context.Context, spec tool.Spec) error {
	if err := s.edit(ctx, mAddTool, ToolRequest{Tool: spec.Name, Spec: &spec}); err != nil {
		return err
	}
	if spec.ROI.Mask != nil {
		return s.SetMask(ctx, spec.Name, spec.ROI.Mask)
	}
	return nil
}

func (s *stream) RemoveTool(ctx context.Context, name string) error {
	return s.edit(ctx, mRemoveTool, ToolRequest{Tool: name})
}

func (s *stream) SetParameter(ctx context.Context, toolName, param string, values ...float64) error {
	return s.edit(ctx, mSetParameter, ToolRequest{Tool: toolName, Param: param, Values: values})
}

func (s *stream) SetMask(ctx context.Context, toolName string, mask *imaging.Image) error {
	return s.edit(ctx, mSetMask, ToolRequest{Tool: toolName, Mask: toWire(mask)})
}

func (s *stream) SetRegion(ctx context.Context, toolName string, r imaging.Rect) error {
	return s.edit(ctx, mSetRegion, ToolRequest{Tool: toolName, Rect: r})
}

func (s *stream) SetSplittingGrid(ctx context.Context, toolName string, g tool.Grid) error {
	return s.edit(ctx, mSetSplittingGrid, ToolRequest{Tool: toolName, Grid: g})
}

func (s *stream) SetSource(ctx context.Context, toolName, source string) error {
	return s.edit(ctx, mSetSource, ToolRequest{Tool: toolName, Source: source})
}

func (s *stream) CreateSample(ctx context.Context, img *imaging.Image) (api.Sample, error) {
	return s.createSample(ctx, &CreateSampleRequest{Image: toWire(img)})
}

func (s *stream) Process(ctx context.Context, img *imaging.Image, devices []int) (api.Sample, error) {
	return s.createSample(ctx, &CreateSampleRequest{Image: toWire(img), Process: true, Devices: devices})
}

func (s *stream) createSample(ctx context.Context, req *CreateSampleRequest) (api.Sample, error) {
	if req.Image == nil {
		return nil, fmt.Errorf("create sample: nil image: %w", vidierr.ErrProcessing)
	}
	req.Workspace, req.Stream = s.ws, s.name
	var out SampleReply
	if err := s.c.invoke(ctx, mCreateSample, req, &out); err != nil {
		return nil, err
	}
	return &sample{c: s.c, id: out.Sample}, nil
}

type sample struct {
	c      *Client
	id     string
	closed atomic.Bool
}

func (s *sample) ID() string { return s.id }

func (s *sample) check() error {
	if s.closed.Load() {
		return fmt.Errorf("sample %s is closed: %w", s.id, vidierr.ErrState)
	}
	return nil
}

func (s *sample) Process(ctx context.Context, toolName string, devices []int) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.c.invoke(ctx, mProcessSample, &SampleRequest{Sample: s.id, Tool: toolName, Devices: devices}, &Empty{})
}

func (s *sample) Markings(ctx context.Context) (map[string]marking.Marking, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out MarkingsReply
	err := s.c.invoke(ctx, mSampleMarkings, &SampleRequest{Sample: s.id}, &out)
	return out.Markings, err
}

func (s *sample) Marking(ctx context.Context, toolName string) (marking.Marking, error) {
	if err := s.check(); err != nil {
		return marking.Marking{}, err
	}
	var out MarkingReply
	err := s.c.invoke(ctx, mSampleMarking, &SampleRequest{Sample: s.id, Tool: toolName}, &out)
	return out.Marking, err
}

func (s *sample) Close(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	if err := s.c.invoke(ctx, mCloseSample, &SampleRequest{Sample: s.id}, &Empty{}); err != nil {
		return err
	}
	s.closed.Store(true)
	return nil
}
