package remote

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/mcules/vidi-runtime/internal/api"
	"github.com/mcules/vidi-runtime/internal/logging"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

// Server exposes an api.Control over gRPC. Samples live on the server and
// are addressed by id.
type Server struct {
	ctrl api.Control
	log  *slog.Logger

	mu      sync.RWMutex
	samples map[string]hosted
}

// hosted is a sample together with the workspace it was created in, so
// closing that workspace can drop it.
type hosted struct {
	ws  string
	smp api.Sample
}

func (*Server) isEngineServer() {}

func NewServer(ctrl api.Control) *Server {
	return &Server{
		ctrl:    ctrl,
		log:     logging.New("remote.server"),
		samples: map[string]hosted{},
	}
}

// NewGRPCServer registers s and a health service reporting it as serving.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ForceServerCodec(codec{}))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&serviceDesc, s)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// HealthPrefix is the method prefix of the health service; callers pass it
// to auth.UnaryInterceptor so liveness checks need no key.
const HealthPrefix = "/grpc.health.v1.Health/"

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, vidierr.ErrConnectionTimeout):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, vidierr.ErrInvalidDeviceReference):
		code = codes.OutOfRange
	case errors.Is(err, vidierr.ErrInvalidToolReference):
		code = codes.InvalidArgument
	case errors.Is(err, vidierr.ErrState):
		code = codes.FailedPrecondition
	case errors.Is(err, vidierr.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, vidierr.ErrExists):
		code = codes.AlreadyExists
	case errors.Is(err, vidierr.ErrNumericInstability):
		code = codes.Aborted
	}
	return status.Error(code, err.Error())
}

func (s *Server) workspace(ctx context.Context, name string) (api.Workspace, error) {
	return s.ctrl.Workspaces().Get(ctx, name)
}

func (s *Server) stream(ctx context.Context, ws, name string) (api.Stream, error) {
	w, err := s.workspace(ctx, ws)
	if err != nil {
		return nil, err
	}
	return w.Stream(ctx, name)
}

func (s *Server) sample(id string) (api.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.samples[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "sample %s not found", id)
	}
	return h.smp, nil
}

// forgetWorkspace drops every sample created in ws. The control has closed
// them already.
func (s *Server) forgetWorkspace(ws string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, h := range s.samples {
		if h.ws == ws {
			delete(s.samples, id)
			n++
		}
	}
	if n > 0 {
		s.log.Debug("samples released", "workspace", ws, "samples", n)
	}
}

func (s *Server) devices(ctx context.Context, _ *Empty) (*DevicesReply, error) {
	rep, err := s.ctrl.ComputeDevices(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DevicesReply{Report: rep}, nil
}

func (s *Server) initialize(ctx context.Context, in *InitializeRequest) (*DevicesReply, error) {
	rep, err := s.ctrl.InitializeComputeDevices(ctx, in.Mode, in.IDs)
	if err != nil {
		return nil, toStatus(err)
	}
	s.log.Info("devices initialized", "mode", rep.Mode, "devices", len(rep.Devices), "reduced", rep.Reduced)
	return &DevicesReply{Report: rep}, nil
}

func (s *Server) workspaceNames(ctx context.Context, _ *Empty) (*NamesReply, error) {
	names, err := s.ctrl.Workspaces().Names(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &NamesReply{Names: names}, nil
}

func (s *Server) addWorkspace(ctx context.Context, in *WorkspaceRequest) (*Empty, error) {
	var err error
	if in.Data != nil {
		_, err = s.ctrl.Workspaces().AddBytes(ctx, in.Workspace, in.Data)
	} else {
		_, err = s.ctrl.Workspaces().Add(ctx, in.Workspace, in.Path)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) workspaceInfo(ctx context.Context, in *WorkspaceRequest) (*WorkspaceReply, error) {
	w, err := s.workspace(ctx, in.Workspace)
	if err != nil {
		return nil, toStatus(err)
	}
	open, err := w.IsOpen(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	out := &WorkspaceReply{Open: open}
	if open {
		if out.Streams, err = w.StreamNames(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	return out, nil
}

func (s *Server) openWorkspace(ctx context.Context, in *WorkspaceRequest) (*Empty, error) {
	w, err := s.workspace(ctx, in.Workspace)
	if err == nil {
		err = w.Open(ctx)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) closeWorkspace(ctx context.Context, in *WorkspaceRequest) (*Empty, error) {
	w, err := s.workspace(ctx, in.Workspace)
	if err == nil {
		err = w.Close(ctx)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	s.forgetWorkspace(in.Workspace)
	return &Empty{}, nil
}

func (s *Server) saveWorkspace(ctx context.Context, in *WorkspaceRequest) (*Empty, error) {
	w, err := s.workspace(ctx, in.Workspace)
	if err == nil {
		err = w.Save(ctx, in.Path)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) removeWorkspace(ctx context.Context, in *WorkspaceRequest) (*Empty, error) {
	if err := s.ctrl.Workspaces().Remove(ctx, in.Workspace); err != nil {
		return nil, toStatus(err)
	}
	s.forgetWorkspace(in.Workspace)
	return &Empty{}, nil
}

func (s *Server) createStream(ctx context.Context, in *StreamRequest) (*Empty, error) {
	w, err := s.workspace(ctx, in.Workspace)
	if err == nil {
		_, err = w.CreateStream(ctx, in.Stream)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) streamTools(ctx context.Context, in *StreamRequest) (*ToolsReply, error) {
	st, err := s.stream(ctx, in.Workspace, in.Stream)
	if err != nil {
		return nil, toStatus(err)
	}
	tools, err := st.Tools(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ToolsReply{Tools: tools}, nil
}

// editTool resolves the stream of in and applies fn to it.
func (s *Server) editTool(ctx context.Context, in *ToolRequest, fn func(api.Stream) error) (*Empty, error) {
	st, err := s.stream(ctx, in.Workspace, in.Stream)
	if err == nil {
		err = fn(st)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) addTool(ctx context.Context, in *ToolRequest) (*Empty, error) {
	if in.Spec == nil {
		return nil, status.Error(codes.InvalidArgument, "missing tool spec")
	}
	return s.editTool(ctx, in, func(st api.Stream) error { return st.AddTool(ctx, *in.Spec) })
}

func (s *Server) removeTool(ctx context.Context, in *ToolRequest) (*Empty, error) {
	return s.editTool(ctx, in, func(st api.Stream) error { return st.RemoveTool(ctx, in.Tool) })
}

func (s *Server) setParameter(ctx context.Context, in *ToolRequest) (*Empty, error) {
	return s.editTool(ctx, in, func(st api.Stream) error { return st.SetParameter(ctx, in.Tool, in.Param, in.Values...) })
}

func (s *Server) setMask(ctx context.Context, in *ToolRequest) (*Empty, error) {
	mask, err := in.Mask.image()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "mask: %v", err)
	}
	return s.editTool(ctx, in, func(st api.Stream) error { return st.SetMask(ctx, in.Tool, mask) })
}

func (s *Server) setRegion(ctx context.Context, in *ToolRequest) (*Empty, error) {
	return s.editTool(ctx, in, func(st api.Stream) error { return st.SetRegion(ctx, in.Tool, in.Rect) })
}

func (s *Server) setSplittingGrid(ctx context.Context, in *ToolRequest) (*Empty, error) {
	return s.editTool(ctx, in, func(st api.Stream) error { return st.SetSplittingGrid(ctx, in.Tool, in.Grid) })
}

func (s *Server) setSource(ctx context.Context, in *ToolRequest) (*Empty, error) {
	return s.editTool(ctx, in, func(st api.Stream) error { return st.SetSource(ctx, in.Tool, in.Source) })
}

func (s *Server) createSample(ctx context.Context, in *CreateSampleRequest) (*SampleReply, error) {
	img, err := in.Image.image()
	if err != nil || img == nil {
		return nil, status.Errorf(codes.Internal, "image: %v", err)
	}
	st, err := s.stream(ctx, in.Workspace, in.Stream)
	if err != nil {
		return nil, toStatus(err)
	}
	var smp api.Sample
	if in.Process {
		smp, err = st.Process(ctx, img, in.Devices)
	} else {
		smp, err = st.CreateSample(ctx, img)
	}
	if err != nil {
		return nil, toStatus(err)
	}

	s.mu.Lock()
	s.samples[smp.ID()] = hosted{ws: in.Workspace, smp: smp}
	s.mu.Unlock()
	return &SampleReply{Sample: smp.ID()}, nil
}

func (s *Server) processSample(ctx context.Context, in *SampleRequest) (*Empty, error) {
	smp, err := s.sample(in.Sample)
	if err != nil {
		return nil, err
	}
	if err := smp.Process(ctx, in.Tool, in.Devices); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) sampleMarkings(ctx context.Context, in *SampleRequest) (*MarkingsReply, error) {
	smp, err := s.sample(in.Sample)
	if err != nil {
		return nil, err
	}
	ms, err := smp.Markings(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MarkingsReply{Markings: ms}, nil
}

func (s *Server) sampleMarking(ctx context.Context, in *SampleRequest) (*MarkingReply, error) {
	smp, err := s.sample(in.Sample)
	if err != nil {
		return nil, err
	}
	m, err := smp.Marking(ctx, in.Tool)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MarkingReply{Marking: m}, nil
}

func (s *Server) closeSample(ctx context.Context, in *SampleRequest) (*Empty, error) {
	smp, err := s.sample(in.Sample)
	if err != nil {
		return nil, err
	}
	if err := smp.Close(ctx); err != nil {
		return nil, toStatus(err)
	}
	s.mu.Lock()
	delete(s.samples, in.Sample)
	s.mu.Unlock()
	return &Empty{}, nil
}
