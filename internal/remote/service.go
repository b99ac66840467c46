package remote

import (
	"context"

	"google.golang.org/grpc"

	"github.com/mcules/vidi-runtime/internal/device"
	"github.com/mcules/vidi-runtime/internal/imaging"
	"github.com/mcules/vidi-runtime/internal/marking"
	"github.com/mcules/vidi-runtime/internal/tool"
)

// ServiceName is also the health-check service name of the engine.
const ServiceName = "vidi.runtime.v1.Engine"

type Empty struct{}

type InitializeRequest struct {
	Mode device.Mode `json:"mode"`
	IDs  []int       `json:"ids,omitempty"`
}

type DevicesReply struct {
	Report device.Report `json:"report"`
}

type NamesReply struct {
	Names []string `json:"names"`
}

type WorkspaceRequest struct {
	Workspace string `json:"workspace"`
	Path      string `json:"path,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

type WorkspaceReply struct {
	Open    bool     `json:"open"`
	Streams []string `json:"streams,omitempty"`
}

type StreamRequest struct {
	Workspace string `json:"workspace"`
	Stream    string `json:"stream"`
}

type ToolsReply struct {
	Tools []tool.Spec `json:"tools"`
}

type ToolRequest struct {
	Workspace string       `json:"workspace"`
	Stream    string       `json:"stream"`
	Tool      string       `json:"tool"`
	Spec      *tool.Spec   `json:"spec,omitempty"`
	Param     string       `json:"param,omitempty"`
	Values    []float64    `json:"values,omitempty"`
	Mask      *WireImage   `json:"mask,omitempty"`
	Rect      imaging.Rect `json:"rect"`
	Grid      tool.Grid    `json:"grid"`
	Source    string       `json:"source,omitempty"`
}

// WireImage carries raw 8-bit pixels.
type WireImage struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pix    []byte `json:"pix"`
}

func toWire(img *imaging.Image) *WireImage {
	if img == nil {
		return nil
	}
	return &WireImage{Width: img.Width(), Height: img.Height(), Pix: img.Pix()}
}

func (w *WireImage) image() (*imaging.Image, error) {
	if w == nil {
		return nil, nil
	}
	return imaging.New(w.Width, w.Height, w.Pix)
}

type CreateSampleRequest struct {
	Workspace string     `json:"workspace"`
	Stream    string     `json:"stream"`
	Image     *WireImage `json:"image"`

	// Process warms every tool right after creation.
	Process bool  `json:"process,omitempty"`
	Devices []int `json:"devices,omitempty"`
}

type SampleRequest struct {
	Sample  string `json:"sample"`
	Tool    string `json:"tool,omitempty"`
	Devices []int  `json:"devices,omitempty"`
}

type SampleReply struct {
	Sample string `json:"sample"`
}

type MarkingsReply struct {
	Markings map[string]marking.Marking `json:"markings"`
}

type MarkingReply struct {
	Marking marking.Marking `json:"marking"`
}

// engineServer is the handler type checked by grpc.RegisterService.
type engineServer interface {
	isEngineServer()
}

func unary[Req, Resp any](name string, call func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

const (
	mDevices           = "Devices"
	mInitialize        = "InitializeDevices"
	mWorkspaceNames    = "WorkspaceNames"
	mAddWorkspace      = "AddWorkspace"
	mWorkspaceInfo     = "WorkspaceInfo"
	mOpenWorkspace     = "OpenWorkspace"
	mCloseWorkspace    = "CloseWorkspace"
	mSaveWorkspace     = "SaveWorkspace"
	mRemoveWorkspace   = "RemoveWorkspace"
	mCreateStream      = "CreateStream"
	mStreamTools       = "StreamTools"
	mAddTool           = "AddTool"
	mRemoveTool        = "RemoveTool"
	mSetParameter      = "SetParameter"
	mSetMask           = "SetMask"
	mSetRegion         = "SetRegion"
	mSetSplittingGrid  = "SetSplittingGrid"
	mSetSource         = "SetSource"
	mCreateSample      = "CreateSample"
	mProcessSample     = "ProcessSample"
	mSampleMarkings    = "SampleMarkings"
	mSampleMarking     = "SampleMarking"
	mCloseSample       = "CloseSample"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*engineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(mDevices, (*Server).devices),
		unary(mInitialize, (*Server).initialize),
		unary(mWorkspaceNames, (*Server).workspaceNames),
		unary(mAddWorkspace, (*Server).addWorkspace),
		unary(mWorkspaceInfo, (*Server).workspaceInfo),
		unary(mOpenWorkspace, (*Server).openWorkspace),
		unary(mCloseWorkspace, (*Server).closeWorkspace),
		unary(mSaveWorkspace, (*Server).saveWorkspace),
		unary(mRemoveWorkspace, (*Server).removeWorkspace),
		unary(mCreateStream, (*Server).createStream),
		unary(mStreamTools, (*Server).streamTools),
		unary(mAddTool, (*Server).addTool),
		unary(mRemoveTool, (*Server).removeTool),
		unary(mSetParameter, (*Server).setParameter),
		unary(mSetMask, (*Server).setMask),
		unary(mSetRegion, (*Server).setRegion),
		unary(mSetSplittingGrid, (*Server).setSplittingGrid),
		unary(mSetSource, (*Server).setSource),
		unary(mCreateSample, (*Server).createSample),
		unary(mProcessSample, (*Server).processSample),
		unary(mSampleMarkings, (*Server).sampleMarkings),
		unary(mSampleMarking, (*Server).sampleMarking),
		unary(mCloseSample, (*Server).closeSample),
	},
	Metadata: "vidi/runtime/v1/engine",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
