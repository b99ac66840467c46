// Package api is the caller-facing surface of the engine. The local
// control and the remote client both implement it, so callers do not
// depend on where processing happens.
package api

import (
	"context"

	"github.com/mcules/vidi-runtime/internal/device"
	"github.com/mcules/vidi-runtime/internal/imaging"
	"github.com/mcules/vidi-runtime/internal/marking"
	"github.com/mcules/vidi-runtime/internal/tool"
)

type Control interface {
	// InitializeComputeDevices binds devices once per control. An empty
	// ids list selects every device.
	InitializeComputeDevices(ctx context.Context, mode device.Mode, ids []int) (device.Report, error)
	ComputeDevices(ctx context.Context) (device.Report, error)
	Workspaces() Workspaces
	// Close cancels outstanding processing, waits for it and releases the
	// devices. The control cannot be used afterwards.
	Close() error
}

type Workspaces interface {
	// Add opens the workspace file at path under name, creating an empty
	// workspace when the file does not exist.
	Add(ctx context.Context, name, path string) (Workspace, error)
	AddBytes(ctx context.Context, name string, data []byte) (Workspace, error)
	Get(ctx context.Context, name string) (Workspace, error)
	Names(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, name string) error
}

type Workspace interface {
	Name() string
	IsOpen(ctx context.Context) (bool, error)
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	// Save writes the workspace to path, or back to its own file when path
	// is empty.
	Save(ctx context.Context, path string) error
	StreamNames(ctx context.Context) ([]string, error)
	Stream(ctx context.Context, name string) (Stream, error)
	CreateStream(ctx context.Context, name string) (Stream, error)
}

type Stream interface {
	Name() string
	Tools(ctx context.Context) ([]tool.Spec, error)
	AddTool(ctx context.Context, spec tool.Spec) error
	RemoveTool(ctx context.Context, name string) error

	SetParameter(ctx context.Context, toolName, param string, values ...float64) error
	// SetMask restricts a tool's ROI; nil removes the restriction.
	SetMask(ctx context.Context, toolName string, mask *imaging.Image) error
	SetRegion(ctx context.Context, toolName string, r imaging.Rect) error
	SetSplittingGrid(ctx context.Context, toolName string, g tool.Grid) error
	// SetSource derives the ROI from an upstream tool; "" makes it manual.
	SetSource(ctx context.Context, toolName, source string) error

	CreateSample(ctx context.Context, img *imaging.Image) (Sample, error)
	// Process creates a sample for img and processes every tool, which
	// warms all markings before timing runs.
	Process(ctx context.Context, img *imaging.Image, devices []int) (Sample, error)
}

type Sample interface {
	ID() string
	// Process brings toolName and its ancestors up to date; "" processes
	// the whole stream. A nil devices list lets the scheduler choose.
	Process(ctx context.Context, toolName string, devices []int) error
	Markings(ctx context.Context) (map[string]marking.Marking, error)
	Marking(ctx context.Context, toolName string) (marking.Marking, error)
	Close(ctx context.Context) error
}
