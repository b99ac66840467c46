package control

import (
	"context"
	"fmt"

	"github.com/mcules/vidi-runtime/internal/activity"
	"github.com/mcules/vidi-runtime/internal/api"
	"github.com/mcules/vidi-runtime/internal/imaging"
	"github.com/mcules/vidi-runtime/internal/marking"
	"github.com/mcules/vidi-runtime/internal/sample"
	"github.com/mcules/vidi-runtime/internal/stream"
	"github.com/mcules/vidi-runtime/internal/tool"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

type Stream struct {
	ws *Workspace
	s  *stream.Stream
}

var _ api.Stream = (*Stream)(nil)

func (s *Stream) Name() string { return s.s.Name() }

func (s *Stream) Tools(ctx context.Context) ([]tool.Spec, error) {
	return s.s.Specs(), nil
}

func (s *Stream) AddTool(ctx context.Context, spec tool.Spec) error {
	_, err := s.s.Add(spec)
	return err
}

func (s *Stream) RemoveTool(ctx context.Context, name string) error {
	return s.s.Remove(name)
}

func (s *Stream) tool(name string) (*tool.Tool, error) {
	t, ok := s.s.Tool(name)
	if !ok {
		return nil, fmt.Errorf("stream %s: tool %s: %w", s.s.Name(), name, vidierr.ErrInvalidToolReference)
	}
	return t, nil
}

func (s *Stream) SetParameter(ctx context.Context, toolName, param string, values ...float64) error {
	t, err := s.tool(toolName)
	if err != nil {
		return err
	}
	if _, err := t.SetParameter(param, values...); err != nil {
		return fmt.Errorf("tool %s: %v: %w", toolName, err, vidierr.ErrProcessing)
	}
	return nil
}

func (s *Stream) SetMask(ctx context.Context, toolName string, mask *imaging.Image) error {
	t, err := s.tool(toolName)
	if err != nil {
		return err
	}
	t.SetMask(mask)
	return nil
}

func (s *Stream) SetRegion(ctx context.Context, toolName string, r imaging.Rect) error {
	t, err := s.tool(toolName)
	if err != nil {
		return err
	}
	t.SetRect(r)
	return nil
}

func (s *Stream) SetSplittingGrid(ctx context.Context, toolName string, g tool.Grid) error {
	t, err := s.tool(toolName)
	if err != nil {
		return err
	}
	if _, err := t.SetSplittingGrid(g); err != nil {
		return fmt.Errorf("tool %s: %v: %w", toolName, err, vidierr.ErrProcessing)
	}
	return nil
}

func (s *Stream) SetSource(ctx context.Context, toolName, source string) error {
	t, err := s.tool(toolName)
	if err != nil {
		return err
	}
	if _, err := t.SetSource(source); err != nil {
		return fmt.Errorf("tool %s: %v: %w", toolName, err, vidierr.ErrInvalidToolReference)
	}
	return nil
}

func (s *Stream) CreateSample(ctx context.Context, img *imaging.Image) (api.Sample, error) {
	return s.createSample(img)
}

func (s *Stream) createSample(img *imaging.Image) (*Sample, error) {
	smp, err := sample.New(s.s, img)
	if err != nil {
		return nil, err
	}
	if err := s.ws.track(smp); err != nil {
		return nil, err
	}
	return &Sample{ws: s.ws, s: smp}, nil
}

func (s *Stream) Process(ctx context.Context, img *imaging.Image, devices []int) (api.Sample, error) {
	smp, err := s.createSample(img)
	if err != nil {
		return nil, err
	}
	if err := smp.Process(ctx, "", devices); err != nil {
		_ = smp.Close(ctx)
		return nil, err
	}
	return smp, nil
}

type Sample struct {
	ws *Workspace
	s  *sample.Sample
}

var _ api.Sample = (*Sample)(nil)

func (s *Sample) ID() string { return s.s.ID() }

func (s *Sample) Process(ctx context.Context, toolName string, devices []int) error {
	c := s.ws.c
	ctx, done, err := c.bind(ctx)
	if err != nil {
		return err
	}
	defer done()
	return c.closedErr(c.engine.Process(ctx, s.s, toolName, devices))
}

func (s *Sample) Markings(ctx context.Context) (map[string]marking.Marking, error) {
	return s.s.Markings()
}

func (s *Sample) Marking(ctx context.Context, toolName string) (marking.Marking, error) {
	return s.s.Marking(toolName)
}

func (s *Sample) Close(ctx context.Context) error {
	if s.s.Closed() {
		return nil
	}
	if err := s.s.Close(); err != nil {
		return err
	}
	s.ws.forget(s.s.ID())
	s.ws.c.act.Add(activity.Event{Type: activity.EventSampleClosed, Stream: s.s.Stream().Name(), Sample: s.s.ID()})
	return nil
}
