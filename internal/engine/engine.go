// Package engine processes samples: it plans the upstream closure of a
// tool, reuses every marking whose stamp is still current and executes the
// stale rest on devices assigned by the pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mcules/vidi-runtime/internal/activity"
	"github.com/mcules/vidi-runtime/internal/compute"
	"github.com/mcules/vidi-runtime/internal/device"
	"github.com/mcules/vidi-runtime/internal/imaging"
	"github.com/mcules/vidi-runtime/internal/logging"
	"github.com/mcules/vidi-runtime/internal/marking"
	"github.com/mcules/vidi-runtime/internal/metrics"
	"github.com/mcules/vidi-runtime/internal/observability"
	"github.com/mcules/vidi-runtime/internal/perf"
	"github.com/mcules/vidi-runtime/internal/sample"
	"github.com/mcules/vidi-runtime/internal/stream"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

type Engine struct {
	Pool     *device.Pool
	Executor compute.Executor

	// Optional sinks; nil disables them.
	Stats    *perf.Store
	Metrics  *metrics.Collectors
	Activity *activity.Log

	log *slog.Logger
}

func New(pool *device.Pool, exec compute.Executor) *Engine {
	return &Engine{
		Pool:     pool,
		Executor: exec,
		Stats:    perf.New(0.2),
		log:      logging.New("engine"),
	}
}

// Stats lists the tools of one call by what happened to them, in plan
// order.
type Stats struct {
	Executed []string `json:"executed"`
	Reused   []string `json:"reused"`
}

// Process brings the marking of target and all of its ancestors up to
// date. An empty target processes every tool of the sample's stream.
// devices narrows scheduling to those ids; nil lets the pool choose.
func (e *Engine) Process(ctx context.Context, s *sample.Sample, target string, devices []int) error {
	_, err := e.ProcessWithStats(ctx, s, target, devices)
	return err
}

// ProcessWithStats is Process reporting which tools ran. On error the
// stats cover the tools handled before the failure; the failing tool and
// its dependents keep their previous markings.
func (e *Engine) ProcessWithStats(ctx context.Context, s *sample.Sample, target string, devices []int) (Stats, error) {
	var st Stats

	release, err := s.Acquire()
	if err != nil {
		return st, err
	}
	defer release()

	img, err := s.Image()
	if err != nil {
		return st, err
	}
	if err := e.Pool.CheckDevices(devices); err != nil {
		return st, err
	}
	steps, err := s.Stream().Plan(target)
	if err != nil {
		return st, err
	}

	ctx, span := observability.StartSpan(ctx, "engine.process",
		attribute.String("sample", s.ID()),
		attribute.String("stream", s.Stream().Name()),
		attribute.String("target", target),
		attribute.Int("steps", len(steps)),
	)
	defer span.End()

	cache := s.Cache()
	// Results of this call, so upstream ROIs always read a fresh source.
	results := make(map[string]marking.Result, len(steps))

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		name := step.Tool.Name
		key := perf.Key(s.Stream().Name(), name)

		if m, ok := cache.Get(name); ok && m.Stamp.Equal(step.Stamp) {
			results[name] = m.Result
			st.Reused = append(st.Reused, name)
			e.Metrics.ObserveReuse(string(step.Tool.Kind))
			if e.Stats != nil {
				e.Stats.ObserveReuse(key)
			}
			continue
		}

		m, err := e.execute(ctx, step, img, results, devices)
		e.Metrics.ObserveExecution(string(step.Tool.Kind), m.Duration, err)
		if err != nil {
			if e.Stats != nil {
				e.Stats.ObserveError(key)
			}
			e.Activity.Add(activity.Event{
				Type:   activity.EventToolFailed,
				Stream: s.Stream().Name(),
				Tool:   name,
				Sample: s.ID(),
				Note:   err.Error(),
			})
			e.log.Warn("tool failed", "sample", s.ID(), "tool", name, "err", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "tool failed")
			return st, err
		}
		if e.Stats != nil {
			e.Stats.ObserveRun(key, m.Duration)
		}

		cache.Put(m)
		results[name] = m.Result
		st.Executed = append(st.Executed, name)
	}

	span.SetAttributes(
		attribute.Int("executed", len(st.Executed)),
		attribute.Int("reused", len(st.Reused)),
	)
	e.log.Debug("sample processed", "sample", s.ID(), "target", target, "executed", len(st.Executed), "reused", len(st.Reused))
	return st, nil
}

// execute runs one stale tool. The lease is released on every path.
func (e *Engine) execute(ctx context.Context, step stream.Step, img *imaging.Image, results map[string]marking.Result, devices []int) (marking.Marking, error) {
	snap := step.Tool

	ctx, span := observability.StartSpan(ctx, "engine.tool",
		attribute.String("tool", snap.Name),
		attribute.String("kind", string(snap.Kind)),
	)
	defer span.End()

	lease, err := e.Pool.Assign(snap.Kind, devices)
	if err != nil {
		return marking.Marking{}, fmt.Errorf("tool %s: %w", snap.Name, err)
	}
	defer lease.Release()
	span.SetAttributes(attribute.IntSlice("devices", lease.IDs()))

	var source marking.Result
	if src := snap.ROI.Source; src != "" {
		r, ok := results[src]
		if !ok {
			return marking.Marking{}, fmt.Errorf("tool %s: roi source %s has no result: %w", snap.Name, src, vidierr.ErrInvalidToolReference)
		}
		source = r
	}

	start := time.Now()
	res, err := e.Executor.Execute(ctx, compute.Job{
		Tool:  snap,
		Image: img,
		Views: compute.Views(snap, img, source),
		Lease: lease,
	})
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		return marking.Marking{Duration: dur}, classify(snap.Name, err)
	}

	return marking.Marking{
		Tool:       snap.Name,
		Kind:       snap.Kind,
		Result:     res,
		Duration:   dur,
		Stamp:      step.Stamp,
		Devices:    lease.IDs(),
		ComputedAt: time.Now(),
	}, nil
}

// classify makes every executor failure match one of the engine's error
// kinds. Cancellation is passed through untouched.
func classify(tool string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, vidierr.ErrProcessing), errors.Is(err, vidierr.ErrNumericInstability):
		return err
	}
	return fmt.Errorf("tool %s: %w: %w", tool, vidierr.ErrProcessing, err)
}
