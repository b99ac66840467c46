// Package compute runs one tool against one image on a set of leased
// devices. Model inference is external; Reference registers deterministic
// handlers for the three tool families so the engine can be exercised end
// to end.
package compute

import (
	"context"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mcules/vidi-runtime/internal/device"
	"github.com/mcules/vidi-runtime/internal/imaging"
	"github.com/mcules/vidi-runtime/internal/marking"
	"github.com/mcules/vidi-runtime/internal/tool"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

// Job is one tool execution.
type Job struct {
	Tool  tool.Snapshot
	Image *imaging.Image
	Views []imaging.Rect
	Lease *device.Lease
}

type Executor interface {
	Execute(ctx context.Context, job Job) (marking.Result, error)
}

// Handler computes the result of one tool family.
type Handler func(ctx context.Context, job Job) (marking.Result, error)

// Registry dispatches jobs to the handler registered for the tool kind.
type Registry struct {
	mu       sync.RWMutex
	handlers map[tool.Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[tool.Kind]Handler{}}
}

// Reference returns a registry with the built-in handlers.
func Reference() *Registry {
	r := NewRegistry()
	r.Register(tool.KindLocate, locate)
	r.Register(tool.KindClassify, classify)
	r.Register(tool.KindAnalyze, analyze)
	return r
}

func (r *Registry) Register(kind tool.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *Registry) Execute(ctx context.Context, job Job) (marking.Result, error) {
	r.mu.RLock()
	h, ok := r.handlers[job.Tool.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %s: no handler for %s: %w", job.Tool.Name, job.Tool.Kind, vidierr.ErrProcessing)
	}
	if err := imaging.CheckMask(job.Image, job.Tool.ROI.Mask); err != nil {
		return nil, fmt.Errorf("tool %s: %v: %w", job.Tool.Name, err, vidierr.ErrProcessing)
	}
	for _, p := range job.Tool.Params {
		for _, v := range p.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("tool %s: parameter %s is not finite: %w", job.Tool.Name, p.Name, vidierr.ErrNumericInstability)
			}
		}
	}
	return h(ctx, job)
}

// unit is an independent slice of work; each handler defines its own.
type unit struct {
	view int
	row  int
	px   int
}

// dispatch spreads units over the leased devices in contiguous chunks and
// runs fn for every unit on its chunk's device. fn must only write to
// storage owned by its unit. Cancellation is checked between units.
func dispatch(ctx context.Context, lease *device.Lease, units []unit, fn func(u unit)) error {
	if len(units) == 0 {
		return nil
	}
	parts := min(len(lease.Devices), len(units))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < parts; i++ {
		chunk := units[i*len(units)/parts : (i+1)*len(units)/parts]
		px := 0
		for _, u := range chunk {
			px += u.px
		}
		g.Go(func() error {
			return lease.Run(gctx, i, px, func() error {
				for _, u := range chunk {
					if err := gctx.Err(); err != nil {
						return err
					}
					fn(u)
				}
				return nil
			})
		})
	}
	return g.Wait()
}

// meanUnmasked returns the mean pixel value in r ignoring masked pixels,
// and the number of pixels used.
func meanUnmasked(img, mask *imaging.Image, r imaging.Rect) (float64, int) {
	var sum, n int
	for y := r.Y; y < r.Y+r.H; y++ {
		for x := r.X; x < r.X+r.W; x++ {
			if mask != nil && mask.At(x, y) != 0 {
				continue
			}
			sum += int(img.At(x, y))
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return float64(sum) / float64(n), n
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
