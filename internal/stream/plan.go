package stream

import (
	"fmt"

	"github.com/mcules/vidi-runtime/internal/tool"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

// Step is one tool of a processing plan with the stamp its result must
// carry to be considered fresh.
type Step struct {
	Tool  tool.Snapshot
	Stamp tool.Stamp
}

// Plan resolves the upstream closure of target and orders it ancestors
// first. An empty target plans every tool in the stream. Tool snapshots
// and stamps are taken once, so the plan is stable against concurrent
// parameter changes.
func (s *Stream) Plan(target string) ([]Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roots := s.order
	if target != "" {
		if _, ok := s.tools[target]; !ok {
			return nil, fmt.Errorf("stream %s: tool %s: %w", s.name, target, vidierr.ErrInvalidToolReference)
		}
		roots = []string{target}
	}

	w := &walker{
		s:      s,
		stamps: map[string]tool.Stamp{},
		onPath: map[string]bool{},
	}
	for _, r := range roots {
		if _, err := w.visit(r); err != nil {
			return nil, err
		}
	}
	return w.steps, nil
}

type walker struct {
	s      *Stream
	stamps map[string]tool.Stamp
	onPath map[string]bool
	steps  []Step
}

// visit walks upstream depth first and appends in post-order. The stamps
// map doubles as the memo set so shared ancestors are walked once.
func (w *walker) visit(name string) (tool.Stamp, error) {
	if st, ok := w.stamps[name]; ok {
		return st, nil
	}
	if w.onPath[name] {
		return nil, fmt.Errorf("stream %s: cycle through %s: %w", w.s.name, name, vidierr.ErrInvalidToolReference)
	}
	t, ok := w.s.tools[name]
	if !ok {
		return nil, fmt.Errorf("stream %s: tool %s: %w", w.s.name, name, vidierr.ErrInvalidToolReference)
	}

	w.onPath[name] = true
	defer delete(w.onPath, name)

	snap := t.Snapshot()
	parts := []tool.Stamp{{{Tool: snap.Name, ID: snap.ID, Revision: snap.Revision}}}
	for _, up := range snap.Upstream {
		st, err := w.visit(up)
		if err != nil {
			return nil, fmt.Errorf("upstream of %s: %w", name, err)
		}
		parts = append(parts, st)
	}

	stamp := tool.Merge(parts...)
	w.stamps[name] = stamp
	w.steps = append(w.steps, Step{Tool: snap, Stamp: stamp})
	return stamp, nil
}
