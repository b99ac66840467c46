package stream

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mcules/vidi-runtime/internal/tool"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

// Stream owns an insertion ordered set of tools whose upstream references
// form a DAG.
type Stream struct {
	name string

	mu    sync.RWMutex
	order []string
	tools map[string]*tool.Tool
}

func New(name string) *Stream {
	return &Stream{name: name, tools: map[string]*tool.Tool{}}
}

// FromSpecs builds a stream, adding tools in the given order.
func FromSpecs(name string, specs []tool.Spec) (*Stream, error) {
	s := New(name)
	for _, spec := range specs {
		if _, err := s.Add(spec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Restore rebuilds a persisted stream. Unlike FromSpecs it accepts tools
// in any order and keeps references to tools that are missing, so a stream
// saved with dangling references loads back as it was. Duplicate names and
// cycles are still rejected.
func Restore(name string, specs []tool.Spec) (*Stream, error) {
	s := New(name)
	for _, spec := range specs {
		t, err := tool.New(spec)
		if err != nil {
			return nil, err
		}
		if _, ok := s.tools[t.Name()]; ok {
			return nil, fmt.Errorf("stream %s: tool %s: %w", name, t.Name(), vidierr.ErrExists)
		}
		s.tools[t.Name()] = t
		s.order = append(s.order, t.Name())
	}
	for _, n := range s.order {
		for _, up := range s.tools[n].Upstream() {
			if s.reachesLocked(up, n) {
				return nil, fmt.Errorf("stream %s: tool %s: upstream %s forms a cycle: %w", name, n, up, vidierr.ErrInvalidToolReference)
			}
		}
	}
	return s, nil
}

func (s *Stream) Name() string { return s.name }

// Add creates a tool. Every upstream must already be in the stream.
func (s *Stream) Add(spec tool.Spec) (*tool.Tool, error) {
	t, err := tool.New(spec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tools[t.Name()]; ok {
		return nil, fmt.Errorf("stream %s: tool %s: %w", s.name, t.Name(), vidierr.ErrExists)
	}
	for _, up := range t.Upstream() {
		if _, ok := s.tools[up]; !ok {
			return nil, fmt.Errorf("stream %s: tool %s: upstream %s: %w", s.name, t.Name(), up, vidierr.ErrInvalidToolReference)
		}
		// A removed tool's name may still be referenced downstream; re-adding
		// it must not close a loop through those dangling references.
		if s.reachesLocked(up, t.Name()) {
			return nil, fmt.Errorf("stream %s: tool %s: upstream %s would create a cycle: %w", s.name, t.Name(), up, vidierr.ErrInvalidToolReference)
		}
	}

	s.tools[t.Name()] = t
	s.order = append(s.order, t.Name())
	return t, nil
}

// reachesLocked reports whether target is reachable from start by walking
// upstream references.
func (s *Stream) reachesLocked(start, target string) bool {
	seen := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		if t, ok := s.tools[n]; ok {
			stack = append(stack, t.Upstream()...)
		}
	}
	return false
}

// Remove deletes a tool. Downstream tools keep their reference and fail
// to process until a tool with that name is added again.
func (s *Stream) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[name]; !ok {
		return fmt.Errorf("stream %s: tool %s: %w", s.name, name, vidierr.ErrInvalidToolReference)
	}
	delete(s.tools, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	return nil
}

func (s *Stream) Tool(name string) (*tool.Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

func (s *Stream) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

func (s *Stream) Tools() []*tool.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*tool.Tool, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.tools[n])
	}
	return out
}

// Specs returns the declarative form of every tool in insertion order.
func (s *Stream) Specs() []tool.Spec {
	tools := s.Tools()
	out := make([]tool.Spec, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Spec())
	}
	return out
}
