package control

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/mcules/vidi-runtime/internal/activity"
	"github.com/mcules/vidi-runtime/internal/api"
	"github.com/mcules/vidi-runtime/internal/sample"
	"github.com/mcules/vidi-runtime/internal/store"
	"github.com/mcules/vidi-runtime/internal/stream"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

type workspaceSet struct {
	c  *Control
	mu sync.Mutex
	m  map[string]*Workspace
}

func newWorkspaceSet(c *Control) *workspaceSet {
	return &workspaceSet{c: c, m: map[string]*Workspace{}}
}

func (s *workspaceSet) Add(ctx context.Context, name, path string) (api.Workspace, error) {
	return s.add(ctx, &Workspace{c: s.c, name: name, path: path})
}

// AddBytes opens a workspace from memory. Saving it needs an explicit path.
func (s *workspaceSet) AddBytes(ctx context.Context, name string, data []byte) (api.Workspace, error) {
	return s.add(ctx, &Workspace{c: s.c, name: name, data: slices.Clone(data)})
}

func (s *workspaceSet) add(ctx context.Context, w *Workspace) (api.Workspace, error) {
	if err := s.c.enter(); err != nil {
		return nil, err
	}
	defer s.c.calls.Done()

	if w.name == "" {
		return nil, fmt.Errorf("workspace name is empty: %w", vidierr.ErrState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[w.name]; ok {
		return nil, fmt.Errorf("workspace %s: %w", w.name, vidierr.ErrExists)
	}
	if err := w.Open(ctx); err != nil {
		return nil, err
	}
	s.m[w.name] = w
	return w, nil
}

func (s *workspaceSet) Get(ctx context.Context, name string) (api.Workspace, error) {
	return s.get(name)
}

func (s *workspaceSet) get(name string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.m[name]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", name, vidierr.ErrNotFound)
	}
	return w, nil
}

func (s *workspaceSet) Names(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.m))
	for n := range s.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// Remove closes the workspace and forgets it.
func (s *workspaceSet) Remove(ctx context.Context, name string) error {
	w, err := s.get(name)
	if err != nil {
		return err
	}
	if err := w.Close(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.m, name)
	s.mu.Unlock()
	return nil
}

func (s *workspaceSet) closeAll() error {
	s.mu.Lock()
	ws := make([]*Workspace, 0, len(s.m))
	for _, w := range s.m {
		ws = append(ws, w)
	}
	s.mu.Unlock()

	var errs []error
	for _, w := range ws {
		if err := w.Close(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Workspace is a named set of streams backed by a workspace file.
type Workspace struct {
	c    *Control
	name string
	path string
	data []byte

	mu      sync.Mutex
	file    *store.File
	streams map[string]*stream.Stream
	order   []string
	samples map[string]*sample.Sample
}

var _ api.Workspace = (*Workspace)(nil)

func (w *Workspace) Name() string { return w.name }

func (w *Workspace) IsOpen(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file != nil, nil
}

// Open loads the streams. Opening an open workspace is a no-op.
func (w *Workspace) Open(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return nil
	}

	var f *store.File
	var err error
	if w.data != nil {
		f, err = store.OpenBytes(w.data)
	} else {
		f, err = store.Open(w.path)
	}
	if err != nil {
		return fmt.Errorf("workspace %s: %w", w.name, err)
	}
	doc, err := f.Load(ctx)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("workspace %s: load: %w", w.name, err)
	}

	streams := map[string]*stream.Stream{}
	var order []string
	for _, sd := range doc.Streams {
		s, err := stream.Restore(sd.Name, sd.Tools)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("workspace %s: %w", w.name, err)
		}
		streams[sd.Name] = s
		order = append(order, sd.Name)
	}

	w.file, w.streams, w.order = f, streams, order
	w.samples = map[string]*sample.Sample{}
	w.c.act.Add(activity.Event{Type: activity.EventWorkspaceOpened, Note: w.name})
	return nil
}

// Close releases the streams and every sample created from them. It fails
// with ErrState while any of those samples is being processed.
func (w *Workspace) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	// Closing the samples atomically rejects any call that starts after
	// this point, so a sample cannot begin processing mid close.
	ss := make([]*sample.Sample, 0, len(w.samples))
	for _, s := range w.samples {
		ss = append(ss, s)
	}
	if err := sample.CloseAll(ss); err != nil {
		return fmt.Errorf("workspace %s: %w", w.name, err)
	}
	err := w.file.Close()
	w.file, w.streams, w.order, w.samples = nil, nil, nil, nil
	w.c.act.Add(activity.Event{Type: activity.EventWorkspaceClosed, Note: w.name})
	return err
}

func (w *Workspace) Save(ctx context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return w.notOpen()
	}

	doc := store.Doc{}
	for _, n := range w.order {
		doc.Streams = append(doc.Streams, store.StreamDoc{Name: n, Tools: w.streams[n].Specs()})
	}

	if path == "" || path == w.path {
		if w.data != nil {
			return fmt.Errorf("workspace %s was opened from memory, save needs a path: %w", w.name, vidierr.ErrState)
		}
		return w.file.Save(ctx, doc)
	}
	f, err := store.Open(path)
	if err != nil {
		return err
	}
	if err := f.Save(ctx, doc); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (w *Workspace) StreamNames(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil, w.notOpen()
	}
	return slices.Clone(w.order), nil
}

func (w *Workspace) Stream(ctx context.Context, name string) (api.Stream, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil, w.notOpen()
	}
	s, ok := w.streams[name]
	if !ok {
		return nil, fmt.Errorf("workspace %s: stream %s: %w", w.name, name, vidierr.ErrNotFound)
	}
	return &Stream{ws: w, s: s}, nil
}

func (w *Workspace) CreateStream(ctx context.Context, name string) (api.Stream, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil, w.notOpen()
	}
	if _, ok := w.streams[name]; ok || name == "" {
		return nil, fmt.Errorf("workspace %s: stream %q: %w", w.name, name, vidierr.ErrExists)
	}
	s := stream.New(name)
	w.streams[name] = s
	w.order = append(w.order, name)
	return &Stream{ws: w, s: s}, nil
}

func (w *Workspace) track(s *sample.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return w.notOpen()
	}
	w.samples[s.ID()] = s
	return nil
}

func (w *Workspace) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.samples, id)
}

func (w *Workspace) notOpen() error {
	return fmt.Errorf("workspace %s is not open: %w", w.name, vidierr.ErrState)
}
