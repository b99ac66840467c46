// Package sample binds one input image to a stream and owns the markings
// computed for it.
package sample

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mcules/vidi-runtime/internal/imaging"
	"github.com/mcules/vidi-runtime/internal/marking"
	"github.com/mcules/vidi-runtime/internal/stream"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

// Sample is safe for concurrent use. Processing calls on one sample are
// serialized; different samples are independent.
type Sample struct {
	id     string
	stream *stream.Stream
	cache  *marking.Cache

	// run is held for the duration of one processing call.
	run sync.Mutex

	mu       sync.Mutex
	image    *imaging.Image
	inFlight int
	closed   bool
}

func New(s *stream.Stream, img *imaging.Image) (*Sample, error) {
	if s == nil {
		return nil, fmt.Errorf("sample: nil stream: %w", vidierr.ErrState)
	}
	if img == nil {
		return nil, fmt.Errorf("sample: nil image: %w", vidierr.ErrProcessing)
	}
	return &Sample{
		id:     uuid.NewString(),
		stream: s,
		cache:  marking.NewCache(),
		image:  img,
	}, nil
}

func (s *Sample) ID() string             { return s.id }
func (s *Sample) Stream() *stream.Stream { return s.stream }

// Image returns the input image, or ErrState once the sample is closed.
func (s *Sample) Image() (*imaging.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.closedErr()
	}
	return s.image, nil
}

// Acquire registers a processing call and blocks until every earlier call
// on this sample has finished. The returned func must be called exactly
// once; it releases the sample to the next caller.
func (s *Sample) Acquire() (release func(), err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.closedErr()
	}
	s.inFlight++
	s.mu.Unlock()

	s.run.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.run.Unlock()
			s.mu.Lock()
			s.inFlight--
			s.mu.Unlock()
		})
	}, nil
}

// Cache is the marking cache. Only the engine writes to it, and only while
// holding the sample via Acquire.
func (s *Sample) Cache() *marking.Cache { return s.cache }

// Markings returns a copy of every cached marking keyed by tool name.
func (s *Sample) Markings() (map[string]marking.Marking, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, s.closedErr()
	}
	return s.cache.All(), nil
}

func (s *Sample) Marking(tool string) (marking.Marking, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return marking.Marking{}, s.closedErr()
	}
	m, ok := s.cache.Get(tool)
	if !ok {
		return marking.Marking{}, fmt.Errorf("sample %s: no marking for %s: %w", s.id, tool, vidierr.ErrNotFound)
	}
	return m, nil
}

// InFlight reports the number of processing calls running or waiting.
func (s *Sample) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Close releases the image and every marking. It fails with ErrState while
// a processing call is in flight. Closing twice is a no-op.
func (s *Sample) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.inFlight > 0 {
		return fmt.Errorf("sample %s: %d processing call(s) in flight: %w", s.id, s.inFlight, vidierr.ErrState)
	}
	s.closed = true
	s.image = nil
	s.cache.Clear()
	return nil
}

// CloseAll closes every sample in ss, or none of them: if any sample has
// a processing call in flight it returns ErrState and leaves all open.
func CloseAll(ss []*Sample) error {
	ss = slices.Clone(ss)
	slices.SortFunc(ss, func(a, b *Sample) int { return strings.Compare(a.id, b.id) })
	for _, s := range ss {
		s.mu.Lock()
	}
	defer func() {
		for _, s := range ss {
			s.mu.Unlock()
		}
	}()
	for _, s := range ss {
		if !s.closed && s.inFlight > 0 {
			return fmt.Errorf("sample %s: %d processing call(s) in flight: %w", s.id, s.inFlight, vidierr.ErrState)
		}
	}
	for _, s := range ss {
		s.closed = true
		s.image = nil
		s.cache.Clear()
	}
	return nil
}

func (s *Sample) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Sample) closedErr() error {
	return fmt.Errorf("sample %s is closed: %w", s.id, vidierr.ErrState)
}
