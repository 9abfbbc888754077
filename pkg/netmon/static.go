package netmon

import (
	"context"
	"sync"
)

// Static is a Platform driven by Set. Apps that receive OS callbacks
// themselves forward them to Set.
type Static struct {
	mu       sync.Mutex
	state    bool
	watchers map[int]func(bool)
	nextID   int

	// WatchErr, if set, is returned by Watch.
	WatchErr error
}

func NewStatic(connected bool) *Static {
	return &Static{state: connected, watchers: make(map[int]func(bool))}
}

func (s *Static) Set(connected bool) {
	s.mu.Lock()
	s.state = connected
	fns := make([]func(bool), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

// Watchers returns the number of installed listeners.
func (s *Static) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *Static) Watch(fn func(bool)) (func(), error) {
	if s.WatchErr != nil {
		return nil, s.WatchErr
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}, nil
}

func (s *Static) Fetch(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}
