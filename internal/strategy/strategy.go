// Package strategy holds the per-feature protection strategies and the
// handlers that translate detection events into overlay and content
// coordination.
package strategy

import (
	"fmt"
	"sync"
)

// Strategy is a single protection feature with an apply/remove
// lifecycle. Options changes are handled by the engine replacing the
// strategy instance, so Apply and Remove must be safe to call in pairs
// repeatedly.
type Strategy interface {
	Name() string
	Apply() error
	Remove() error
}

// Set is a named collection of applied strategies.
type Set struct {
	mu         sync.Mutex
	strategies map[string]Strategy
}

// NewSet creates an empty strategy set.
func NewSet() *Set {
	return &Set{strategies: make(map[string]Strategy)}
}

// Apply applies a strategy and records it. An already-present name is
// removed first so re-application is an idempotent replace.
func (s *Set) Apply(st Strategy) error {
	s.mu.Lock()
	prev := s.strategies[st.Name()]
	s.mu.Unlock()

	if prev != nil {
		if err := prev.Remove(); err != nil {
			return fmt.Errorf("replacing strategy %s: %w", st.Name(), err)
		}
	}

	if err := st.Apply(); err != nil {
		return fmt.Errorf("applying strategy %s: %w", st.Name(), err)
	}

	s.mu.Lock()
	s.strategies[st.Name()] = st
	s.mu.Unlock()
	return nil
}

// Remove removes a strategy by name.
func (s *Set) Remove(name string) error {
	s.mu.Lock()
	st, ok := s.strategies[name]
	delete(s.strategies, name)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return st.Remove()
}

// RemoveAll removes every applied strategy, returning the first error.
func (s *Set) RemoveAll() error {
	s.mu.Lock()
	all := make([]Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		all = append(all, st)
	}
	s.strategies = make(map[string]Strategy)
	s.mu.Unlock()

	var firstErr error
	for _, st := range all {
		if err := st.Remove(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Names returns the applied strategy names.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.strategies))
	for name := range s.strategies {
		names = append(names, name)
	}
	return names
}

// Len returns the number of applied strategies.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.strategies)
}
