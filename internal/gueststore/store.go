// Package gueststore holds traces for unauthenticated sessions. Everything
// lives in process memory and disappears with it: nothing a guest uploads is
// ever written to durable storage or shared with other sessions.
package gueststore

import (
	"sync"

	"github.com/agenttrace/agenttrace/internal/trace"
)

// DefaultCapacity bounds how many traces a guest session retains before the
// oldest is evicted.
const DefaultCapacity = 20

// Store is a bounded, insertion-ordered trace store. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	capacity int
	order    []string
	traces   map[string]*trace.Trace
}

// New returns an empty store holding at most capacity traces. A capacity of
// zero or less falls back to DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		traces:   make(map[string]*trace.Trace),
	}
}

// Save inserts or replaces a trace. Replacing keeps the trace's original slot
// in insertion order. When a new trace pushes the store past capacity, the
// oldest trace is evicted. Guest traces are never public regardless of what
// the caller set.
func (s *Store) Save(t *trace.Trace) {
	if t == nil || t.ID == "" {
		return
	}
	t.IsPublic = false
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata["guest"] = true

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.traces[t.ID]; exists {
		s.traces[t.ID] = t
		return
	}

	s.order = append(s.order, t.ID)
	s.traces[t.ID] = t
	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.traces, oldest)
	}
}

// Get returns the trace with the given ID, or nil when absent.
func (s *Store) Get(id string) *trace.Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traces[id]
}

// List returns all retained traces in insertion order.
func (s *Store) List() []*trace.Trace {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*trace.Trace, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.traces[id])
	}
	return out
}

// Delete removes a trace. Removing an absent ID is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.traces[id]; !exists {
		return
	}
	delete(s.traces, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Len reports how many traces are currently retained.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// FindStepText searches retained traces for steps whose content or error text
// contains the query, scanning traces in insertion order and steps in
// execution order. Result count and snippets follow the same rules as the
// remote search endpoint.
func (s *Store) FindStepText(query string) []trace.SearchResult {
	return trace.SearchTraces(s.List(), query)
}
