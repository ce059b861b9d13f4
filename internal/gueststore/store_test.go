package gueststore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/agenttrace/agenttrace/internal/trace"
)

func newTrace(id, content string) *trace.Trace {
	return &trace.Trace{
		ID:    id,
		Name:  "trace " + id,
		Steps: []trace.Step{{ID: id + "-s1", StepType: "action", Content: content}},
	}
}

func listIDs(s *Store) []string {
	traces := s.List()
	ids := make([]string, 0, len(traces))
	for _, t := range traces {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestSaveAndGet(t *testing.T) {
	t.Parallel()

	s := New(5)
	s.Save(newTrace("a", "hello"))

	got := s.Get("a")
	if got == nil || got.ID != "a" {
		t.Fatalf("Get(a) = %+v", got)
	}
	if s.Get("missing") != nil {
		t.Fatal("Get of an absent ID should return nil")
	}
}

func TestSaveForcesPrivateGuestTrace(t *testing.T) {
	t.Parallel()

	s := New(5)
	uploaded := newTrace("a", "hello")
	uploaded.IsPublic = true
	s.Save(uploaded)

	got := s.Get("a")
	if got.IsPublic {
		t.Fatal("guest traces must never be public")
	}
	if !got.IsGuest() {
		t.Fatalf("guest marker missing from metadata: %+v", got.Metadata)
	}
}

func TestFIFOEviction(t *testing.T) {
	t.Parallel()

	s := New(3)
	for _, id := range []string{"a", "b", "c"} {
		s.Save(newTrace(id, "x"))
	}
	s.Save(newTrace("d", "x"))

	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	if s.Get("a") != nil {
		t.Fatal("oldest trace should have been evicted")
	}
	want := []string{"b", "c", "d"}
	got := listIDs(s)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List order %v, want %v", got, want)
		}
	}
}

func TestReplaceKeepsSlot(t *testing.T) {
	t.Parallel()

	s := New(3)
	for _, id := range []string{"a", "b", "c"} {
		s.Save(newTrace(id, "v1"))
	}
	s.Save(newTrace("a", "v2"))

	got := listIDs(s)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replace moved the trace: order %v, want %v", got, want)
		}
	}
	if s.Get("a").Steps[0].Content != "v2" {
		t.Fatal("replace did not update the stored trace")
	}

	// The replaced trace keeps its age: a is still the eviction candidate.
	s.Save(newTrace("d", "x"))
	if s.Get("a") != nil {
		t.Fatal("replaced trace should still be evicted first")
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	s := New(3)
	s.Save(newTrace("a", "x"))
	s.Save(newTrace("b", "x"))

	s.Delete("a")
	if s.Get("a") != nil || s.Len() != 1 {
		t.Fatalf("delete failed: len=%d", s.Len())
	}
	s.Delete("absent")
	if s.Len() != 1 {
		t.Fatal("deleting an absent ID should be a no-op")
	}
}

func TestFindStepText(t *testing.T) {
	t.Parallel()

	s := New(10)
	s.Save(newTrace("a", "calling the weather API"))
	s.Save(newTrace("b", "nothing relevant"))
	errored := newTrace("c", "observing")
	errored.Steps[0].Error = "weather service unavailable"
	s.Save(errored)

	results := s.FindStepText("weather")
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2: %+v", len(results), results)
	}
	if results[0].TraceID != "a" || results[1].TraceID != "c" {
		t.Fatalf("results out of insertion order: %+v", results)
	}
	if results[1].Snippet != "weather service unavailable" {
		t.Fatalf("error snippet = %q", results[1].Snippet)
	}

	if got := s.FindStepText("absent"); len(got) != 0 {
		t.Fatalf("expected no results, got %+v", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New(8)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i%10)
			s.Save(newTrace(id, "payload"))
			s.Get(id)
			s.List()
			s.FindStepText("payload")
		}(i)
	}
	wg.Wait()

	if s.Len() > 8 {
		t.Fatalf("Len = %d exceeds capacity", s.Len())
	}
}

func TestZeroCapacityFallsBackToDefault(t *testing.T) {
	t.Parallel()

	s := New(0)
	for i := 0; i < DefaultCapacity+5; i++ {
		s.Save(newTrace(fmt.Sprintf("t%d", i), "x"))
	}
	if s.Len() != DefaultCapacity {
		t.Fatalf("Len = %d, want %d", s.Len(), DefaultCapacity)
	}
}
