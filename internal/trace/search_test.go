package trace

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestMatchStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		step        Step
		query       string
		wantSnippet string
		wantMatch   bool
	}{
		{
			name:        "content substring",
			step:        Step{Content: "Calling the weather API"},
			query:       "weather",
			wantSnippet: "Calling the weather API",
			wantMatch:   true,
		},
		{
			name:        "case-insensitive",
			step:        Step{Content: "Calling the Weather API"},
			query:       "wEaTheR",
			wantSnippet: "Calling the Weather API",
			wantMatch:   true,
		},
		{
			name:        "error text matches when content does not",
			step:        Step{Content: "retrying", Error: "connection refused"},
			query:       "refused",
			wantSnippet: "connection refused",
			wantMatch:   true,
		},
		{
			name:        "content wins over error",
			step:        Step{Content: "timeout while reading", Error: "timeout"},
			query:       "timeout",
			wantSnippet: "timeout while reading",
			wantMatch:   true,
		},
		{
			name:      "no match",
			step:      Step{Content: "thinking", Error: "none"},
			query:     "weather",
			wantMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			snippet, ok := MatchStep(tt.step, tt.query)
			if ok != tt.wantMatch {
				t.Fatalf("MatchStep matched = %v, want %v", ok, tt.wantMatch)
			}
			if ok && snippet != tt.wantSnippet {
				t.Fatalf("snippet = %q, want %q", snippet, tt.wantSnippet)
			}
		})
	}
}

func TestMatchStepSnippetTruncation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 180) + "needle" + strings.Repeat("y", 100)
	snippet, ok := MatchStep(Step{Content: long}, "needle")
	if !ok {
		t.Fatal("expected a match")
	}
	if len(snippet) != snippetMaxLen+3 {
		t.Fatalf("snippet length = %d, want %d", len(snippet), snippetMaxLen+3)
	}
	if !strings.HasSuffix(snippet, "...") {
		t.Fatalf("truncated snippet %q missing ellipsis", snippet)
	}

	short, ok := MatchStep(Step{Content: "short needle"}, "needle")
	if !ok {
		t.Fatal("expected a match")
	}
	if strings.HasSuffix(short, "...") {
		t.Fatalf("short snippet %q should not carry an ellipsis", short)
	}
}

func TestMatchStepSnippetKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	long := "nadel " + strings.Repeat("ü", snippetMaxLen*2)
	snippet, ok := MatchStep(Step{Content: long}, "nadel")
	if !ok {
		t.Fatal("expected a match")
	}
	if !utf8.ValidString(snippet) {
		t.Fatalf("snippet %q is not valid UTF-8", snippet)
	}
	if got := utf8.RuneCountInString(strings.TrimSuffix(snippet, "...")); got != snippetMaxLen {
		t.Fatalf("snippet holds %d runes, want %d", got, snippetMaxLen)
	}
}

func TestSearchTracesOrderAndCap(t *testing.T) {
	t.Parallel()

	traces := make([]*Trace, 0, 3)
	for i := 0; i < 3; i++ {
		trace := &Trace{ID: fmt.Sprintf("trace-%d", i), Name: fmt.Sprintf("run %d", i)}
		for j := 0; j < 30; j++ {
			trace.Steps = append(trace.Steps, Step{
				ID:      fmt.Sprintf("t%d-s%d", i, j),
				Content: "needle in step",
			})
		}
		traces = append(traces, trace)
	}

	results := SearchTraces(traces, "needle")
	if len(results) != SearchResultLimit {
		t.Fatalf("got %d results, want cap of %d", len(results), SearchResultLimit)
	}
	if results[0].TraceID != "trace-0" || results[0].StepID != "t0-s0" {
		t.Fatalf("first result %+v, want first step of first trace", results[0])
	}
	// 30 matches from trace-0, then the first 20 from trace-1.
	last := results[len(results)-1]
	if last.TraceID != "trace-1" || last.StepID != "t1-s19" {
		t.Fatalf("last result %+v, want t1-s19", last)
	}
	if results[0].TraceName != "run 0" {
		t.Fatalf("trace name not carried: %+v", results[0])
	}
}

func TestSearchTracesEmptyAndMiss(t *testing.T) {
	t.Parallel()

	traces := []*Trace{{ID: "t", Steps: []Step{{ID: "s", Content: "hello"}}}}
	if got := SearchTraces(traces, "absent"); len(got) != 0 {
		t.Fatalf("expected no results, got %v", got)
	}
	if got := SearchTraces(nil, "hello"); len(got) != 0 {
		t.Fatalf("expected no results for no traces, got %v", got)
	}
}
