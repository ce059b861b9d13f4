package trace

import "strings"

const (
	// SearchResultLimit caps every step-text search, guest or remote.
	SearchResultLimit = 50
	snippetMaxLen     = 200
)

// SearchResult identifies one matching step plus display context. Selecting a
// result yields the (TraceID, StepID) pair the viewer navigates to.
type SearchResult struct {
	TraceID   string `json:"trace_id"`
	StepID    string `json:"step_id"`
	Snippet   string `json:"snippet"`
	TraceName string `json:"trace_name,omitempty"`
}

// MatchStep tests a step against a search query. A match is a
// case-insensitive substring hit on Content or, failing that, Error; the
// returned snippet is the leading 200 characters of whichever field matched,
// with an ellipsis marker when truncated.
func MatchStep(step Step, query string) (string, bool) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return "", false
	}
	if step.Content != "" && strings.Contains(strings.ToLower(step.Content), needle) {
		return snippet(step.Content), true
	}
	if step.Error != "" && strings.Contains(strings.ToLower(step.Error), needle) {
		return snippet(step.Error), true
	}
	return "", false
}

// SearchTraces linearly scans traces in the order given, then each trace's
// steps in execution order, returning the first SearchResultLimit matches.
// This is a first-N scan, not a ranked search.
func SearchTraces(traces []*Trace, query string) []SearchResult {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	results := make([]SearchResult, 0)
	for _, t := range traces {
		if t == nil {
			continue
		}
		for _, step := range t.Steps {
			text, ok := MatchStep(step, query)
			if !ok {
				continue
			}
			results = append(results, SearchResult{
				TraceID:   t.ID,
				StepID:    step.ID,
				Snippet:   text,
				TraceName: t.Name,
			})
			if len(results) >= SearchResultLimit {
				return results
			}
		}
	}
	return results
}

// snippet truncates to at most snippetMaxLen runes. A byte-index cut could
// split a multi-byte rune and hand back invalid UTF-8.
func snippet(text string) string {
	if len(text) <= snippetMaxLen {
		return text
	}
	runes := []rune(text)
	if len(runes) <= snippetMaxLen {
		return text
	}
	return string(runes[:snippetMaxLen]) + "..."
}
