package trace

import "strings"

// FilterSpec selects a subset of a trace's steps. An empty StepTypes set means
// no type restriction: it matches every step, never none. An empty spec is the
// identity filter.
type FilterSpec struct {
	StepTypes   []string `json:"step_types"`
	ShowErrors  bool     `json:"show_errors"`
	SearchQuery string   `json:"search_query"`
}

// IsZero reports whether the spec is the identity filter.
func (f FilterSpec) IsZero() bool {
	return len(f.StepTypes) == 0 && !f.ShowErrors && strings.TrimSpace(f.SearchQuery) == ""
}

// Matches reports whether a single step passes every predicate in the spec.
func (f FilterSpec) Matches(step Step) bool {
	if len(f.StepTypes) > 0 {
		found := false
		for _, stepType := range f.StepTypes {
			if strings.EqualFold(strings.TrimSpace(stepType), strings.TrimSpace(step.StepType)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ShowErrors && !step.HasError() {
		return false
	}
	if query := strings.TrimSpace(f.SearchQuery); query != "" {
		if !strings.Contains(strings.ToLower(step.Content), strings.ToLower(query)) {
			return false
		}
	}
	return true
}

// ApplyFilter returns the steps of t matching spec, preserving execution
// order. It is pure: t is never mutated, and repeated calls with different
// specs are independent. The result is a boolean predicate filter, not a
// ranked search.
func ApplyFilter(t *Trace, spec FilterSpec) []Step {
	if t == nil {
		return nil
	}
	matched := make([]Step, 0, len(t.Steps))
	for _, step := range t.Steps {
		if spec.Matches(step) {
			matched = append(matched, step)
		}
	}
	return matched
}
