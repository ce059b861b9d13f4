package trace

import (
	"strings"
	"time"
)

// Step is one recorded event inside an agent execution trace. StepType is an
// open string tag: the well-known values are thought, action, observation and
// error, but producers are free to invent new kinds and readers must degrade
// gracefully rather than reject them.
type Step struct {
	ID         string         `json:"id"`
	StepType   string         `json:"step_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Content    string         `json:"content"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	TokensUsed int            `json:"tokens_used,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (s Step) HasError() bool {
	return strings.TrimSpace(s.Error) != ""
}

// Trace is a single agent execution: an ordered sequence of steps plus
// statistics derived from them at ingestion time. Traces are read-only after
// ingestion; ErrorCount and the totals must stay consistent with Steps.
type Trace struct {
	ID              string         `json:"id"`
	Name            string         `json:"name,omitempty"`
	Description     string         `json:"description,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	Steps           []Step         `json:"steps"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	TotalDurationMS int64          `json:"total_duration_ms,omitempty"`
	TotalTokens     int            `json:"total_tokens,omitempty"`
	ErrorCount      int            `json:"error_count"`
	UserID          string         `json:"user_id,omitempty"`
	IsPublic        bool           `json:"is_public"`
}

// Step returns the step with the given id, or nil when the trace has none.
func (t *Trace) Step(stepID string) *Step {
	if t == nil {
		return nil
	}
	for i := range t.Steps {
		if t.Steps[i].ID == stepID {
			return &t.Steps[i]
		}
	}
	return nil
}

// IsGuest reports whether the trace was ingested through a guest path.
func (t *Trace) IsGuest() bool {
	if t == nil || t.Metadata == nil {
		return false
	}
	guest, _ := t.Metadata["guest"].(bool)
	return guest
}

// Display categories steps fold into for presentation. Unknown and empty step
// types map to CategoryGeneric so new producers never break the viewer.
const (
	CategoryThought     = "thought"
	CategoryAction      = "action"
	CategoryObservation = "observation"
	CategoryError       = "error"
	CategoryGeneric     = "step"
)

// DisplayCategory maps any step type tag to a display category. The mapping is
// total: every input, including the empty string, yields a usable category.
func DisplayCategory(stepType string) string {
	switch strings.ToLower(strings.TrimSpace(stepType)) {
	case "thought", "thinking", "reasoning":
		return CategoryThought
	case "action", "tool_call", "tool":
		return CategoryAction
	case "observation", "result", "tool_result":
		return CategoryObservation
	case "error":
		return CategoryError
	default:
		return CategoryGeneric
	}
}

// SavedFilter is a named filter preset owned by an authenticated account.
// Guest sessions have no saved filters at all.
type SavedFilter struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Filters   FilterSpec `json:"filters"`
	CreatedAt time.Time  `json:"created_at"`
}

// Analysis is an AI-generated diagnosis of one error step, keyed by
// (trace, step). A force refresh replaces the current analysis in place; no
// history is kept.
type Analysis struct {
	Summary      string    `json:"summary"`
	RootCause    string    `json:"root_cause"`
	SuggestedFix string    `json:"suggested_fix"`
	ModelUsed    string    `json:"model_used,omitempty"`
	Cached       bool      `json:"cached"`
	CreatedAt    time.Time `json:"created_at"`
}
