// Package ai produces step analyses with an OpenAI chat model.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agenttrace/agenttrace/internal/trace"
)

const (
	DefaultModel = "gpt-4o-mini"

	// completionTemperature keeps analyses consistent across reruns of the
	// same step.
	completionTemperature = 0.3
	completionMaxTokens   = 500

	// contextSteps is how many preceding steps are included in the prompt.
	contextSteps = 3
)

var ErrDisabled = errors.New("ai analysis is disabled")
var ErrStepNotFound = errors.New("step not found in trace")

// allowedModels is the closed set of models an operator can configure.
var allowedModels = map[string]struct{}{
	"gpt-4o-mini":   {},
	"gpt-3.5-turbo": {},
}

type Options struct {
	// APIKey enables the analyzer. Empty means AI analysis is off.
	APIKey string
	// Model must be one of the allowed models; empty selects DefaultModel.
	Model string
	// BaseURL overrides the OpenAI endpoint, mainly for tests.
	BaseURL string
}

type Analyzer struct {
	client *openai.Client
	model  string
}

// NewAnalyzer builds an analyzer from operator config. A missing API key
// yields a disabled analyzer, not an error, so deployments without AI stay
// valid.
func NewAnalyzer(options Options) (*Analyzer, error) {
	if strings.TrimSpace(options.APIKey) == "" {
		return &Analyzer{}, nil
	}

	model := strings.TrimSpace(options.Model)
	if model == "" {
		model = DefaultModel
	}
	if _, ok := allowedModels[model]; !ok {
		return nil, fmt.Errorf("unsupported analysis model %q", model)
	}

	cfg := openai.DefaultConfig(options.APIKey)
	if options.BaseURL != "" {
		cfg.BaseURL = options.BaseURL
	}
	return &Analyzer{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// Enabled reports whether the analyzer can serve requests.
func (a *Analyzer) Enabled() bool {
	return a != nil && a.client != nil
}

// Model returns the configured model name, empty when disabled.
func (a *Analyzer) Model() string {
	if !a.Enabled() {
		return ""
	}
	return a.model
}

// AnalyzeStep asks the model what went on in one step of a trace. The model
// is asked for structured JSON; when it answers with anything else the raw
// text becomes the summary rather than failing the request.
func (a *Analyzer) AnalyzeStep(ctx context.Context, t *trace.Trace, stepID string) (*trace.Analysis, error) {
	if !a.Enabled() {
		return nil, ErrDisabled
	}
	step := t.Step(stepID)
	if step == nil {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	return a.complete(ctx, buildPrompt(t, step))
}

// AnalyzeError analyzes a bare error message with no surrounding trace, for
// callers who have only the message, for example an error pasted from a log.
func (a *Analyzer) AnalyzeError(ctx context.Context, message, note string) (*trace.Analysis, error) {
	if !a.Enabled() {
		return nil, ErrDisabled
	}

	var b strings.Builder
	if note != "" {
		fmt.Fprintf(&b, "Context: %s\n", clip(note, 500))
	}
	fmt.Fprintf(&b, "Error under analysis:\n%s\n", clip(message, 1500))
	return a.complete(ctx, b.String())
}

func (a *Analyzer) complete(ctx context.Context, prompt string) (*trace.Analysis, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: completionTemperature,
		MaxTokens:   completionMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("analysis completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("analysis completion returned no choices")
	}

	analysis := parseCompletion(resp.Choices[0].Message.Content)
	analysis.ModelUsed = a.model
	analysis.CreatedAt = time.Now().UTC()
	return analysis, nil
}

const systemPrompt = `You are an expert at debugging AI agent execution traces.
Given one step of a trace, explain what happened and how to fix any problem.
Respond with a JSON object holding exactly these keys:
"summary", "root_cause", "suggested_fix". Keep each value short and concrete.`

func buildPrompt(t *trace.Trace, step *trace.Step) string {
	var b strings.Builder

	index := -1
	for i := range t.Steps {
		if t.Steps[i].ID == step.ID {
			index = i
			break
		}
	}
	if index > 0 {
		b.WriteString("Preceding steps:\n")
		start := index - contextSteps
		if start < 0 {
			start = 0
		}
		for _, previous := range t.Steps[start:index] {
			fmt.Fprintf(&b, "- [%s] %s\n", previous.StepType, clip(previous.Content, 200))
			if previous.Error != "" {
				fmt.Fprintf(&b, "  error: %s\n", clip(previous.Error, 200))
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Step under analysis:\ntype: %s\ncontent: %s\n", step.StepType, clip(step.Content, 1500))
	if step.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", clip(step.Error, 500))
	}
	if len(step.Inputs) > 0 {
		if raw, err := json.Marshal(step.Inputs); err == nil {
			fmt.Fprintf(&b, "inputs: %s\n", clip(string(raw), 500))
		}
	}
	if len(step.Outputs) > 0 {
		if raw, err := json.Marshal(step.Outputs); err == nil {
			fmt.Fprintf(&b, "outputs: %s\n", clip(string(raw), 500))
		}
	}
	if step.DurationMS > 0 {
		fmt.Fprintf(&b, "duration_ms: %d\n", step.DurationMS)
	}
	return b.String()
}

// clip truncates to at most limit runes. Cutting on a byte index could split
// a multi-byte rune and leave invalid UTF-8 in the prompt.
func clip(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

// parseCompletion decodes the model's JSON answer, tolerating markdown code
// fences. Unparseable answers degrade to a summary-only analysis.
func parseCompletion(content string) *trace.Analysis {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var decoded struct {
		Summary      string `json:"summary"`
		RootCause    string `json:"root_cause"`
		SuggestedFix string `json:"suggested_fix"`
	}
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil && decoded.Summary != "" {
		return &trace.Analysis{
			Summary:      decoded.Summary,
			RootCause:    decoded.RootCause,
			SuggestedFix: decoded.SuggestedFix,
		}
	}

	return &trace.Analysis{
		Summary:      clip(strings.TrimSpace(content), 1000),
		RootCause:    "not determined",
		SuggestedFix: "review the step manually",
	}
}
