package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidLog = errors.New("trace log format is invalid")

// ParseJSON decodes raw JSON and ingests it via Parse.
func ParseJSON(raw []byte) (*Trace, error) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode trace log: %w", err)
	}
	return Parse(data)
}

// Parse ingests a raw agent log into a structured Trace. Accepted shapes:
// an object carrying a "steps" array, a bare array of step objects, or a
// single step object. Field names vary across agent frameworks, so several
// aliases are recognized per field. Derived statistics (error count, token
// and duration totals) are computed here and nowhere else.
func Parse(data any) (*Trace, error) {
	var rawSteps []any

	switch typed := data.(type) {
	case map[string]any:
		if steps, ok := typed["steps"].([]any); ok {
			rawSteps = steps
		} else {
			rawSteps = []any{typed}
		}
	case []any:
		rawSteps = typed
	default:
		return nil, ErrInvalidLog
	}

	now := time.Now().UTC()
	steps := make([]Step, 0, len(rawSteps))
	var totalDuration int64
	totalTokens := 0
	errorCount := 0

	for _, rawStep := range rawSteps {
		stepData, ok := rawStep.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: step entries must be objects", ErrInvalidLog)
		}

		step := Step{
			ID:         stringField(stepData, "id"),
			StepType:   stringField(stepData, "type", "step_type"),
			Content:    stringField(stepData, "content", "message"),
			Error:      stringField(stepData, "error", "error_message"),
			DurationMS: intField(stepData, "duration_ms", "duration"),
			TokensUsed: int(intField(stepData, "tokens_used", "tokens")),
			Inputs:     mappingField(stepData, "inputs", "input"),
			Outputs:    mappingField(stepData, "outputs", "output"),
			Metadata:   mappingField(stepData, "metadata"),
		}
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		if step.StepType == "" {
			step.StepType = "unknown"
		}
		if step.Content == "" {
			// Keep something inspectable for steps that carry no content field.
			encoded, err := json.Marshal(stepData)
			if err == nil {
				step.Content = string(encoded)
			}
		}

		step.Timestamp = now
		if rawTimestamp, ok := firstField(stepData, "timestamp", "time"); ok {
			if parsed, err := parseTimestamp(rawTimestamp); err == nil {
				step.Timestamp = parsed
			}
		}

		steps = append(steps, step)

		totalDuration += step.DurationMS
		totalTokens += step.TokensUsed
		if step.HasError() {
			errorCount++
		}
	}

	// When no step reports a duration, derive the total from the span between
	// the first and last timestamps.
	if totalDuration == 0 && len(steps) > 1 {
		span := steps[len(steps)-1].Timestamp.Sub(steps[0].Timestamp)
		if span > 0 {
			totalDuration = span.Milliseconds()
		}
	}

	return &Trace{
		ID:              uuid.NewString(),
		CreatedAt:       now,
		Steps:           steps,
		TotalDurationMS: totalDuration,
		TotalTokens:     totalTokens,
		ErrorCount:      errorCount,
		Metadata: map[string]any{
			"parsed_at":  now.Format(time.RFC3339),
			"step_count": len(steps),
		},
	}, nil
}

func firstField(data map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if value, ok := data[key]; ok && value != nil {
			return value, true
		}
	}
	return nil, false
}

func stringField(data map[string]any, keys ...string) string {
	raw, ok := firstField(data, keys...)
	if !ok {
		return ""
	}
	value, ok := raw.(string)
	if !ok {
		return ""
	}
	return value
}

func intField(data map[string]any, keys ...string) int64 {
	raw, ok := firstField(data, keys...)
	if !ok {
		return 0
	}
	switch typed := raw.(type) {
	case float64:
		return int64(typed)
	case int:
		return int64(typed)
	case int64:
		return typed
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func mappingField(data map[string]any, keys ...string) map[string]any {
	raw, ok := firstField(data, keys...)
	if !ok {
		return nil
	}
	if mapping, ok := raw.(map[string]any); ok {
		if len(mapping) == 0 {
			return nil
		}
		return mapping
	}
	// Non-object payloads are preserved rather than dropped.
	return map[string]any{"raw": raw}
}

func parseTimestamp(raw any) (time.Time, error) {
	switch typed := raw.(type) {
	case float64:
		// Unix seconds, possibly fractional.
		seconds := int64(typed)
		nanos := int64((typed - float64(seconds)) * float64(time.Second))
		return time.Unix(seconds, nanos).UTC(), nil
	case string:
		value := strings.TrimSpace(typed)
		if value == "" {
			return time.Time{}, fmt.Errorf("empty timestamp")
		}
		layouts := []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05.999999999",
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
		}
		for _, layout := range layouts {
			if strings.Contains(layout, "Z07:00") {
				if parsed, err := time.Parse(layout, value); err == nil {
					return parsed.UTC(), nil
				}
				continue
			}
			if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unsupported timestamp format %q", value)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}
