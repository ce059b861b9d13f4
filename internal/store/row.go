package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agenttrace/agenttrace/internal/trace"
)

// traceRow is a trace flattened for storage. Steps and metadata travel as
// JSON text so the schema stays stable while the step shape evolves.
type traceRow struct {
	id              string
	userID          string
	name            string
	description     string
	isPublic        int
	steps           string
	metadata        sql.NullString
	totalDurationMS int64
	totalTokens     int
	errorCount      int
	createdAt       string
}

func traceToRow(t *trace.Trace) (*traceRow, error) {
	if t == nil || t.ID == "" {
		return nil, fmt.Errorf("trace is missing an id")
	}
	if t.UserID == "" {
		return nil, fmt.Errorf("trace %q is missing an owner", t.ID)
	}

	steps := t.Steps
	if steps == nil {
		steps = []trace.Step{}
	}
	rawSteps, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encode steps for trace %q: %w", t.ID, err)
	}

	row := &traceRow{
		id:              t.ID,
		userID:          t.UserID,
		name:            t.Name,
		description:     t.Description,
		isPublic:        boolToInt(t.IsPublic),
		steps:           string(rawSteps),
		totalDurationMS: t.TotalDurationMS,
		totalTokens:     t.TotalTokens,
		errorCount:      t.ErrorCount,
	}

	if len(t.Metadata) > 0 {
		rawMetadata, err := json.Marshal(t.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata for trace %q: %w", t.ID, err)
		}
		row.metadata = sql.NullString{String: string(rawMetadata), Valid: true}
	}

	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row.createdAt = formatStoredTime(createdAt)
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(scanner rowScanner) (*trace.Trace, error) {
	var (
		row traceRow
		t   trace.Trace
	)
	err := scanner.Scan(
		&row.id, &row.userID, &row.name, &row.description, &row.isPublic,
		&row.steps, &row.metadata, &row.totalDurationMS, &row.totalTokens,
		&row.errorCount, &row.createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trace: %w", err)
	}

	t.ID = row.id
	t.UserID = row.userID
	t.Name = row.name
	t.Description = row.description
	t.IsPublic = row.isPublic != 0
	t.TotalDurationMS = row.totalDurationMS
	t.TotalTokens = row.totalTokens
	t.ErrorCount = row.errorCount
	t.CreatedAt = parseStoredTime(row.createdAt)

	if err := json.Unmarshal([]byte(row.steps), &t.Steps); err != nil {
		return nil, fmt.Errorf("decode steps for trace %q: %w", row.id, err)
	}
	if row.metadata.Valid && row.metadata.String != "" {
		if err := json.Unmarshal([]byte(row.metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for trace %q: %w", row.id, err)
		}
	}
	return &t, nil
}

func collectTraces(rows *sql.Rows) ([]*trace.Trace, error) {
	traces := []*trace.Trace{}
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

func formatStoredTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}
