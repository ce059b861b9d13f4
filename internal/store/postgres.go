package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agenttrace/agenttrace/internal/trace"
	"github.com/agenttrace/agenttrace/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{DSN: dsn, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(ctx, db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply postgres migrations: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(5)
	s.db.SetConnMaxLifetime(30 * time.Minute)
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) SaveTrace(ctx context.Context, t *trace.Trace) error {
	row, err := traceToRow(t)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO traces (
    id, user_id, name, description, is_public, steps, metadata,
    total_duration_ms, total_tokens, error_count, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    description = excluded.description,
    is_public = excluded.is_public,
    steps = excluded.steps,
    metadata = excluded.metadata,
    total_duration_ms = excluded.total_duration_ms,
    total_tokens = excluded.total_tokens,
    error_count = excluded.error_count`,
		row.id, row.userID, row.name, row.description, row.isPublic,
		row.steps, row.metadata, row.totalDurationMS, row.totalTokens,
		row.errorCount, row.createdAt,
	)
	if err != nil {
		return fmt.Errorf("save trace %q: %w", row.id, err)
	}
	return nil
}

func (s *PostgresStore) GetTrace(ctx context.Context, id, userID string) (*trace.Trace, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, name, description, is_public, steps, metadata,
       total_duration_ms, total_tokens, error_count, created_at
FROM traces WHERE id = $1`, id)
	t, err := scanTrace(row)
	if err != nil {
		return nil, err
	}
	if !t.IsPublic && t.UserID != userID {
		return nil, ErrNotOwner
	}
	return t, nil
}

func (s *PostgresStore) ListTraces(ctx context.Context, userID string) ([]*trace.Trace, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, name, description, is_public, steps, metadata,
       total_duration_ms, total_tokens, error_count, created_at
FROM traces WHERE user_id = $1
ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()
	return collectTraces(rows)
}

func (s *PostgresStore) DeleteTrace(ctx context.Context, id, userID string) error {
	if err := s.requireOwner(ctx, id, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM traces WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete trace %q: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SetVisibility(ctx context.Context, id, userID string, public bool) error {
	if err := s.requireOwner(ctx, id, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE traces SET is_public = $1 WHERE id = $2`, boolToInt(public), id)
	if err != nil {
		return fmt.Errorf("set visibility for trace %q: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) requireOwner(ctx context.Context, id, userID string) error {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM traces WHERE id = $1`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("look up trace %q: %w", id, err)
	}
	if owner != userID {
		return ErrNotOwner
	}
	return nil
}

func (s *PostgresStore) SearchSteps(ctx context.Context, userID, query string) ([]trace.SearchResult, error) {
	traces, err := s.ListTraces(ctx, userID)
	if err != nil {
		return nil, err
	}
	return trace.SearchTraces(traces, query), nil
}

func (s *PostgresStore) ListFilters(ctx context.Context, userID string) ([]trace.SavedFilter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, filters, created_at
FROM saved_filters WHERE user_id = $1
ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list filters: %w", err)
	}
	defer rows.Close()

	filters := []trace.SavedFilter{}
	for rows.Next() {
		var (
			filter    trace.SavedFilter
			rawSpec   string
			createdAt string
		)
		if err := rows.Scan(&filter.ID, &filter.Name, &rawSpec, &createdAt); err != nil {
			return nil, fmt.Errorf("scan filter: %w", err)
		}
		if err := json.Unmarshal([]byte(rawSpec), &filter.Filters); err != nil {
			return nil, fmt.Errorf("decode filter %q: %w", filter.ID, err)
		}
		filter.CreatedAt = parseStoredTime(createdAt)
		filters = append(filters, filter)
	}
	return filters, rows.Err()
}

func (s *PostgresStore) CreateFilter(ctx context.Context, userID string, filter *trace.SavedFilter) error {
	rawSpec, err := json.Marshal(filter.Filters)
	if err != nil {
		return fmt.Errorf("encode filter: %w", err)
	}
	if filter.CreatedAt.IsZero() {
		filter.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO saved_filters (id, user_id, name, filters, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		filter.ID, userID, filter.Name, string(rawSpec), formatStoredTime(filter.CreatedAt))
	if err != nil {
		return fmt.Errorf("save filter %q: %w", filter.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteFilter(ctx context.Context, id, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM saved_filters WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete filter %q: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete filter %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, traceID, stepID string) (*trace.Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT summary, root_cause, suggested_fix, model_used, created_at
FROM analyses WHERE trace_id = $1 AND step_id = $2`, traceID, stepID)

	var (
		analysis  trace.Analysis
		createdAt string
	)
	err := row.Scan(&analysis.Summary, &analysis.RootCause, &analysis.SuggestedFix, &analysis.ModelUsed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("look up analysis: %w", err)
	}

	analysis.CreatedAt = parseStoredTime(createdAt)
	if time.Since(analysis.CreatedAt) > AnalysisTTL {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM analyses WHERE trace_id = $1 AND step_id = $2`, traceID, stepID)
		return nil, ErrNotFound
	}

	analysis.Cached = true
	return &analysis, nil
}

func (s *PostgresStore) SaveAnalysis(ctx context.Context, traceID, stepID string, analysis *trace.Analysis) error {
	createdAt := analysis.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO analyses (trace_id, step_id, summary, root_cause, suggested_fix, model_used, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (trace_id, step_id) DO UPDATE SET
    summary = excluded.summary,
    root_cause = excluded.root_cause,
    suggested_fix = excluded.suggested_fix,
    model_used = excluded.model_used,
    created_at = excluded.created_at`,
		traceID, stepID, analysis.Summary, analysis.RootCause,
		analysis.SuggestedFix, analysis.ModelUsed, formatStoredTime(createdAt))
	if err != nil {
		return fmt.Errorf("save analysis for step %q: %w", stepID, err)
	}
	return nil
}
