package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agenttrace/agenttrace/internal/trace"
	"github.com/agenttrace/agenttrace/migrations"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyMaxRetries     = 5
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when handlers save concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{Path: path, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(ctx, db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite migrations: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) SaveTrace(ctx context.Context, t *trace.Trace) error {
	row, err := traceToRow(t)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO traces (
    id, user_id, name, description, is_public, steps, metadata,
    total_duration_ms, total_tokens, error_count, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		return err
	})
	if err != nil {
		return fmt.Errorf("save trace %q: %w", row.id, err)
	}
	return nil
}

func (s *SQLiteStore) GetTrace(ctx context.Context, id, userID string) (*trace.Trace, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, name, description, is_public, steps, metadata,
       total_duration_ms, total_tokens, error_count, created_at
FROM traces WHERE id = ?`, id)
	t, err := scanTrace(row)
	if err != nil {
		return nil, err
	}
	if !t.IsPublic && t.UserID != userID {
		return nil, ErrNotOwner
	}
	return t, nil
}

func (s *SQLiteStore) ListTraces(ctx context.Context, userID string) ([]*trace.Trace, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, name, description, is_public, steps, metadata,
       total_duration_ms, total_tokens, error_count, created_at
FROM traces WHERE user_id = ?
ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()
	return collectTraces(rows)
}

func (s *SQLiteStore) DeleteTrace(ctx context.Context, id, userID string) error {
	if err := s.requireOwner(ctx, id, userID); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM traces WHERE id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) SetVisibility(ctx context.Context, id, userID string, public bool) error {
	if err := s.requireOwner(ctx, id, userID); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE traces SET is_public = ? WHERE id = ?`, boolToInt(public), id)
		return err
	})
}

func (s *SQLiteStore) requireOwner(ctx context.Context, id, userID string) error {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM traces WHERE id = ?`, id).Scan(&owner)
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

// SearchSteps scans the account's traces in Go rather than SQL so snippet
// and result-cap rules stay identical to the guest store's.
func (s *SQLiteStore) SearchSteps(ctx context.Context, userID, query string) ([]trace.SearchResult, error) {
	traces, err := s.ListTraces(ctx, userID)
	if err != nil {
		return nil, err
	}
	return trace.SearchTraces(traces, query), nil
}

func (s *SQLiteStore) ListFilters(ctx context.Context, userID string) ([]trace.SavedFilter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, filters, created_at
FROM saved_filters WHERE user_id = ?
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

func (s *SQLiteStore) CreateFilter(ctx context.Context, userID string, filter *trace.SavedFilter) error {
	rawSpec, err := json.Marshal(filter.Filters)
	if err != nil {
		return fmt.Errorf("encode filter: %w", err)
	}
	if filter.CreatedAt.IsZero() {
		filter.CreatedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO saved_filters (id, user_id, name, filters, created_at)
VALUES (?, ?, ?, ?, ?)`,
			filter.ID, userID, filter.Name, string(rawSpec), formatStoredTime(filter.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("save filter %q: %w", filter.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteFilter(ctx context.Context, id, userID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := retrySQLiteBusy(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM saved_filters WHERE id = ? AND user_id = ?`, id, userID)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete filter %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, traceID, stepID string) (*trace.Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT summary, root_cause, suggested_fix, model_used, created_at
FROM analyses WHERE trace_id = ? AND step_id = ?`, traceID, stepID)

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
		s.writeMu.Lock()
		_ = retrySQLiteBusy(ctx, func() error {
			_, err := s.db.ExecContext(ctx, `DELETE FROM analyses WHERE trace_id = ? AND step_id = ?`, traceID, stepID)
			return err
		})
		s.writeMu.Unlock()
		return nil, ErrNotFound
	}

	analysis.Cached = true
	return &analysis, nil
}

func (s *SQLiteStore) SaveAnalysis(ctx context.Context, traceID, stepID string, analysis *trace.Analysis) error {
	createdAt := analysis.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO analyses (trace_id, step_id, summary, root_cause, suggested_fix, model_used, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (trace_id, step_id) DO UPDATE SET
    summary = excluded.summary,
    root_cause = excluded.root_cause,
    suggested_fix = excluded.suggested_fix,
    model_used = excluded.model_used,
    created_at = excluded.created_at`,
			traceID, stepID, analysis.Summary, analysis.RootCause,
			analysis.SuggestedFix, analysis.ModelUsed, formatStoredTime(createdAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("save analysis for step %q: %w", stepID, err)
	}
	return nil
}

// retrySQLiteBusy retries transient lock contention so concurrent saves are
// not dropped.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
