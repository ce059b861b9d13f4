// Package store is the backend's durable persistence for traces, saved
// filters, and cached step analyses.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agenttrace/agenttrace/internal/trace"
)

var ErrNotFound = errors.New("store record not found")
var ErrNotOwner = errors.New("record belongs to another account")

// AnalysisTTL is how long a cached step analysis stays valid. Expired
// entries read as ErrNotFound, which makes the caller recompute.
const AnalysisTTL = 24 * time.Hour

// Store is the persistence surface the API serves from. Reads scoped by
// userID enforce ownership: GetTrace lets anyone read a public trace,
// everything else requires the owner.
type Store interface {
	SaveTrace(ctx context.Context, t *trace.Trace) error
	GetTrace(ctx context.Context, id, userID string) (*trace.Trace, error)
	ListTraces(ctx context.Context, userID string) ([]*trace.Trace, error)
	DeleteTrace(ctx context.Context, id, userID string) error
	SetVisibility(ctx context.Context, id, userID string, public bool) error

	SearchSteps(ctx context.Context, userID, query string) ([]trace.SearchResult, error)

	ListFilters(ctx context.Context, userID string) ([]trace.SavedFilter, error)
	CreateFilter(ctx context.Context, userID string, filter *trace.SavedFilter) error
	DeleteFilter(ctx context.Context, id, userID string) error

	GetAnalysis(ctx context.Context, traceID, stepID string) (*trace.Analysis, error)
	SaveAnalysis(ctx context.Context, traceID, stepID string, analysis *trace.Analysis) error

	Close() error
}
