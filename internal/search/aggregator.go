// Package search drives interactive step-text search: it debounces
// keystrokes, drops stale responses, and exposes a single snapshot of what
// the search box should show.
package search

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/agenttrace/agenttrace/internal/trace"
)

// State of the search box.
type State string

const (
	// StateIdle: no active query, nothing shown.
	StateIdle State = "idle"
	// StateDebouncing: a query is typed but the quiet period has not elapsed.
	StateDebouncing State = "debouncing"
	// StateSearching: a search is in flight.
	StateSearching State = "searching"
	// StateResults: results (possibly empty) are shown for the query.
	StateResults State = "results"
)

const (
	// MinQueryRunes is the shortest query that triggers a search.
	MinQueryRunes = 2

	DefaultDebounce  = 300 * time.Millisecond
	DefaultBlurGrace = 200 * time.Millisecond
)

// Searcher runs a step-text search. *access.Router satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string) ([]trace.SearchResult, error)
}

// Snapshot is what the search box shows at one instant.
type Snapshot struct {
	State   State
	Query   string
	Results []trace.SearchResult
}

// Aggregator is the search box state machine. Safe for concurrent use; all
// transitions are serialized under one mutex.
type Aggregator struct {
	searcher  Searcher
	logger    *slog.Logger
	debounce  time.Duration
	blurGrace time.Duration

	mu        sync.Mutex
	state     State
	query     string
	results   []trace.SearchResult
	seq       uint64
	timer     *time.Timer
	blurTimer *time.Timer
}

type Option func(*Aggregator)

// WithIntervals overrides the debounce and blur-grace durations.
func WithIntervals(debounce, blurGrace time.Duration) Option {
	return func(a *Aggregator) {
		if debounce > 0 {
			a.debounce = debounce
		}
		if blurGrace > 0 {
			a.blurGrace = blurGrace
		}
	}
}

func NewAggregator(searcher Searcher, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		searcher:  searcher,
		logger:    logger,
		debounce:  DefaultDebounce,
		blurGrace: DefaultBlurGrace,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetQuery records a keystroke. Queries shorter than MinQueryRunes reset the
// box to idle; anything longer restarts the debounce timer, so a search only
// fires once typing pauses.
func (a *Aggregator) SetQuery(query string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.query = query
	a.seq++
	a.stopTimerLocked()

	if utf8.RuneCountInString(strings.TrimSpace(query)) < MinQueryRunes {
		a.state = StateIdle
		a.results = nil
		return
	}

	a.state = StateDebouncing
	seq := a.seq
	a.timer = time.AfterFunc(a.debounce, func() {
		a.fire(seq)
	})
}

func (a *Aggregator) fire(seq uint64) {
	a.mu.Lock()
	if seq != a.seq {
		a.mu.Unlock()
		return
	}
	query := strings.TrimSpace(a.query)
	a.state = StateSearching
	a.mu.Unlock()

	results, err := a.searcher.Search(context.Background(), query)
	if err != nil {
		a.logger.Warn("step search failed", "query", query, "error", err)
		results = nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// A newer keystroke, blur, or selection made this response stale.
	if seq != a.seq {
		return
	}
	a.state = StateResults
	a.results = results
}

// Blur notes that the search box lost focus. The box is cleared after a short
// grace period unless focus returns, so clicking a result does not wipe the
// list out from under the click.
func (a *Aggregator) Blur() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.blurTimer != nil {
		a.blurTimer.Stop()
	}
	a.blurTimer = time.AfterFunc(a.blurGrace, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.resetLocked()
	})
}

// Focus cancels a pending blur reset.
func (a *Aggregator) Focus() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.blurTimer != nil {
		a.blurTimer.Stop()
		a.blurTimer = nil
	}
}

// Select picks a result by position, returning the trace and step to open.
// A successful selection clears the box.
func (a *Aggregator) Select(index int) (traceID, stepID string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateResults || index < 0 || index >= len(a.results) {
		return "", "", false
	}
	picked := a.results[index]
	a.resetLocked()
	return picked.TraceID, picked.StepID, true
}

// Snapshot returns the current box state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	results := make([]trace.SearchResult, len(a.results))
	copy(results, a.results)
	return Snapshot{State: a.state, Query: a.query, Results: results}
}

func (a *Aggregator) resetLocked() {
	a.seq++
	a.stopTimerLocked()
	a.state = StateIdle
	a.query = ""
	a.results = nil
}

func (a *Aggregator) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
