// Package analysis drives the cache-then-fetch protocol for AI step
// analysis: look the step up in the backend cache, compute on a miss, and
// recompute only on an explicit refresh. Responses race; a per-step sequence
// number makes the last request the only one that can land.
package analysis

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agenttrace/agenttrace/internal/client"
	"github.com/agenttrace/agenttrace/internal/trace"
)

// Status of one step's analysis panel.
type Status string

const (
	StatusUnrequested Status = "unrequested"
	StatusLoading     Status = "loading"
	StatusReady       Status = "ready"
	StatusError       Status = "error"
)

// Reason classifies an analysis failure for presentation.
type Reason string

const (
	ReasonNone Reason = ""
	// ReasonAccessDenied: the session's credentials were rejected.
	ReasonAccessDenied Reason = "access_denied"
	// ReasonFeatureDisabled: AI analysis is not part of the account's plan
	// or is switched off on the backend.
	ReasonFeatureDisabled Reason = "feature_disabled"
	// ReasonFailed: anything else.
	ReasonFailed Reason = "failed"
)

// Fetcher is the backend surface the controller needs. *client.Client
// satisfies it.
type Fetcher interface {
	GetAnalysis(ctx context.Context, traceID, stepID string) (*trace.Analysis, error)
	RequestAnalysis(ctx context.Context, traceID, stepID string, force bool) (*trace.Analysis, error)
}

// StepRef names one step of one trace.
type StepRef struct {
	TraceID string
	StepID  string
}

// View is what the analysis panel shows for one step.
type View struct {
	Status  Status
	Reason  Reason
	Message string
	Result  *trace.Analysis
}

// Controller tracks analysis state per step. Safe for concurrent use; Load
// and Refresh block and are meant to run in their own goroutines, one per
// user action. In-flight requests are never cancelled, their responses are
// simply dropped when a newer request or a focus change supersedes them.
type Controller struct {
	fetcher Fetcher
	logger  *slog.Logger

	mu      sync.Mutex
	focused StepRef
	seqs    map[StepRef]uint64
	views   map[StepRef]View
}

func NewController(fetcher Fetcher, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		fetcher: fetcher,
		logger:  logger,
		seqs:    map[StepRef]uint64{},
		views:   map[StepRef]View{},
	}
}

// Focus marks the step whose panel is on screen. Responses for any other
// step are dropped from that point on.
func (c *Controller) Focus(ref StepRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focused = ref
}

// View returns the panel state for a step.
func (c *Controller) View(ref StepRef) View {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.views[ref]
	if !ok {
		return View{Status: StatusUnrequested}
	}
	return view
}

// Load resolves a step's analysis: a cached result is used when the backend
// has one, otherwise a fresh analysis is requested. Cache misses are the
// only lookup failure that proceeds to compute; any other lookup failure is
// surfaced immediately.
func (c *Controller) Load(ctx context.Context, ref StepRef) {
	seq := c.begin(ref)

	cached, err := c.fetcher.GetAnalysis(ctx, ref.TraceID, ref.StepID)
	if err == nil {
		c.apply(ref, seq, View{Status: StatusReady, Result: cached})
		return
	}
	if !client.IsNotFound(err) {
		c.fail(ref, seq, err)
		return
	}

	computed, err := c.fetcher.RequestAnalysis(ctx, ref.TraceID, ref.StepID, false)
	if err != nil {
		c.fail(ref, seq, err)
		return
	}
	c.apply(ref, seq, View{Status: StatusReady, Result: computed})
}

// Refresh recomputes a step's analysis, bypassing the cache.
func (c *Controller) Refresh(ctx context.Context, ref StepRef) {
	seq := c.begin(ref)

	computed, err := c.fetcher.RequestAnalysis(ctx, ref.TraceID, ref.StepID, true)
	if err != nil {
		c.fail(ref, seq, err)
		return
	}
	c.apply(ref, seq, View{Status: StatusReady, Result: computed})
}

func (c *Controller) begin(ref StepRef) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs[ref]++
	c.views[ref] = View{Status: StatusLoading}
	return c.seqs[ref]
}

func (c *Controller) apply(ref StepRef, seq uint64, view View) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq != c.seqs[ref] {
		return
	}
	if ref != c.focused {
		// The user moved on; showing this later would be misleading. The
		// next focus triggers a fresh load, which hits the cache anyway.
		if current, ok := c.views[ref]; ok && current.Status == StatusLoading {
			c.views[ref] = View{Status: StatusUnrequested}
		}
		return
	}
	c.views[ref] = view
}

func (c *Controller) fail(ref StepRef, seq uint64, err error) {
	c.logger.Warn("step analysis failed",
		"trace_id", ref.TraceID,
		"step_id", ref.StepID,
		"error", err,
	)
	c.apply(ref, seq, View{
		Status:  StatusError,
		Reason:  reasonFor(err),
		Message: err.Error(),
	})
}

func reasonFor(err error) Reason {
	switch client.ErrorKind(err) {
	case client.KindUnauthorized:
		return ReasonAccessDenied
	case client.KindFeatureDisabled:
		return ReasonFeatureDisabled
	default:
		return ReasonFailed
	}
}
