package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/agenttrace/agenttrace/internal/ai"
	"github.com/agenttrace/agenttrace/internal/store"
	"github.com/agenttrace/agenttrace/internal/trace"
)

// errCodeAIDisabled marks a 503 caused by the analyzer being switched off
// rather than by an outage. Clients key feature gating off this code.
const errCodeAIDisabled = "ai_disabled"

type analysisRequest struct {
	Force bool `json:"force"`
}

type quickAnalysisRequest struct {
	ErrorMessage string `json:"error_message"`
	Context      string `json:"context"`
}

type aiStatusResponse struct {
	Enabled bool     `json:"enabled"`
	Models  []string `json:"models,omitempty"`
}

// handleAnalysisGet is the cheap cache lookup: it never invokes the model. A
// miss answers 404, which tells the caller to POST for a fresh analysis.
func handleAnalysisGet(w http.ResponseWriter, r *http.Request, options RouterOptions, traceID, stepID string) {
	item, ok := loadAnalysisTrace(w, r, options, traceID, callerUserID(r))
	if !ok {
		return
	}
	if item.Step(stepID) == nil {
		writeError(w, http.StatusNotFound, "step not found")
		return
	}

	analysis, err := options.Store.GetAnalysis(r.Context(), traceID, stepID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "analysis not cached")
			return
		}
		options.Logger.Error("read analysis cache", "trace_id", traceID, "step_id", stepID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read analysis cache")
		return
	}

	options.Runtime.RecordAnalysis(true)
	writeJSON(w, http.StatusOK, analysis)
}

func handleAnalysisRequest(w http.ResponseWriter, r *http.Request, options RouterOptions, traceID, stepID string) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !identity.CanUseAI() {
		writeError(w, http.StatusForbidden, "current plan does not include AI analysis")
		return
	}
	if !options.Analyzer.Enabled() {
		writeErrorCode(w, http.StatusServiceUnavailable, "ai analysis is disabled", errCodeAIDisabled)
		return
	}

	var req analysisRequest
	if !decodeJSONBody(w, r, &req, true) {
		return
	}

	item, ok := loadAnalysisTrace(w, r, options, traceID, identity.UserID)
	if !ok {
		return
	}
	step := item.Step(stepID)
	if step == nil {
		writeError(w, http.StatusNotFound, "step not found")
		return
	}
	if !step.HasError() {
		writeError(w, http.StatusBadRequest, "step does not have an error to analyze")
		return
	}

	if !req.Force {
		cached, err := options.Store.GetAnalysis(r.Context(), traceID, stepID)
		if err == nil {
			options.Runtime.RecordAnalysis(true)
			writeJSON(w, http.StatusOK, cached)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			options.Logger.Error("read analysis cache", "trace_id", traceID, "step_id", stepID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read analysis cache")
			return
		}
	}

	analysis, err := options.Analyzer.AnalyzeStep(r.Context(), item, stepID)
	if err != nil {
		switch {
		case errors.Is(err, ai.ErrStepNotFound):
			writeError(w, http.StatusNotFound, "step not found")
		case errors.Is(err, ai.ErrDisabled):
			writeErrorCode(w, http.StatusServiceUnavailable, "ai analysis is disabled", errCodeAIDisabled)
		default:
			options.Logger.Error("analyze step", "trace_id", traceID, "step_id", stepID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to analyze step")
		}
		return
	}

	analysis.Cached = false
	if err := options.Store.SaveAnalysis(r.Context(), traceID, stepID, analysis); err != nil {
		// The result is already computed; a cache write failure only costs
		// a recompute later.
		options.Logger.Warn("cache analysis", "trace_id", traceID, "step_id", stepID, "error", err)
	}

	options.Runtime.RecordAnalysis(false)
	writeJSON(w, http.StatusOK, analysis)
}

func loadAnalysisTrace(w http.ResponseWriter, r *http.Request, options RouterOptions, traceID, userID string) (*trace.Trace, bool) {
	item, err := options.Store.GetTrace(r.Context(), traceID, userID)
	if err != nil {
		writeTraceStoreError(w, options, err, "read trace")
		return nil, false
	}
	return item, true
}

// QuickAnalysisHandler analyzes a bare error message without a stored trace.
// Results are never cached; there is no trace or step to key them on.
func QuickAnalysisHandler(options RouterOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		identity, ok := requireIdentity(w, r)
		if !ok {
			return
		}
		if !identity.CanUseAI() {
			writeError(w, http.StatusForbidden, "current plan does not include AI analysis")
			return
		}
		if !options.Analyzer.Enabled() {
			writeErrorCode(w, http.StatusServiceUnavailable, "ai analysis is disabled", errCodeAIDisabled)
			return
		}

		var req quickAnalysisRequest
		if !decodeJSONBody(w, r, &req, false) {
			return
		}
		if strings.TrimSpace(req.ErrorMessage) == "" {
			writeError(w, http.StatusBadRequest, "error_message is required")
			return
		}

		analysis, err := options.Analyzer.AnalyzeError(r.Context(), strings.TrimSpace(req.ErrorMessage), strings.TrimSpace(req.Context))
		if err != nil {
			if errors.Is(err, ai.ErrDisabled) {
				writeErrorCode(w, http.StatusServiceUnavailable, "ai analysis is disabled", errCodeAIDisabled)
				return
			}
			options.Logger.Error("quick analysis", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to analyze error")
			return
		}

		options.Runtime.RecordAnalysis(false)
		writeJSON(w, http.StatusOK, analysis)
	})
}

// AIStatusHandler reports whether step analysis is available and which model
// serves it. It is public so clients can hide the feature before signing in.
func AIStatusHandler(analyzer *ai.Analyzer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		status := aiStatusResponse{Enabled: analyzer.Enabled()}
		if status.Enabled {
			status.Models = []string{analyzer.Model()}
		}
		writeJSON(w, http.StatusOK, status)
	})
}
