package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/agenttrace/agenttrace/internal/ai"
	"github.com/agenttrace/agenttrace/internal/trace"
)

// fakeModelBackend stands in for the OpenAI chat completions API and counts
// how often the model is actually invoked.
func fakeModelBackend(t *testing.T, reply string, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": reply}, "finish_reason": "stop"}},
		})
	}))
}

func newAnalysisRouter(t *testing.T, calls *atomic.Int64) http.Handler {
	t.Helper()
	backend := fakeModelBackend(t, `{"summary": "the card was declined", "root_cause": "expired card", "suggested_fix": "ask for another card"}`, calls)
	t.Cleanup(backend.Close)

	analyzer, err := ai.NewAnalyzer(ai.Options{APIKey: "sk-test", BaseURL: backend.URL})
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	return newTestRouter(t, func(options *RouterOptions) {
		options.Analyzer = analyzer
	})
}

func uploadSample(t *testing.T, handler http.Handler) *trace.Trace {
	t.Helper()
	rec := doRequest(t, handler, http.MethodPost, "/api/traces", proToken, strings.NewReader(sampleLog))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status=%d body=%s", rec.Code, rec.Body.String())
	}
	return decodeTrace(t, rec)
}

func decodeAnalysis(t *testing.T, rec *httptest.ResponseRecorder) *trace.Analysis {
	t.Helper()
	var out trace.Analysis
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode analysis: %v", err)
	}
	return &out
}

func TestAnalysisComputeThenCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	handler := newAnalysisRouter(t, &calls)
	uploaded := uploadSample(t, handler)
	path := "/api/traces/" + uploaded.ID + "/steps/s3/analysis"

	// Cold cache: the lookup misses without touching the model.
	rec := doRequest(t, handler, http.MethodGet, path, proToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cold lookup status=%d, want 404", rec.Code)
	}
	if calls.Load() != 0 {
		t.Fatalf("model called %d times by a cache lookup", calls.Load())
	}

	rec = doRequest(t, handler, http.MethodPost, path, proToken, strings.NewReader(`{"force": false}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("compute status=%d body=%s", rec.Code, rec.Body.String())
	}
	computed := decodeAnalysis(t, rec)
	if computed.Summary != "the card was declined" || computed.Cached {
		t.Fatalf("computed = %+v", computed)
	}
	if calls.Load() != 1 {
		t.Fatalf("model called %d times, want 1", calls.Load())
	}

	// Warm cache: both the lookup and a non-forced request serve the
	// stored result.
	rec = doRequest(t, handler, http.MethodGet, path, proToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("warm lookup status=%d", rec.Code)
	}
	if cached := decodeAnalysis(t, rec); !cached.Cached {
		t.Fatalf("cached = %+v", cached)
	}

	rec = doRequest(t, handler, http.MethodPost, path, proToken, strings.NewReader(`{"force": false}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("non-forced status=%d", rec.Code)
	}
	if calls.Load() != 1 {
		t.Fatalf("model called %d times after warm cache, want 1", calls.Load())
	}

	rec = doRequest(t, handler, http.MethodPost, path, proToken, strings.NewReader(`{"force": true}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("forced status=%d", rec.Code)
	}
	if forced := decodeAnalysis(t, rec); forced.Cached {
		t.Fatalf("forced = %+v", forced)
	}
	if calls.Load() != 2 {
		t.Fatalf("model called %d times after force, want 2", calls.Load())
	}
}

func TestAnalysisRequiresAIPlan(t *testing.T) {
	t.Parallel()

	handler := newAnalysisRouter(t, nil)
	uploaded := uploadSample(t, handler)

	// The trace belongs to pro-user, but the plan gate fires first.
	rec := doRequest(t, handler, http.MethodPost, "/api/traces/"+uploaded.ID+"/steps/s3/analysis",
		freeToken, strings.NewReader(`{"force": false}`))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", rec.Code)
	}
}

func TestAnalysisDisabledAnswers503(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)
	uploaded := uploadSample(t, handler)

	rec := doRequest(t, handler, http.MethodPost, "/api/traces/"+uploaded.ID+"/steps/s3/analysis",
		proToken, strings.NewReader(`{"force": false}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}

	// The envelope must carry the machine-readable code so clients can tell
	// a disabled analyzer apart from a backend outage.
	var envelope struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Code != "ai_disabled" {
		t.Fatalf("code = %q, want %q", envelope.Code, "ai_disabled")
	}
}

func TestAnalysisRejectsStepWithoutError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	handler := newAnalysisRouter(t, &calls)
	uploaded := uploadSample(t, handler)

	// s1 is a plain thought step; there is nothing to analyze.
	rec := doRequest(t, handler, http.MethodPost, "/api/traces/"+uploaded.ID+"/steps/s1/analysis",
		proToken, strings.NewReader(`{"force": false}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s, want 400", rec.Code, rec.Body.String())
	}
	if calls.Load() != 0 {
		t.Fatalf("model called %d times for a step without an error", calls.Load())
	}
}

func TestAnalysisUnknownStep(t *testing.T) {
	t.Parallel()

	handler := newAnalysisRouter(t, nil)
	uploaded := uploadSample(t, handler)

	rec := doRequest(t, handler, http.MethodPost, "/api/traces/"+uploaded.ID+"/steps/missing/analysis",
		proToken, strings.NewReader(`{"force": false}`))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestAnalysisRequestAllowsEmptyBody(t *testing.T) {
	t.Parallel()

	handler := newAnalysisRouter(t, nil)
	uploaded := uploadSample(t, handler)

	rec := doRequest(t, handler, http.MethodPost, "/api/traces/"+uploaded.ID+"/steps/s3/analysis",
		proToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestQuickAnalysis(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	handler := newAnalysisRouter(t, &calls)

	rec := doRequest(t, handler, http.MethodPost, "/api/ai/quick-analysis", proToken,
		strings.NewReader(`{"error_message": "TypeError: cannot read properties of undefined", "context": "rendering the checkout page"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	analysis := decodeAnalysis(t, rec)
	if analysis.Summary != "the card was declined" || analysis.Cached {
		t.Fatalf("analysis = %+v", analysis)
	}
	if calls.Load() != 1 {
		t.Fatalf("model called %d times, want 1", calls.Load())
	}
}

func TestQuickAnalysisRequiresErrorMessage(t *testing.T) {
	t.Parallel()

	handler := newAnalysisRouter(t, nil)

	rec := doRequest(t, handler, http.MethodPost, "/api/ai/quick-analysis", proToken,
		strings.NewReader(`{"error_message": "   "}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestQuickAnalysisGates(t *testing.T) {
	t.Parallel()

	body := `{"error_message": "panic: runtime error"}`

	enabled := newAnalysisRouter(t, nil)
	rec := doRequest(t, enabled, http.MethodPost, "/api/ai/quick-analysis", "", strings.NewReader(body))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status=%d, want 401", rec.Code)
	}
	rec = doRequest(t, enabled, http.MethodPost, "/api/ai/quick-analysis", freeToken, strings.NewReader(body))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("free plan status=%d, want 403", rec.Code)
	}

	disabled := newTestRouter(t, nil)
	rec = doRequest(t, disabled, http.MethodPost, "/api/ai/quick-analysis", proToken, strings.NewReader(body))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled status=%d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ai_disabled"`) {
		t.Fatalf("disabled body=%s, want the ai_disabled code", rec.Body.String())
	}
}

func TestAIStatusEndpoint(t *testing.T) {
	t.Parallel()

	disabled := newTestRouter(t, nil)
	rec := doRequest(t, disabled, http.MethodGet, "/api/ai/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var status aiStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Enabled || len(status.Models) != 0 {
		t.Fatalf("disabled status = %+v", status)
	}

	enabled := newAnalysisRouter(t, nil)
	rec = doRequest(t, enabled, http.MethodGet, "/api/ai/status", "", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Enabled || len(status.Models) != 1 || status.Models[0] != ai.DefaultModel {
		t.Fatalf("enabled status = %+v", status)
	}
}
