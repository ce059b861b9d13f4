package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agenttrace/agenttrace/internal/auth"
	"github.com/agenttrace/agenttrace/internal/store"
	"github.com/agenttrace/agenttrace/internal/trace"
)

const (
	proToken  = "pro-token"
	freeToken = "free-token"
)

const sampleLog = `{
	"name": "checkout agent",
	"steps": [
		{"id": "s1", "type": "thought", "content": "plan the checkout"},
		{"id": "s2", "type": "action", "content": "call payment API", "tokens_used": 30},
		{"id": "s3", "type": "error", "content": "payment failed", "error": "card declined"}
	]
}`

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestVerifier(t *testing.T) *auth.Verifier {
	t.Helper()
	verifier, err := auth.NewVerifier(auth.Options{
		Enabled: true,
		Keys: []auth.KeyConfig{
			{UserID: "pro-user", Plan: auth.PlanPro, Token: proToken},
			{UserID: "free-user", Plan: auth.PlanFree, Token: freeToken},
		},
	})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return verifier
}

func newTestRouter(t *testing.T, mutate func(*RouterOptions)) http.Handler {
	t.Helper()
	options := RouterOptions{
		AppVersion:    "test",
		Store:         newTestStore(t),
		StorageDriver: "sqlite",
		Verifier:      newTestVerifier(t),
		Logger:        slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&options)
	}
	return NewRouter(options)
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeTrace(t *testing.T, rec *httptest.ResponseRecorder) *trace.Trace {
	t.Helper()
	var out trace.Trace
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode trace response: %v", err)
	}
	return &out
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return payload["error"]
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)
	rec := doRequest(t, handler, http.MethodGet, "/api/health", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var payload healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if payload.Status != "ok" || payload.Version != "test" || payload.StorageDriver != "sqlite" {
		t.Fatalf("health = %+v", payload)
	}
	if payload.AIEnabled {
		t.Fatal("AI must report disabled without an analyzer")
	}
}

func TestUploadAndFetchTrace(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)

	rec := doRequest(t, handler, http.MethodPost, "/api/traces", proToken, strings.NewReader(sampleLog))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status=%d body=%s", rec.Code, rec.Body.String())
	}
	uploaded := decodeTrace(t, rec)
	if uploaded.ID == "" || len(uploaded.Steps) != 3 {
		t.Fatalf("uploaded trace = %+v", uploaded)
	}
	if uploaded.ErrorCount != 1 {
		t.Fatalf("ErrorCount = %d, want 1", uploaded.ErrorCount)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/traces/"+uploaded.ID, proToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch status=%d", rec.Code)
	}
	fetched := decodeTrace(t, rec)
	if fetched.ID != uploaded.ID || fetched.UserID != "pro-user" {
		t.Fatalf("fetched trace = %+v", fetched)
	}
}

func TestUploadRequiresAuth(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)
	rec := doRequest(t, handler, http.MethodPost, "/api/traces", "", strings.NewReader(sampleLog))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	if errorMessage(t, rec) == "" {
		t.Fatal("expected an error envelope")
	}
}

func TestUploadRejectsInvalidLog(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)

	rec := doRequest(t, handler, http.MethodPost, "/api/traces", proToken, strings.NewReader(`"just a string"`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("scalar log status=%d, want 422", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/traces", proToken, strings.NewReader(`{"steps": [`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed JSON status=%d, want 400", rec.Code)
	}
}

func TestUploadTooLarge(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, func(options *RouterOptions) {
		options.MaxUploadBytes = 64
	})

	big := `{"steps": [{"content": "` + strings.Repeat("x", 256) + `"}]}`
	rec := doRequest(t, handler, http.MethodPost, "/api/traces", proToken, strings.NewReader(big))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d, want 413", rec.Code)
	}
}

func TestGuestUploadParsesWithoutPersisting(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)

	rec := doRequest(t, handler, http.MethodPost, "/api/traces/guest", "", strings.NewReader(sampleLog))
	if rec.Code != http.StatusOK {
		t.Fatalf("guest upload status=%d body=%s", rec.Code, rec.Body.String())
	}
	parsed := decodeTrace(t, rec)
	if len(parsed.Steps) != 3 {
		t.Fatalf("parsed steps = %d, want 3", len(parsed.Steps))
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/traces", proToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status=%d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("guest upload leaked into storage: %s", got)
	}
}

func TestFileUpload(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "run.json")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write([]byte(sampleLog)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/traces/file", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+proToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if uploaded := decodeTrace(t, rec); len(uploaded.Steps) != 3 {
		t.Fatalf("uploaded steps = %d, want 3", len(uploaded.Steps))
	}
}

func TestFileUploadMissingField(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("other", "value")
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/traces/file", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+proToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestTraceOwnershipAndVisibility(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)

	rec := doRequest(t, handler, http.MethodPost, "/api/traces", proToken, strings.NewReader(sampleLog))
	uploaded := decodeTrace(t, rec)

	// Private traces look absent to everyone but the owner.
	rec = doRequest(t, handler, http.MethodGet, "/api/traces/"+uploaded.ID, freeToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("other account status=%d, want 404", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/api/traces/"+uploaded.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("anonymous status=%d, want 404", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/traces/"+uploaded.ID+"/visibility", proToken,
		strings.NewReader(`{"is_public": true}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("visibility status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/traces/"+uploaded.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("anonymous public read status=%d, want 200", rec.Code)
	}
}

func TestVisibilityRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)
	rec := doRequest(t, handler, http.MethodPost, "/api/traces", proToken, strings.NewReader(sampleLog))
	uploaded := decodeTrace(t, rec)

	rec = doRequest(t, handler, http.MethodPost, "/api/traces/"+uploaded.ID+"/visibility", proToken,
		strings.NewReader(`{"is_public": true, "extra": 1}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestDeleteTrace(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)
	rec := doRequest(t, handler, http.MethodPost, "/api/traces", proToken, strings.NewReader(sampleLog))
	uploaded := decodeTrace(t, rec)

	rec = doRequest(t, handler, http.MethodDelete, "/api/traces/"+uploaded.ID, freeToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign delete status=%d, want 404", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodDelete, "/api/traces/"+uploaded.ID, proToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status=%d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/traces/"+uploaded.ID, proToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete=%d, want 404", rec.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)
	doRequest(t, handler, http.MethodPost, "/api/traces", proToken, strings.NewReader(sampleLog))

	rec := doRequest(t, handler, http.MethodGet, "/api/search?q=payment", proToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status=%d", rec.Code)
	}
	var results []trace.SearchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/search", proToken, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing q status=%d, want 400", rec.Code)
	}
}

func TestFilterLifecycle(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)

	rec := doRequest(t, handler, http.MethodPost, "/api/filters", proToken,
		strings.NewReader(`{"name": "errors only", "filters": {"show_errors": true}}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}
	var created trace.SavedFilter
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode filter: %v", err)
	}
	if created.ID == "" || created.Name != "errors only" {
		t.Fatalf("created filter = %+v", created)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/filters", proToken, nil)
	var listed []trace.SavedFilter
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode filter list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("filters = %d, want 1", len(listed))
	}

	rec = doRequest(t, handler, http.MethodDelete, "/api/filters/"+created.ID, proToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status=%d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodDelete, "/api/filters/"+created.ID, proToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d, want 404", rec.Code)
	}
}

func TestCreateFilterRequiresName(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)
	rec := doRequest(t, handler, http.MethodPost, "/api/filters", proToken,
		strings.NewReader(`{"name": "  ", "filters": {}}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)
	rec := doRequest(t, handler, http.MethodOptions, "/api/traces", "", nil)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, nil)
	rec := doRequest(t, handler, http.MethodGet, "/api/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}
