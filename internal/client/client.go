// Package client is the HTTP client for the trace backend. Every failure
// surfaces as an *APIError whose Kind tells the caller whether to fall back,
// retry, or report.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agenttrace/agenttrace/internal/trace"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithAPIKey attaches a bearer token to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UploadTrace ingests a raw agent log under the caller's account. The body is
// the log itself in any accepted shape.
func (c *Client) UploadTrace(ctx context.Context, raw []byte) (*trace.Trace, error) {
	var out trace.Trace
	if err := c.do(ctx, http.MethodPost, "/api/traces", bytes.NewReader(raw), "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadTraceGuest ingests a raw agent log without credentials. The server
// parses and returns the trace but keeps nothing.
func (c *Client) UploadTraceGuest(ctx context.Context, raw []byte) (*trace.Trace, error) {
	var out trace.Trace
	if err := c.do(ctx, http.MethodPost, "/api/traces/guest", bytes.NewReader(raw), "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadFile ingests a log file under the caller's account.
func (c *Client) UploadFile(ctx context.Context, filename string, contents []byte) (*trace.Trace, error) {
	return c.uploadFile(ctx, "/api/traces/file", filename, contents)
}

// UploadFileGuest ingests a log file without credentials or persistence.
func (c *Client) UploadFileGuest(ctx context.Context, filename string, contents []byte) (*trace.Trace, error) {
	return c.uploadFile(ctx, "/api/traces/guest-file", filename, contents)
}

func (c *Client) uploadFile(ctx context.Context, path, filename string, contents []byte) (*trace.Trace, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(contents); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}

	var out trace.Trace
	if err := c.do(ctx, http.MethodPost, path, &body, writer.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTrace fetches one trace by ID.
func (c *Client) GetTrace(ctx context.Context, id string) (*trace.Trace, error) {
	var out trace.Trace
	if err := c.do(ctx, http.MethodGet, "/api/traces/"+url.PathEscape(id), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTraces returns the caller's traces, newest first.
func (c *Client) ListTraces(ctx context.Context) ([]*trace.Trace, error) {
	var out []*trace.Trace
	if err := c.do(ctx, http.MethodGet, "/api/traces", nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetVisibility toggles whether a trace is publicly viewable.
func (c *Client) SetVisibility(ctx context.Context, id string, public bool) error {
	payload := map[string]bool{"is_public": public}
	return c.doJSON(ctx, http.MethodPost, "/api/traces/"+url.PathEscape(id)+"/visibility", payload, nil)
}

// DeleteTrace removes one of the caller's traces.
func (c *Client) DeleteTrace(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/traces/"+url.PathEscape(id), nil, "", nil)
}

// Search finds steps across the caller's traces whose content or error text
// contains the query.
func (c *Client) Search(ctx context.Context, query string) ([]trace.SearchResult, error) {
	var out []trace.SearchResult
	path := "/api/search?q=" + url.QueryEscape(query)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListFilters returns the caller's saved filter presets.
func (c *Client) ListFilters(ctx context.Context) ([]trace.SavedFilter, error) {
	var out []trace.SavedFilter
	if err := c.do(ctx, http.MethodGet, "/api/filters", nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateFilter saves a named filter preset.
func (c *Client) CreateFilter(ctx context.Context, name string, spec trace.FilterSpec) (*trace.SavedFilter, error) {
	payload := map[string]any{
		"name":    name,
		"filters": spec,
	}
	var out trace.SavedFilter
	if err := c.doJSON(ctx, http.MethodPost, "/api/filters", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteFilter removes a saved filter preset.
func (c *Client) DeleteFilter(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/filters/"+url.PathEscape(id), nil, "", nil)
}

// GetAnalysis looks up a cached step analysis. A cache miss is an *APIError
// with KindNotFound; it is the caller's signal to request a fresh analysis.
func (c *Client) GetAnalysis(ctx context.Context, traceID, stepID string) (*trace.Analysis, error) {
	var out trace.Analysis
	path := analysisPath(traceID, stepID)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestAnalysis asks the backend to analyze a step. With force set, any
// cached result is ignored and recomputed.
func (c *Client) RequestAnalysis(ctx context.Context, traceID, stepID string, force bool) (*trace.Analysis, error) {
	payload := map[string]bool{"force": force}
	var out trace.Analysis
	if err := c.doJSON(ctx, http.MethodPost, analysisPath(traceID, stepID), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func analysisPath(traceID, stepID string) string {
	return "/api/traces/" + url.PathEscape(traceID) + "/steps/" + url.PathEscape(stepID) + "/analysis"
}

// AIStatus reports whether AI analysis is available and which models serve it.
type AIStatus struct {
	Enabled bool     `json:"enabled"`
	Models  []string `json:"models,omitempty"`
}

// GetAIStatus reports the backend's AI analysis availability.
func (c *Client) GetAIStatus(ctx context.Context) (*AIStatus, error) {
	var out AIStatus
	if err := c.do(ctx, http.MethodGet, "/api/ai/status", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, method, path, bytes.NewReader(body), "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The backend could not be reached at all. Callers treat this the
		// same way as an explicit 503.
		return &APIError{Kind: KindUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Kind: KindUnknown, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

func parseError(resp *http.Response) error {
	apiErr := &APIError{
		Kind:       kindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return apiErr
	}
	var envelope struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		apiErr.Message = envelope.Error
		if kind, ok := kindForCode(envelope.Code); ok {
			apiErr.Kind = kind
		}
	}
	return apiErr
}
