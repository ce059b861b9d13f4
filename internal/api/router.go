package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agenttrace/agenttrace/internal/ai"
	"github.com/agenttrace/agenttrace/internal/auth"
	"github.com/agenttrace/agenttrace/internal/observability"
	"github.com/agenttrace/agenttrace/internal/store"
)

type RouterOptions struct {
	AppVersion     string
	Store          store.Store
	StorageDriver  string
	StoragePath    string
	Verifier       *auth.Verifier
	Analyzer       *ai.Analyzer
	MaxUploadBytes int64
	Runtime        *observability.Runtime
	Logger         *slog.Logger
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	if options.MaxUploadBytes <= 0 {
		options.MaxUploadBytes = 10 << 20
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Analyzer:      options.Analyzer,
	}))
	mux.Handle("/api/traces", auth.Require(options.Verifier, TracesHandler(options)))
	mux.Handle("/api/traces/guest", GuestUploadHandler(options, false))
	mux.Handle("/api/traces/file", auth.Require(options.Verifier, FileUploadHandler(options)))
	mux.Handle("/api/traces/guest-file", GuestUploadHandler(options, true))
	mux.Handle("/api/traces/", auth.Optional(options.Verifier, TraceDetailHandler(options)))
	mux.Handle("/api/search", auth.Require(options.Verifier, SearchHandler(options.Store)))
	mux.Handle("/api/filters", auth.Require(options.Verifier, FiltersHandler(options.Store)))
	mux.Handle("/api/filters/", auth.Require(options.Verifier, FilterDetailHandler(options.Store)))
	mux.Handle("/api/ai/status", AIStatusHandler(options.Analyzer))
	mux.Handle("/api/ai/quick-analysis", auth.Require(options.Verifier, QuickAnalysisHandler(options)))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "agenttrace backend",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return options.Runtime.WrapHTTPHandler(withCORS(mux))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeErrorCode adds a machine-readable code to the envelope. The status
// alone is ambiguous for conditions like a disabled analyzer, where a plain
// 503 would read as a backend outage.
func writeErrorCode(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// requireIdentity is used inside handlers that serve both anonymous and
// authenticated requests on one route.
func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity := auth.IdentityFrom(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return identity, true
}

func authIdentity(r *http.Request) *auth.Identity {
	return auth.IdentityFrom(r.Context())
}

const jsonBodyLimit = 16 << 10

// decodeJSONBody reads a small JSON request body into dst, rejecting unknown
// fields and trailing documents. An empty body is accepted only when
// allowEmpty is set; dst is left zero in that case.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, jsonBodyLimit)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
