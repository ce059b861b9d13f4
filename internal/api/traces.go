package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/agenttrace/agenttrace/internal/store"
	"github.com/agenttrace/agenttrace/internal/trace"
)

type tracePathRoute struct {
	ID     string
	StepID string
	Action string
}

// TracesHandler serves the collection route: listing the caller's traces and
// ingesting a raw agent log.
func TracesHandler(options RouterOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := requireIdentity(w, r)
		if !ok {
			return
		}

		switch r.Method {
		case http.MethodGet:
			items, err := options.Store.ListTraces(r.Context(), identity.UserID)
			if err != nil {
				options.Logger.Error("list traces", "user_id", identity.UserID, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to list traces")
				return
			}
			if items == nil {
				items = []*trace.Trace{}
			}
			writeJSON(w, http.StatusOK, items)
		case http.MethodPost:
			raw, ok := readUploadBody(w, r, options.MaxUploadBytes)
			if !ok {
				return
			}
			ingestTrace(w, r, options, identity.UserID, raw)
		default:
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

// FileUploadHandler ingests an agent log submitted as a multipart file.
func FileUploadHandler(options RouterOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		identity, ok := requireIdentity(w, r)
		if !ok {
			return
		}
		raw, ok := readUploadFile(w, r, options.MaxUploadBytes)
		if !ok {
			return
		}
		ingestTrace(w, r, options, identity.UserID, raw)
	})
}

// GuestUploadHandler parses a log without credentials and without
// persistence: the caller gets the structured trace back and the server
// keeps nothing.
func GuestUploadHandler(options RouterOptions, fromFile bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}

		var raw []byte
		var ok bool
		if fromFile {
			raw, ok = readUploadFile(w, r, options.MaxUploadBytes)
		} else {
			raw, ok = readUploadBody(w, r, options.MaxUploadBytes)
		}
		if !ok {
			return
		}

		parsed, ok := parseUpload(w, raw)
		if !ok {
			return
		}
		options.Runtime.RecordUpload("guest")
		writeJSON(w, http.StatusOK, parsed)
	})
}

func TraceDetailHandler(options RouterOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseTracePathRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch route.Action {
		case "":
			switch r.Method {
			case http.MethodGet:
				handleTraceGet(w, r, options, route.ID)
			case http.MethodDelete:
				handleTraceDelete(w, r, options, route.ID)
			default:
				w.Header().Set("Allow", "GET, DELETE, OPTIONS")
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			}
		case "visibility":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			handleTraceVisibility(w, r, options, route.ID)
		case "analysis":
			switch r.Method {
			case http.MethodGet:
				handleAnalysisGet(w, r, options, route.ID, route.StepID)
			case http.MethodPost:
				handleAnalysisRequest(w, r, options, route.ID, route.StepID)
			default:
				w.Header().Set("Allow", "GET, POST, OPTIONS")
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			}
		default:
			http.NotFound(w, r)
		}
	})
}

func handleTraceGet(w http.ResponseWriter, r *http.Request, options RouterOptions, id string) {
	item, err := options.Store.GetTrace(r.Context(), id, callerUserID(r))
	if err != nil {
		writeTraceStoreError(w, options, err, "read trace")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func handleTraceDelete(w http.ResponseWriter, r *http.Request, options RouterOptions, id string) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if err := options.Store.DeleteTrace(r.Context(), id, identity.UserID); err != nil {
		writeTraceStoreError(w, options, err, "delete trace")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func handleTraceVisibility(w http.ResponseWriter, r *http.Request, options RouterOptions, id string) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req struct {
		IsPublic bool `json:"is_public"`
	}
	if !decodeJSONBody(w, r, &req, false) {
		return
	}

	if err := options.Store.SetVisibility(r.Context(), id, identity.UserID, req.IsPublic); err != nil {
		writeTraceStoreError(w, options, err, "update trace visibility")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_public": req.IsPublic})
}

func ingestTrace(w http.ResponseWriter, r *http.Request, options RouterOptions, userID string, raw []byte) {
	parsed, ok := parseUpload(w, raw)
	if !ok {
		return
	}

	parsed.UserID = userID
	parsed.IsPublic = false
	if err := options.Store.SaveTrace(r.Context(), parsed); err != nil {
		options.Logger.Error("save trace", "trace_id", parsed.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save trace")
		return
	}

	options.Runtime.RecordUpload("remote")
	writeJSON(w, http.StatusCreated, parsed)
}

func parseUpload(w http.ResponseWriter, raw []byte) (*trace.Trace, bool) {
	parsed, err := trace.ParseJSON(raw)
	if err != nil {
		if errors.Is(err, trace.ErrInvalidLog) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		} else {
			writeError(w, http.StatusBadRequest, "upload is not valid JSON")
		}
		return nil, false
	}
	return parsed, true
}

func readUploadBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, bool) {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read upload body")
		return nil, false
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "upload body is empty")
		return nil, false
	}
	return raw, true
}

func readUploadFile(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "upload must carry a file field")
		return nil, false
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read uploaded file")
		return nil, false
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "uploaded file is empty")
		return nil, false
	}
	return raw, true
}

func writeTraceStoreError(w http.ResponseWriter, options RouterOptions, err error, action string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "trace not found")
	case errors.Is(err, store.ErrNotOwner):
		// Surfacing ownership as not-found keeps private trace IDs
		// unguessable.
		writeError(w, http.StatusNotFound, "trace not found")
	default:
		options.Logger.Error(action, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

func callerUserID(r *http.Request) string {
	identity := authIdentity(r)
	if identity == nil {
		return ""
	}
	return identity.UserID
}

func parseTracePathRoute(path string) (tracePathRoute, bool) {
	prefix := "/api/traces/"
	if !strings.HasPrefix(path, prefix) {
		return tracePathRoute{}, false
	}
	suffix := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if suffix == "" {
		return tracePathRoute{}, false
	}
	parts := strings.Split(suffix, "/")
	if strings.TrimSpace(parts[0]) == "" {
		return tracePathRoute{}, false
	}

	route := tracePathRoute{ID: parts[0]}
	switch len(parts) {
	case 1:
		return route, true
	case 2:
		route.Action = strings.TrimSpace(parts[1])
		if route.Action == "" {
			return tracePathRoute{}, false
		}
		return route, true
	case 4:
		if parts[1] != "steps" || parts[3] != "analysis" {
			return tracePathRoute{}, false
		}
		route.StepID = strings.TrimSpace(parts[2])
		if route.StepID == "" {
			return tracePathRoute{}, false
		}
		route.Action = "analysis"
		return route, true
	default:
		return tracePathRoute{}, false
	}
}
