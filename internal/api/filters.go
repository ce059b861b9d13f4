package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/agenttrace/agenttrace/internal/store"
	"github.com/agenttrace/agenttrace/internal/trace"
)

type createFilterRequest struct {
	Name    string           `json:"name"`
	Filters trace.FilterSpec `json:"filters"`
}

// FiltersHandler lists and creates the caller's saved filter presets.
func FiltersHandler(st store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := requireIdentity(w, r)
		if !ok {
			return
		}

		switch r.Method {
		case http.MethodGet:
			filters, err := st.ListFilters(r.Context(), identity.UserID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list filters")
				return
			}
			if filters == nil {
				filters = []trace.SavedFilter{}
			}
			writeJSON(w, http.StatusOK, filters)
		case http.MethodPost:
			var req createFilterRequest
			if !decodeJSONBody(w, r, &req, false) {
				return
			}
			req.Name = strings.TrimSpace(req.Name)
			if req.Name == "" {
				writeError(w, http.StatusBadRequest, "filter name is required")
				return
			}

			filter := trace.SavedFilter{
				ID:      uuid.NewString(),
				Name:    req.Name,
				Filters: req.Filters,
			}
			if err := st.CreateFilter(r.Context(), identity.UserID, &filter); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to save filter")
				return
			}
			writeJSON(w, http.StatusCreated, filter)
		default:
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

// FilterDetailHandler deletes one saved filter preset.
func FilterDetailHandler(st store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodDelete) {
			return
		}
		identity, ok := requireIdentity(w, r)
		if !ok {
			return
		}

		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/filters/"), "/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}

		if err := st.DeleteFilter(r.Context(), id, identity.UserID); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNotOwner):
				writeError(w, http.StatusNotFound, "filter not found")
			default:
				writeError(w, http.StatusInternalServerError, "failed to delete filter")
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	})
}
