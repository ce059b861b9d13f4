package api

import (
	"net/http"
	"strings"

	"github.com/agenttrace/agenttrace/internal/store"
	"github.com/agenttrace/agenttrace/internal/trace"
)

// SearchHandler finds steps across the caller's traces whose content or
// error text contains the query.
func SearchHandler(st store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		identity, ok := requireIdentity(w, r)
		if !ok {
			return
		}

		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			writeError(w, http.StatusBadRequest, "missing query parameter q")
			return
		}

		results, err := st.SearchSteps(r.Context(), identity.UserID, query)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to search steps")
			return
		}
		if results == nil {
			results = []trace.SearchResult{}
		}
		writeJSON(w, http.StatusOK, results)
	})
}
