package auth

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Require rejects requests that do not resolve to an identity. Handlers
// behind it can rely on IdentityFrom returning non-nil.
func Require(verifier *Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := verifier.Authenticate(r)
		if err != nil {
			status := http.StatusUnauthorized
			message := "authentication required"
			if errors.Is(err, ErrInvalidToken) {
				message = "invalid API token"
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// Optional attaches an identity when credentials are present and valid, and
// lets the request through as a guest otherwise.
func Optional(verifier *Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := verifier.Authenticate(r)
		if err != nil || identity == nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}
