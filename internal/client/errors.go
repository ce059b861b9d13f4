package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an API failure so callers can branch on what happened
// rather than on raw status codes.
type Kind string

const (
	// KindNotFound: the resource does not exist. Cache misses on analysis
	// lookups arrive as this kind.
	KindNotFound Kind = "not_found"
	// KindUnavailable: the backend or a dependency it needs is unreachable
	// or down. The only kind that triggers guest fallback.
	KindUnavailable Kind = "unavailable"
	// KindUnauthorized: the request carried no valid credentials.
	KindUnauthorized Kind = "unauthorized"
	// KindFeatureDisabled: the feature is not available to this caller,
	// either because the plan excludes it or because the deployment has it
	// switched off.
	KindFeatureDisabled Kind = "feature_disabled"
	// KindValidation: the request payload was rejected. The message carries
	// the server's detail verbatim.
	KindValidation Kind = "validation"
	// KindUnknown: anything else, including transport-level failures.
	KindUnknown Kind = "unknown"
)

// APIError is the error type every Client method returns for non-2xx
// responses. StatusCode is zero for transport-level failures.
type APIError struct {
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("api: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("api: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// codeAIDisabled is the backend's marker for a 503 caused by the analyzer
// being switched off. Without it the status would read as an outage.
const codeAIDisabled = "ai_disabled"

// kindForCode refines the status-derived kind with the envelope's optional
// machine-readable code.
func kindForCode(code string) (Kind, bool) {
	switch code {
	case codeAIDisabled:
		return KindFeatureDisabled, true
	default:
		return "", false
	}
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusServiceUnavailable:
		return KindUnavailable
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindFeatureDisabled
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindUnknown
	}
}

// ErrorKind extracts the Kind from an error chain. Non-API errors report
// KindUnknown.
func ErrorKind(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is an API error for a missing resource.
func IsNotFound(err error) bool {
	return ErrorKind(err) == KindNotFound
}

// IsUnavailable reports whether err means the backend could not serve at all.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindUnavailable
	}
	return false
}
