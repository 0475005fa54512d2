package api

import (
	"fmt"
	"net/http"
)

// Kind classifies an API failure into the closed set the dispatcher handles.
type Kind string

const (
	// KindAuthorization means the API rejected the token (401/403). The
	// caller should re-resolve credentials rather than retry blindly.
	KindAuthorization Kind = "authorization_failure"

	// KindNotFound means the addressed resource does not exist (404).
	KindNotFound Kind = "not_found"

	// KindTransient covers rate limits and server errors (429/5xx); the
	// client retries these before surfacing them.
	KindTransient Kind = "transient"

	// KindRequestInvalid covers the remaining 4xx responses: the request
	// the caller built is malformed and retrying cannot help.
	KindRequestInvalid Kind = "request_invalid"

	// KindTimeout means the request hit the per-request deadline; retried
	// like a transient failure.
	KindTimeout Kind = "timeout"
)

// Error is a typed API failure. Attempts records how many HTTP exchanges
// were made before the failure was surfaced.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Attempts   int
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the failure is eligible for the retry policy.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindTimeout
}

// classifyStatus maps a non-2xx status code to a failure kind.
func classifyStatus(statusCode int) Kind {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuthorization
	case statusCode == http.StatusNotFound:
		return KindNotFound
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return KindTransient
	default:
		return KindRequestInvalid
	}
}
