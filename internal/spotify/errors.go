package spotify

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed classification of Spotify call outcomes. Callers
// switch on the kind instead of inspecting status codes or error strings.
type ErrorKind int

const (
	KindTransient       ErrorKind = iota // network, 5xx, undecodable response
	KindUnauthorized                     // 401: access token rejected
	KindRevoked                          // refresh token confirmed revoked (invalid_grant)
	KindRateLimited                      // 429
	KindNoActiveDevice                   // 404 on player endpoints
	KindPremiumRequired                  // 403 on player endpoints
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindRevoked:
		return "revoked"
	case KindRateLimited:
		return "rate_limited"
	case KindNoActiveDevice:
		return "no_active_device"
	case KindPremiumRequired:
		return "premium_required"
	default:
		return "transient"
	}
}

// APIError carries the classified outcome of a failed Spotify call.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration // from a 429 Retry-After header, zero otherwise
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("spotify: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("spotify: %s: %s", e.Kind, e.Message)
}

// Classify extracts the error kind; anything that is not an APIError is
// treated as transient.
func Classify(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransient
}

// Retryable reports whether a retry could change the outcome.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindUnauthorized, KindRevoked, KindPremiumRequired, KindNoActiveDevice:
		return false
	}
	return true
}
