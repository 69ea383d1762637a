package slack

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed classification of Slack call outcomes.
type ErrorKind int

const (
	KindTransient   ErrorKind = iota // network, 5xx, unknown api error
	KindInvalidated                  // the user token is dead: revoked, expired, account gone
	KindRateLimited                  // ratelimited / 429
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidated:
		return "invalidated"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// APIError carries a classified Slack failure. SlackError holds the
// machine-readable error string from the response body ("invalid_auth",
// "ratelimited", ...), empty for pure transport failures.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	SlackError string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.SlackError != "" {
		return fmt.Sprintf("slack: %s (%s)", e.Kind, e.SlackError)
	}
	return fmt.Sprintf("slack: %s (status %d)", e.Kind, e.StatusCode)
}

// Classify extracts the error kind; non-APIError values are transient.
func Classify(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransient
}

// Slack error strings that mean the token will never work again.
var invalidatedErrors = map[string]bool{
	"invalid_auth":     true,
	"account_inactive": true,
	"token_revoked":    true,
	"token_expired":    true,
	"no_permission":    true,
}

func classifyAPIError(statusCode int, slackError string, retryAfter time.Duration) *APIError {
	kind := KindTransient
	switch {
	case invalidatedErrors[slackError]:
		kind = KindInvalidated
	case slackError == "ratelimited" || statusCode == 429:
		kind = KindRateLimited
	}
	return &APIError{Kind: kind, StatusCode: statusCode, SlackError: slackError, RetryAfter: retryAfter}
}
