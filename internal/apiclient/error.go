package apiclient

import (
	"errors"
	"fmt"
	"time"
)

// Error is the structured remote failure shape shared by the rollout
// engine and the pipeline system. Transient is filled in by the
// classification table, never guessed from the message text.
type Error struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	HTTPStatus int       `json:"-"`
	Transient  bool      `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote error %s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

type errorEnvelope struct {
	Err Error `json:"error"`
}

// engine-side error codes that are worth retrying
var transientCodes = map[string]struct{}{
	"QueueFull":          {},
	"InternalError":      {},
	"Throttled":          {},
	"RequestTimeout":     {},
	"ServiceUnavailable": {},
}

// codes certain to repeat on retry
var nonRecoverableCodes = map[string]struct{}{
	"NotFound":             {},
	"Unauthorized":         {},
	"AuthenticationFailed": {},
	"Forbidden":            {},
	"InvalidParameter":     {},
	"Conflict":             {},
}

var transientHTTPStatuses = map[int]struct{}{
	429: {},
	500: {},
	503: {},
}

// classify resolves the transient flag from the error code first, then
// the HTTP status. Unknown errors are non-recoverable: retrying blindly
// against a mutating rollout API is worse than failing loudly.
func classify(code string, httpStatus int) bool {
	if _, ok := transientCodes[code]; ok {
		return true
	}
	if _, ok := nonRecoverableCodes[code]; ok {
		return false
	}
	_, ok := transientHTTPStatuses[httpStatus]
	return ok
}

// IsTransient reports whether err is a remote error worth retrying.
// Transport-level failures (no response at all) count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Transient
	}
	// no structured response: connection refused, timeout, EOF
	return true
}
