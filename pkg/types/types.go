package types

import (
	"errors"
	"net/http"
)

// Kind classifies an error by how it must be handled
type Kind int

const (
	KindUnknown Kind = iota
	// KindInput is a malformed line or request; reported, never retried
	KindInput
	// KindStoreUnavailable is a transient coordination store failure; absorbed internally
	KindStoreUnavailable
	// KindRateLimited is a policy rejection; clients should back off
	KindRateLimited
	// KindSystemic is scheduling or resource exhaustion; the only kind that aborts a batch
	KindSystemic
	// KindCanceled is a caller that went away before its work finished
	KindCanceled
)

// StatusClientClosedRequest is the non-standard status logged for callers that disconnected
const StatusClientClosedRequest = 499

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindSystemic:
		return "systemic"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error carries a Kind and a stable machine readable code
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

// NewError creates a sentinel-style error
func NewError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind and code, so a wrapped copy
// still satisfies errors.Is against its sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Code == e.Code
}

// Wrap returns a copy of e carrying cause
func (e *Error) Wrap(cause error) error {
	return &Error{Kind: e.Kind, Code: e.Code, Msg: e.Msg, Err: cause}
}

// KindOf reports the Kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf reports the code of the first *Error in err's chain, or "internal"
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// HTTPStatusCode turns a Kind into an http status code
func HTTPStatusCode(k Kind) int {
	switch k {
	case KindInput:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
