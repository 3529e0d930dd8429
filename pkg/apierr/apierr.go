// Package apierr defines the typed error kinds returned by warren's
// internal packages and translated to HTTP status codes at the API
// boundary.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the class of failure independent of its message.
type Kind string

const (
	KindBadRequest            Kind = "bad_request"
	KindUnauthorized          Kind = "unauthorized"
	KindForbidden             Kind = "forbidden"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindInsufficientCapacity  Kind = "insufficient_capacity"
	KindStoreUnavailable      Kind = "store_unavailable"
	KindFetchFailed           Kind = "fetch_failed"
	KindCandidateNodeNotFound Kind = "candidate_node_not_found"
	KindExternalToolFailed    Kind = "external_tool_failed"
	KindInternal              Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindBadRequest:            http.StatusBadRequest,
	KindUnauthorized:          http.StatusUnauthorized,
	KindForbidden:             http.StatusForbidden,
	KindNotFound:              http.StatusNotFound,
	KindConflict:              http.StatusConflict,
	KindInsufficientCapacity:  http.StatusInsufficientStorage,
	KindStoreUnavailable:      http.StatusServiceUnavailable,
	KindFetchFailed:           http.StatusBadGateway,
	KindCandidateNodeNotFound: http.StatusInsufficientStorage,
	KindExternalToolFailed:    http.StatusInternalServerError,
	KindInternal:              http.StatusInternalServerError,
}

// Error is a typed, wrappable API error. Its Kind decides the HTTP
// status at the boundary; its wrapped cause is logged but never sent
// to the client. No traceback is added to the response, whatever
// IncludeTracebacks is set to.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status code for this error's Kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given Kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NotFound is a convenience constructor for the common 404 case.
func NotFound(objectType, uuid string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s %s not found", objectType, uuid))
}

// StatusFor returns the HTTP status code for any error, falling back
// to 500 for errors that are not an *Error.
func StatusFor(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status()
	}
	return http.StatusInternalServerError
}

// KindOf returns the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}
