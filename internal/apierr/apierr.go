// Package apierr holds the error taxonomy shared by every adapter and the
// single function that turns an error into an HTTP status and message.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindClientInput
	KindMisconfigured
	KindUpstreamRejected
	KindUpstreamUnreachable
	KindUpstreamMalformed
)

func (k Kind) String() string {
	switch k {
	case KindClientInput:
		return "client_input"
	case KindMisconfigured:
		return "misconfigured"
	case KindUpstreamRejected:
		return "upstream_rejected"
	case KindUpstreamUnreachable:
		return "upstream_unreachable"
	case KindUpstreamMalformed:
		return "upstream_malformed"
	default:
		return "internal"
	}
}

// Error is an error that knows which envelope it should become.
type Error struct {
	Kind    Kind
	Message string
	// Status is only consulted for KindUpstreamRejected.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func BadInput(format string, args ...any) *Error {
	return &Error{Kind: KindClientInput, Message: fmt.Sprintf(format, args...)}
}

func Misconfigured(format string, args ...any) *Error {
	return &Error{Kind: KindMisconfigured, Message: fmt.Sprintf(format, args...)}
}

func Rejected(status int, message string) *Error {
	return &Error{Kind: KindUpstreamRejected, Status: status, Message: message}
}

func Unreachable(message string, err error) *Error {
	return &Error{Kind: KindUpstreamUnreachable, Message: message, Err: err}
}

func Malformed(message string, err error) *Error {
	return &Error{Kind: KindUpstreamMalformed, Message: message, Err: err}
}

// Internal wraps an unexpected local failure. Its message is the cause's text.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Err: err}
}

// Classify maps any error to the status code and message of the error
// envelope. Errors outside the taxonomy are internal failures whose message is
// surfaced verbatim.
func Classify(err error) (int, string) {
	if err == nil {
		return http.StatusOK, ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, err.Error()
	}
	switch e.Kind {
	case KindClientInput:
		return http.StatusBadRequest, e.Error()
	case KindMisconfigured:
		return http.StatusInternalServerError, e.Error()
	case KindUpstreamRejected:
		if e.Status < 400 || e.Status > 599 {
			return http.StatusBadGateway, e.Error()
		}
		return e.Status, e.Error()
	case KindUpstreamUnreachable:
		return http.StatusServiceUnavailable, e.Error()
	case KindUpstreamMalformed:
		return http.StatusBadGateway, e.Error()
	default:
		return http.StatusInternalServerError, e.Error()
	}
}

// KindOf reports the taxonomy kind of err, KindInternal when it has none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
