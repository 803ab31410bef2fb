// Package apperr is the request-level error taxonomy shared by every service.
// Handlers return these; httpx.WriteAppError turns them into responses at the
// outermost boundary.
package apperr

import (
	"errors"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindRateLimited
	KindUpstream
	KindUnavailable
)

type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Validation(msg string) error { return New(KindValidation, msg) }

func Auth(msg string) error { return New(KindAuth, msg) }

func Forbidden(msg string) error { return New(KindForbidden, msg) }

func NotFound(msg string) error { return New(KindNotFound, msg) }

func RateLimited(msg string) error { return New(KindRateLimited, msg) }

func Upstream(err error) error { return Wrap(KindUpstream, "upstream request failed", err) }

func Unavailable(msg string, err error) error { return Wrap(KindUnavailable, msg, err) }

func Internal(err error) error { return Wrap(KindInternal, "internal error", err) }

// KindOf reports the taxonomy kind of err; unknown errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func Status(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func Code(kind Kind) string {
	switch kind {
	case KindValidation:
		return "INVALID_ARGUMENT"
	case KindAuth:
		return "UNAUTHENTICATED"
	case KindForbidden:
		return "FORBIDDEN"
	case KindNotFound:
		return "NOT_FOUND"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindUpstream:
		return "UPSTREAM_ERROR"
	case KindUnavailable:
		return "FAILED_PRECONDITION"
	default:
		return "INTERNAL_ERROR"
	}
}

// PublicMessage is what a client may see. Server-side kinds never expose the
// wrapped cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal server error"
	}
	switch e.Kind {
	case KindInternal, KindUpstream:
		return "internal server error"
	}
	if e.Message == "" {
		return "internal server error"
	}
	return e.Message
}

func DetailsOf(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
