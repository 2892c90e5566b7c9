// Package apperr defines GateKit's closed error-kind vocabulary and maps
// each kind to an HTTP status and a machine-stable code. Handlers and
// services construct *Error values (or wrap causes with one of the
// constructors below); the HTTP edge is the only place that reads Kind to
// decide status code and response shape.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the closed set of error categories from the error
// handling design. Kinds are categories, not Go types; callers compare
// against the constants below, never against concrete error structs.
type Kind string

const (
	KindValidation               Kind = "validation_error"
	KindAuthentication           Kind = "authentication_error"
	KindAuthorization            Kind = "authorization_error"
	KindNotFound                 Kind = "not_found"
	KindConflict                 Kind = "conflict"
	KindRateLimited              Kind = "rate_limited"
	KindPermanentDeliveryFailure Kind = "permanent_delivery_failure"
	KindTransientDeliveryFailure Kind = "transient_delivery_failure"
	KindInternal                 Kind = "internal_error"
)

// Error is GateKit's user-visible error value. Message is safe to return
// to a caller; Kind drives HTTP status mapping; Code is the machine-stable
// identifier carried alongside Message in the response envelope. Field
// names the offending input for ValidationError; RetryAfter carries a
// hint for RateLimited.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Field      string
	RetryAfter int // seconds, only meaningful for KindRateLimited
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code for this error's kind per the
// error-handling table. PermanentDeliveryFailure and
// TransientDeliveryFailure never reach the HTTP edge directly (they are
// surfaced via job status instead) but resolve to 500 if misused.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation reports bad input shape or out-of-bounds values. field names
// the offending input; it is omitted from the response when empty.
func Validation(field, format string, args ...any) *Error {
	e := newf(KindValidation, "VALIDATION_ERROR", format, args...)
	e.Field = field
	return e
}

// Authentication reports a missing or malformed credential.
func Authentication(format string, args ...any) *Error {
	return newf(KindAuthentication, "AUTHENTICATION_ERROR", format, args...)
}

// Authorization reports a scope-set mismatch (INSUFFICIENT_SCOPE).
func Authorization(format string, args ...any) *Error {
	return newf(KindAuthorization, "INSUFFICIENT_SCOPE", format, args...)
}

// NotFound reports an entity that is either genuinely missing or whose
// existence must not be leaked to a principal lacking access to it; both
// cases resolve to the same response shape.
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, "NOT_FOUND", format, args...)
}

// Conflict reports a duplicate slug, an already-revoked idempotent
// operation, or a similar state conflict.
func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, "CONFLICT", format, args...)
}

// RateLimited reports a throttle trigger; retryAfter is seconds until the
// caller may retry.
func RateLimited(retryAfter int) *Error {
	e := newf(KindRateLimited, "RATE_LIMITED", "rate limit exceeded")
	e.RetryAfter = retryAfter
	return e
}

// Internal wraps an unexpected cause as a generic internal error. The
// cause is logged by the caller but never included in the response body;
// Message is always the fixed generic text.
func Internal(cause error) *Error {
	e := &Error{Kind: KindInternal, Code: "INTERNAL_ERROR", Message: "internal error", cause: cause}
	return e
}

// PermanentDelivery marks an outbound send as permanently failed: the
// adapter classified the error as non-retryable (see the permanent-marker
// string set used by outbound delivery classification). Never surfaced to
// the HTTP edge; read by job-status queries instead.
func PermanentDelivery(cause error) *Error {
	return &Error{Kind: KindPermanentDeliveryFailure, Code: "PERMANENT_DELIVERY_FAILURE", Message: "delivery failed permanently", cause: cause}
}

// TransientDelivery marks an outbound send as retryable.
func TransientDelivery(cause error) *Error {
	return &Error{Kind: KindTransientDeliveryFailure, Code: "TRANSIENT_DELIVERY_FAILURE", Message: "delivery failed, will retry", cause: cause}
}

// As extracts an *Error from err via errors.As, returning ok=false if err
// does not carry one (in which case the caller should treat it as
// KindInternal).
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// KindOf resolves err to its Kind, defaulting to KindInternal when err does
// not wrap an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
