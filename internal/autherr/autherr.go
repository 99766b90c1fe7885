// Package autherr defines the typed failures that cross component
// boundaries in the sign-in flow. Gateway, reconciler and orchestrator
// return *Error values instead of raw provider or driver errors so that
// the HTTP layer can pick a status code and a safe user message without
// inspecting the underlying cause.
package autherr

import (
	"errors"
	"net/http"
)

// Kind classifies an Error.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindAuthentication      Kind = "authentication"
	KindSessionExpired      Kind = "session_expired"
	KindProfileProvisioning Kind = "profile_provisioning"
	KindConfiguration       Kind = "configuration"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrAuthentication      = &Error{Kind: KindAuthentication}
	ErrSessionExpired      = &Error{Kind: KindSessionExpired}
	ErrProfileProvisioning = &Error{Kind: KindProfileProvisioning}
	ErrConfiguration       = &Error{Kind: KindConfiguration}
)

// Error is a classified failure. Message is safe to show to a user; Err
// holds the underlying cause and is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	// Fields carries per-field validation messages, keyed by input name.
	Fields map[string][]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// Validation reports malformed input.
func Validation(msg string, cause error) *Error { return newErr(KindValidation, msg, cause) }

// Authentication reports a rejection by the identity provider.
func Authentication(msg string, cause error) *Error {
	return newErr(KindAuthentication, msg, cause)
}

// SessionExpired reports a missing or expired PKCE verifier.
func SessionExpired(msg string, cause error) *Error {
	return newErr(KindSessionExpired, msg, cause)
}

// ProfileProvisioning reports a profile store failure.
func ProfileProvisioning(msg string, cause error) *Error {
	return newErr(KindProfileProvisioning, msg, cause)
}

// Configuration reports missing deployment configuration. It is never
// retryable.
func Configuration(msg string, cause error) *Error {
	return newErr(KindConfiguration, msg, cause)
}

// FieldErrors builds a validation error carrying per-field messages.
func FieldErrors(fields map[string][]string) *Error {
	return &Error{Kind: KindValidation, Message: "Validation error", Fields: fields}
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// PublicMessage returns the user-facing message for err. Unclassified
// errors never leak their text.
func PublicMessage(err error) string {
	if e, ok := As(err); ok && e.Message != "" {
		return e.Message
	}
	return "Something went wrong. Please try again."
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication, KindSessionExpired:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
