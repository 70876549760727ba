// Package apierr defines the structured error carried from any stage of
// request handling to the client.
//
// Every failure that reaches the HTTP boundary is an *Error: a closed Code,
// an HTTP status, a message, and optional internal detail whose visibility
// is decided when the error document is encoded.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies where in the request lifecycle an error arose.
type Kind int

// Error kinds.
const (
	KindHandler Kind = iota
	KindDecode
	KindAuth
	KindAdmission
	KindNotFound
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindAuth:
		return "auth"
	case KindAdmission:
		return "admission"
	case KindNotFound:
		return "not-found"
	case KindInternal:
		return "internal"
	default:
		return "handler"
	}
}

// Code is the machine-readable error code sent to clients.
type Code string

// Error codes. The set is closed; handlers pick from it.
const (
	CodeInvalidJSON          Code = "invalid-json"
	CodeParseFailed          Code = "parse-failed"
	CodeBadRequest           Code = "bad-request"
	CodeInvalidHeaders       Code = "invalid-headers"
	CodeAccessDenied         Code = "access-denied"
	CodeInvalidJWT           Code = "invalid-jwt"
	CodeJWTInvalidClaims     Code = "jwt-invalid-claims"
	CodeAuthWebhookFailed    Code = "auth-webhook-failed"
	CodeTooManyConcurrent    Code = "too-many-concurrent-requests"
	CodeRateLimited          Code = "rate-limit-exceeded"
	CodeNotFound             Code = "not-found"
	CodeNotSupported         Code = "not-supported"
	CodeConflict             Code = "conflict"
	CodeAlreadyExists        Code = "already-exists"
	CodeValidationFailed     Code = "validation-failed"
	CodeReadOnlyMode         Code = "read-only-mode"
	CodeMaintenanceMode      Code = "maintenance-mode"
	CodeUpstreamFailed       Code = "upstream-error"
	CodePostgresError        Code = "postgres-error"
	CodeMetadataInconsistent Code = "metadata-inconsistency"
	CodeUnexpected           Code = "unexpected"
)

// Error is a structured request failure.
type Error struct {
	Kind    Kind
	Code    Code
	Status  int
	Message string
	// Path locates the failure within the request body, "$" when unset.
	Path string
	// Internal is diagnostic detail, shown only to privileged callers.
	Internal any
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error.
func New(kind Kind, code Code, status int, message string) *Error {
	return &Error{Kind: kind, Code: code, Status: status, Message: message, Path: "$"}
}

// Decode creates a 400 error for a body that could not be decoded.
func Decode(code Code, message string) *Error {
	return New(KindDecode, code, http.StatusBadRequest, message)
}

// Auth creates an authentication failure.
func Auth(code Code, status int, message string) *Error {
	return New(KindAuth, code, status, message)
}

// AccessDenied is the error returned to a caller lacking a required role.
func AccessDenied(message string) *Error {
	return Auth(CodeAccessDenied, http.StatusBadRequest, message)
}

// Admission creates a 503 error for work rejected before it started.
func Admission(message string) *Error {
	return New(KindAdmission, CodeTooManyConcurrent, http.StatusServiceUnavailable, message)
}

// Handler creates a domain failure raised by an endpoint.
func Handler(code Code, status int, message string) *Error {
	return New(KindHandler, code, status, message)
}

// BadRequest is a Handler error with status 400.
func BadRequest(code Code, message string) *Error {
	return Handler(code, http.StatusBadRequest, message)
}

// NotFound creates a 404 error.
func NotFound(message string) *Error {
	return New(KindNotFound, CodeNotFound, http.StatusNotFound, message)
}

// Internal wraps an unexpected failure. The cause is kept as internal detail.
func Internal(err error) *Error {
	e := New(KindInternal, CodeUnexpected, http.StatusInternalServerError, "an unexpected error occurred")
	e.Err = err
	if err != nil {
		e.Internal = map[string]any{"error": err.Error()}
	}
	return e
}

// WithPath returns a copy of e located at path.
func (e *Error) WithPath(path string) *Error {
	c := *e
	c.Path = path
	return &c
}

// WithInternal returns a copy of e carrying internal detail.
func (e *Error) WithInternal(detail any) *Error {
	c := *e
	c.Internal = detail
	return &c
}

// Wrap returns a copy of e with cause attached.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// From converts any error into an *Error. Errors that are not already
// structured become Internal errors.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Document is the JSON body sent for a failed request.
type Document struct {
	Path     string `json:"path"`
	Message  string `json:"error"`
	Code     Code   `json:"code"`
	Internal any    `json:"internal,omitempty"`
}

// Document renders e for the client. Internal detail is dropped unless
// exposeInternal is set.
func (e *Error) Document(exposeInternal bool) Document {
	d := Document{Path: e.Path, Message: e.Message, Code: e.Code}
	if d.Path == "" {
		d.Path = "$"
	}
	if exposeInternal {
		d.Internal = e.Internal
	}
	return d
}
