// Package apperr provides coded application errors for the render pipeline and API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Code categorizes an error.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeStateConflict     Code = "STATE_CONFLICT"
	CodeArtifactUpload    Code = "ARTIFACT_UPLOAD_FAILED"
	CodeBackendSubmission Code = "BACKEND_SUBMISSION_FAILED"
	CodeBackendTimeout    Code = "BACKEND_TIMEOUT"
	CodeBackendFailed     Code = "BACKEND_FAILED"
	CodeInternal          Code = "INTERNAL_ERROR"
	CodeUnavailable       Code = "UNAVAILABLE"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeUnauthorized      Code = "UNAUTHORIZED"
)

// MaxMessageLength bounds error text persisted on a failed job.
const MaxMessageLength = 2000

// Error is an error with a code, the failing operation and optional context fields.
type Error struct {
	Code    Code
	Message string
	// Op is the operation that failed, e.g. "pipeline.submit".
	Op     string
	Err    error
	Fields map[string]any
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Code != "" {
		b.WriteString("[")
		b.WriteString(string(e.Code))
		b.WriteString("] ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithField adds a context field.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// HTTPStatus maps the code to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStateConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeArtifactUpload, CodeBackendSubmission, CodeBackendFailed:
		return http.StatusBadGateway
	case CodeBackendTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with an operation and message, keeping the code of a wrapped *Error.
func Wrap(err error, op, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{Code: e.Code, Message: message, Op: op, Err: err, Fields: e.Fields}
	}
	return &Error{Code: CodeInternal, Message: message, Op: op, Err: err}
}

// WrapWithCode wraps err with an explicit code.
func WrapWithCode(err error, code Code, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Op: op, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

// Validation reports a malformed input. index is the offending event index, or -1
// for document-level fields.
func Validation(index int, field, message string) *Error {
	return New(CodeValidation, message).
		WithField("index", index).
		WithField("field", field)
}

// StateConflict reports a transition attempted from an unexpected prior state.
func StateConflict(jobID string, from, to string) *Error {
	return Newf(CodeStateConflict, "job %s: cannot transition %s -> %s", jobID, from, to).
		WithField("id", jobID)
}

// GetCode extracts the code from err, defaulting to CodeInternal.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// GetFields extracts the context fields from err.
func GetFields(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// GetHTTPStatus extracts the HTTP status for err.
func GetHTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && GetCode(err) == code
}

func IsNotFound(err error) bool      { return IsCode(err, CodeNotFound) }
func IsValidation(err error) bool    { return IsCode(err, CodeValidation) }
func IsStateConflict(err error) bool { return IsCode(err, CodeStateConflict) }

// Truncate renders err for persistence on a job record.
func Truncate(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= MaxMessageLength {
		return msg
	}
	// Cut on a rune boundary so the result stays valid UTF-8.
	cut := MaxMessageLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
