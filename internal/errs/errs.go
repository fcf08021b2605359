// Package errs defines the typed error sum every fallible operation in the
// core returns, replacing exception-style control flow with an explicit
// code and retry hint.
package errs

import (
	"errors"
	"fmt"
)

// Code is one of the RPC error codes in the external interface contract.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidParameter   Code = "INVALID_PARAMETER"
	CodeInvalidCategory    Code = "INVALID_CATEGORY"
	CodeInvalidArtifact    Code = "INVALID_ARTIFACT_TYPE"
	CodeMissingParameter   Code = "MISSING_PARAMETER"
	CodeDatabaseError      Code = "DATABASE_ERROR"
	CodeExtractionError    Code = "EXTRACTION_ERROR"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// Kind classifies an Error for propagation and retry policy.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindTransient
	KindTerminal
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Error is the single error type the core's fallible operations return.
// It carries enough information for both an RPC envelope and a job-queue
// retry decision, never a bare sentinel.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the narrowest reasonable caller (an embedding
// batch, a single SQL statement) may retry locally. Only TransientError
// qualifies; everything else propagates.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

func newErr(kind Kind, code Code, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func Validation(format string, args ...any) *Error {
	return newErr(KindValidation, CodeInvalidParameter, nil, format, args...)
}

func MissingParameter(name string) *Error {
	return newErr(KindValidation, CodeMissingParameter, nil, "missing required parameter %q", name)
}

func InvalidCategory(value string) *Error {
	return newErr(KindValidation, CodeInvalidCategory, nil, "invalid event category %q", value)
}

func InvalidArtifactKind(value string) *Error {
	return newErr(KindValidation, CodeInvalidArtifact, nil, "invalid artifact kind %q", value)
}

func NotFound(format string, args ...any) *Error {
	return newErr(KindNotFound, CodeNotFound, nil, format, args...)
}

func Transient(cause error, format string, args ...any) *Error {
	return newErr(KindTransient, CodeDatabaseError, cause, format, args...)
}

func Terminal(cause error, format string, args ...any) *Error {
	return newErr(KindTerminal, CodeInternalError, cause, format, args...)
}

func ExtractionFailed(cause error, format string, args ...any) *Error {
	return newErr(KindTerminal, CodeExtractionError, cause, format, args...)
}

func Integrity(cause error, format string, args ...any) *Error {
	return newErr(KindIntegrity, CodeInternalError, cause, format, args...)
}

func Database(cause error, format string, args ...any) *Error {
	return newErr(KindTransient, CodeDatabaseError, cause, format, args...)
}

func Internal(cause error, format string, args ...any) *Error {
	return newErr(KindTerminal, CodeInternalError, cause, format, args...)
}

// As reports whether err is, or wraps, an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to KindTerminal for any error
// that didn't originate from this package — an unclassified failure is
// treated as non-retryable rather than silently retried forever.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindTerminal
}
