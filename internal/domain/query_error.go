package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a query attempt or connection operation failed.
type ErrorKind string

// Failure classifications surfaced to callers and persisted on failed records.
const (
	KindValidationRejected     ErrorKind = "ValidationRejected"
	KindTranslationFailed      ErrorKind = "TranslationFailed"
	KindConnectionUnauthorized ErrorKind = "ConnectionUnauthorized"
	KindConnectionUnreachable  ErrorKind = "ConnectionUnreachable"
	KindPoolExhausted          ErrorKind = "PoolExhausted"
	KindExecutionTimeout       ErrorKind = "ExecutionTimeout"
	KindTenantMismatch         ErrorKind = "TenantMismatch"
	KindCancelled              ErrorKind = "Cancelled"
	KindExecutionFailed        ErrorKind = "ExecutionFailed"
)

// Retryable reports whether re-submitting the same request may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTranslationFailed, KindConnectionUnreachable, KindPoolExhausted,
		KindExecutionTimeout, KindCancelled:
		return true
	default:
		return false
	}
}

// QueryError is a classified, user-readable failure. Message never contains
// secret material or raw driver output for connection-class failures.
type QueryError struct {
	Kind    ErrorKind
	Message string
	Err     error

	// QueryID names the failed record once the failure has been persisted.
	QueryID string
}

func (e *QueryError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *QueryError) Unwrap() error { return e.Err }

// NewQueryError creates a QueryError with a formatted message.
func NewQueryError(kind ErrorKind, format string, args ...interface{}) *QueryError {
	return &QueryError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapQueryError creates a QueryError that keeps err as its cause.
func WrapQueryError(kind ErrorKind, err error, message string) *QueryError {
	return &QueryError{Kind: kind, Message: message, Err: err}
}

// WithQueryID returns a copy of e tagged with the record it was persisted on.
func (e *QueryError) WithQueryID(id string) *QueryError {
	cp := *e
	cp.QueryID = id
	return &cp
}

// KindOf returns the classification of err, or "" if it is not a QueryError.
func KindOf(err error) ErrorKind {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return ""
}
