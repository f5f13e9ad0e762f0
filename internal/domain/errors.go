package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies engine failures.
type ErrorKind string

const (
	KindInvalidModelOutput ErrorKind = "InvalidModelOutput"
	KindInvalidFeatures    ErrorKind = "InvalidFeatures"
	KindInvalidScore       ErrorKind = "InvalidScore"
	KindPricingError       ErrorKind = "PricingError"
	KindFairnessViolation  ErrorKind = "FairnessViolation"
	KindModelNotAvailable  ErrorKind = "ModelNotAvailable"
)

// Error is a typed engine error carrying audit context.
type Error struct {
	Kind    ErrorKind
	Subject string
	Field   string
	Value   any
	Message string
	Err     error
}

// Sentinels for errors.Is.
var (
	ErrInvalidModelOutput = &Error{Kind: KindInvalidModelOutput}
	ErrInvalidFeatures    = &Error{Kind: KindInvalidFeatures}
	ErrInvalidScore       = &Error{Kind: KindInvalidScore}
	ErrPricing            = &Error{Kind: KindPricingError}
	ErrFairnessViolation  = &Error{Kind: KindFairnessViolation}
	ErrModelNotAvailable  = &Error{Kind: KindModelNotAvailable}
)

// Storage collaborator errors.
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflicting request in progress")
)

// NewError builds a typed error for a field and its offending value.
func NewError(kind ErrorKind, field string, value any, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Subject != "" {
		b.WriteString(" [")
		b.WriteString(e.Subject)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s=%v)", e.Field, e.Value)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// WithSubject returns a copy of e attributed to a subject.
func (e *Error) WithSubject(subject string) *Error {
	out := *e
	out.Subject = subject
	return &out
}

// Wrap returns a copy of e with a cause attached.
func (e *Error) Wrap(err error) *Error {
	out := *e
	out.Err = err
	return &out
}

// KindOf extracts the kind of a typed error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// AsError extracts the typed error, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsClientError reports whether err was caused by bad caller data.
func IsClientError(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindInvalidModelOutput, KindInvalidFeatures, KindInvalidScore, KindPricingError:
		return true
	}
	return false
}

// IsRetryable reports whether a caller may retry with backoff.
// Only an unavailable or stale model output qualifies.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindModelNotAvailable
}
