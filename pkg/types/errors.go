package types

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrPersistence   = errors.New("persistence error")
	ErrAnalysis      = errors.New("analysis error")
	ErrServiceClosed = errors.New("service unavailable")
)

// Error carries an error kind, the failing operation and an optional cause.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validationf builds an ErrValidation error.
func Validationf(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound builds an ErrNotFound error for an entity kind and id.
func NotFound(entity, id string) error {
	return &Error{Kind: ErrNotFound, Op: "lookup " + entity, Msg: fmt.Sprintf("%s not found: %s", entity, id)}
}

// Persistence wraps a store failure.
func Persistence(op string, err error) error {
	return &Error{Kind: ErrPersistence, Op: op, Msg: "store rejected write", Err: err}
}

// Analysis wraps an unexpected failure in anomaly or alert classification.
func Analysis(op string, err error) error {
	return &Error{Kind: ErrAnalysis, Op: op, Err: err}
}

// ServiceClosed is returned for calls made after shutdown began.
func ServiceClosed(op string) error {
	return &Error{Kind: ErrServiceClosed, Op: op, Msg: "engine is shutting down"}
}
