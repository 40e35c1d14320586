// Package dwerrors defines the structured error kinds surfaced at the tool
// surface boundary (spec §7). Kind is a closed enumeration so callers can
// safely switch on it; Error carries a human-readable message plus optional
// structured detail and preserves causal chains via errors.Is/As, following
// the teacher's toolerrors.ToolError and mcp/retry.RetryableError shape.
package dwerrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the stable error categories surfaced at verb boundaries.
type Kind string

const (
	KindUnknownWorkflow    Kind = "unknown_workflow"
	KindInvalidArguments   Kind = "invalid_arguments"
	KindUnknownTool        Kind = "unknown_tool"
	KindToolDisabled       Kind = "tool_disabled"
	KindTooManyActive      Kind = "too_many_active"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProviderError      Kind = "provider_error"
	KindWorkflowTimeout    Kind = "workflow_timeout"
	KindSubtaskTimeout     Kind = "subtask_timeout"
	KindCancelled          Kind = "cancelled"
	KindShutdown           Kind = "shutdown"
	KindInternal           Kind = "internal"
)

// Error is the structured error type returned at tool-surface boundaries.
// It satisfies the standard error interface and supports errors.Is/As via
// Unwrap, so callers can test Kind with errors.As(err, &dwErr) or compare
// kinds directly once unwrapped.
type Error struct {
	// Kind classifies the failure into one of the stable categories above.
	Kind Kind
	// Message is a human-readable description of the failure.
	Message string
	// Field names the offending field for invalid_arguments errors.
	Field string
	// Attempts records the delivery attempt count for webhook-related failures.
	Attempts int
	// Cause links to the underlying error, if any.
	Cause error
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithField returns a copy of e with Field set, for invalid_arguments errors.
func (e *Error) WithField(field string) *Error {
	if e == nil {
		return nil
	}
	c := *e
	c.Field = field
	return &c
}

// WithAttempts returns a copy of e with Attempts set, for webhook failures.
func (e *Error) WithAttempts(n int) *Error {
	if e == nil {
		return nil
	}
	c := *e
	c.Attempts = n
	return &c
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, enabling errors.Is/As over the chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// As reports whether err is or wraps an *Error and, when it is, returns it.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is a *Error, otherwise KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
