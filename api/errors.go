// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-http.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNotSupported      = errors.New("operation not supported")
	ErrLoopRunning       = errors.New("event loop is already running")
	ErrLoopClosed        = errors.New("event loop is closed")
	ErrSessionClosed     = errors.New("session is closed")
	ErrQueueClosed       = errors.New("handoff queue is closed")
	ErrHandleBusy        = errors.New("transfer handle is busy")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeTransfer
	ErrCodeNotSupported
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ValidationError reports a request argument of the wrong shape. It is
// returned synchronously from submission and nothing is enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Reason
}

// Unwrap lets errors.Is match ErrInvalidArgument.
func (e *ValidationError) Unwrap() error { return ErrInvalidArgument }

// NewValidationError builds a ValidationError for the named field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// TransferError is delivered asynchronously with the caller token when the
// engine finishes a transfer with a non-success result.
type TransferError struct {
	Code   ResultCode
	Detail string
}

// Error returns the human-readable description of the result code,
// optionally followed by the engine detail.
func (e *TransferError) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Detail
}

// Unwrap maps exhaustion of reactor resources onto ErrResourceExhausted.
func (e *TransferError) Unwrap() error {
	if e.Code == ResultResourceExhausted {
		return ErrResourceExhausted
	}
	return nil
}

// AsError converts the structured transfer error into the generic Error
// shape used by callers that aggregate failures.
func (e *TransferError) AsError() *Error {
	return NewError(ErrCodeTransfer, e.Code.String()).
		WithContext("result", int(e.Code)).
		WithContext("detail", e.Detail)
}

// NewTransferError wraps a result code and optional detail.
func NewTransferError(code ResultCode, detail string) *TransferError {
	return &TransferError{Code: code, Detail: detail}
}
