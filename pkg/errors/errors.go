// Package errors provides the classified error model used across xconnect.
// Runtime operations never panic with business failures; they return an *Error
// carrying a domain, a machine-readable code, and the failed operation so
// callers can branch on classification instead of string matching.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard sentinel errors shared across domains.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternal      = errors.New("internal error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrTimeout       = errors.New("operation timed out")
)

// Unwrap provides compatibility with the standard errors package.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Is provides compatibility with the standard errors package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As provides compatibility with the standard errors package.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// Error represents a classified domain error with additional context.
type Error struct {
	// Original is the original error.
	Original error
	// Domain is the domain of the error (e.g., "runtime", "exchange").
	Domain string
	// Code is a machine-readable error code.
	Code string
	// Message is a human-readable error message.
	Message string
	// Operation is the operation that failed (e.g., "Start", "PlaceOrder").
	Operation string
	// Fields contains additional context about the error.
	Fields map[string]interface{}
	// Stack contains the stack trace, if captured.
	Stack string
}

// Error implements the error interface.
// Format: [Domain.Operation] Code=CODE: Message: Original
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString("[")
	if e.Domain != "" {
		sb.WriteString(e.Domain)
		if e.Operation != "" {
			sb.WriteString(".")
			sb.WriteString(e.Operation)
		}
	} else if e.Operation != "" {
		sb.WriteString(e.Operation)
	}
	sb.WriteString("] ")

	if e.Code != "" {
		sb.WriteString("Code=")
		sb.WriteString(e.Code)
		sb.WriteString(": ")
	}

	if e.Message != "" {
		sb.WriteString(e.Message)
	}

	if e.Original != nil {
		if e.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(e.Original.Error())
	}

	return sb.String()
}

// Unwrap implements the errors.Unwrapper interface.
func (e *Error) Unwrap() error {
	return e.Original
}

// clone returns a shallow copy so wrap helpers never mutate a shared error.
func (e *Error) clone() *Error {
	c := *e
	return &c
}

// Wrap wraps an error with a message, preserving classification context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		c := domainErr.clone()
		c.Message = message
		return c
	}

	return &Error{Original: err, Message: message}
}

// WrapWithDomain wraps an error with a domain.
func WrapWithDomain(err error, domain string) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		c := domainErr.clone()
		c.Domain = domain
		return c
	}

	return &Error{Original: err, Domain: domain}
}

// WrapWithOperation wraps an error with an operation.
func WrapWithOperation(err error, operation string) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		c := domainErr.clone()
		c.Operation = operation
		return c
	}

	return &Error{Original: err, Operation: operation}
}

// WrapWithCode wraps an error with a machine-readable code.
func WrapWithCode(err error, code string) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		c := domainErr.clone()
		c.Code = code
		return c
	}

	return &Error{Original: err, Code: code}
}

// WrapWithField wraps an error with a context field.
func WrapWithField(err error, key string, value interface{}) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		c := domainErr.clone()
		fields := make(map[string]interface{}, len(c.Fields)+1)
		for k, v := range c.Fields {
			fields[k] = v
		}
		fields[key] = value
		c.Fields = fields
		return c
	}

	return &Error{Original: err, Fields: map[string]interface{}{key: value}}
}

// WithStack adds a stack trace to the error unless one is already present.
func WithStack(err error) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Stack != "" {
		return err
	}

	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stackBuilder strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			fmt.Fprintf(&stackBuilder, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}

	if errors.As(err, &domainErr) {
		c := domainErr.clone()
		c.Stack = stackBuilder.String()
		return c
	}

	return &Error{Original: err, Stack: stackBuilder.String()}
}

// CodeOf returns the machine-readable code of a classified error, or "" for
// unclassified errors.
func CodeOf(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}
