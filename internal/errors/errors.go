package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// Code classifies counter failures. Codes are stable across processes because
// they travel over the command channel as int32.
type Code int32

const (
	CodeGeneric Code = iota
	CodeCapacityExhausted
	CodeInvalidKeyLength
	CodeInvalidLabelLength
	CodeStaticCounterConflict
	CodeRegistrationTimeout
	CodeNotAllocated
	CodeUnknownCounter
	CodeClientClosed
	CodeMalformedCommand
)

var codeNames = map[Code]string{
	CodeGeneric:               "generic",
	CodeCapacityExhausted:     "capacity_exhausted",
	CodeInvalidKeyLength:      "invalid_key_length",
	CodeInvalidLabelLength:    "invalid_label_length",
	CodeStaticCounterConflict: "static_counter_conflict",
	CodeRegistrationTimeout:   "registration_timeout",
	CodeNotAllocated:          "not_allocated",
	CodeUnknownCounter:        "unknown_counter",
	CodeClientClosed:          "client_closed",
	CodeMalformedCommand:      "malformed_command",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int32(c))
}

// Sentinels for errors.Is. A CounterError matches the sentinel of its code.
var (
	ErrCapacityExhausted     = &CounterError{Code: CodeCapacityExhausted}
	ErrInvalidKeyLength      = &CounterError{Code: CodeInvalidKeyLength}
	ErrInvalidLabelLength    = &CounterError{Code: CodeInvalidLabelLength}
	ErrStaticCounterConflict = &CounterError{Code: CodeStaticCounterConflict}
	ErrRegistrationTimeout   = &CounterError{Code: CodeRegistrationTimeout}
	ErrNotAllocated          = &CounterError{Code: CodeNotAllocated}
	ErrUnknownCounter        = &CounterError{Code: CodeUnknownCounter}
	ErrClientClosed          = &CounterError{Code: CodeClientClosed}
	ErrMalformedCommand      = &CounterError{Code: CodeMalformedCommand}
)

// CounterError provides rich error context
type CounterError struct {
	Code      Code
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Stack     []uintptr
}

// Error implements the error interface
func (e *CounterError) Error() string {
	switch {
	case e.Operation == "" && e.Message == "":
		return e.Code.String()
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %s: %v", e.Code, e.Operation, e.Message, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Operation, e.Message)
	}
}

// Unwrap returns the underlying cause
func (e *CounterError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for e's code.
func (e *CounterError) Is(target error) bool {
	t, ok := target.(*CounterError)
	if !ok {
		return false
	}
	return t.Operation == "" && t.Message == "" && t.Code == e.Code
}

// New creates a new counter error
func New(code Code, operation, message string) *CounterError {
	return &CounterError{
		Code:      code,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]any),
		Stack:     captureStack(),
	}
}

// Newf creates a counter error with a formatted message.
func Newf(code Code, operation, format string, args ...any) *CounterError {
	return New(code, operation, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code Code, operation, message string) *CounterError {
	if err == nil {
		return nil
	}

	return &CounterError{
		Code:      code,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]any),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *CounterError) WithContext(key string, value any) *CounterError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf returns the code carried by err, or CodeGeneric when err is not a
// CounterError.
func CodeOf(err error) Code {
	var ce *CounterError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return CodeGeneric
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	return pcs[:n]
}

// MessageOf returns the human readable part of err without the code and
// operation prefix, suitable for carrying across the command channel.
func MessageOf(err error) string {
	var ce *CounterError
	if !stderrors.As(err, &ce) {
		return err.Error()
	}
	if ce.Cause != nil {
		return fmt.Sprintf("%s: %v", ce.Message, ce.Cause)
	}
	return ce.Message
}
