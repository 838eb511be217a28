// Package errors defines the structured error taxonomy shared by every
// shotdiff component. Codes classify failures so the orchestrator can decide
// whether a failure is fatal to the run or only to a single work item.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"
)

// ErrorCode classifies a failure.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigParse   ErrorCode = "CONFIG_PARSE"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Grid errors. Only these are fatal to a whole run.
	ErrCodeCapacityTimeout    ErrorCode = "CAPACITY_TIMEOUT"
	ErrCodeSessionStartFailed ErrorCode = "SESSION_START_FAILED"
	ErrCodeGridAPI            ErrorCode = "GRID_API"

	// Per-item errors
	ErrCodeCaptureFailed     ErrorCode = "CAPTURE_FAILED"
	ErrCodeInvalidCropRegion ErrorCode = "INVALID_CROP_REGION"
	ErrCodeImageDecode       ErrorCode = "IMAGE_DECODE"

	// Reporting errors, logged and never propagated
	ErrCodeStatusReportFailed ErrorCode = "STATUS_REPORT_FAILED"

	// Storage errors
	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite   ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageCorrupt ErrorCode = "STORAGE_CORRUPT"

	// Run lifecycle
	ErrCodeRunInterrupted ErrorCode = "RUN_INTERRUPTED"

	// Generic errors
	ErrCodeInternal       ErrorCode = "INTERNAL"
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrCodeNotImplemented ErrorCode = "NOT_IMPLEMENTED"
)

// Error is a classified failure. Context carries the page, alias, session
// or path the failure is about and is rendered in sorted key order.
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Stack       []Frame
	Retryable   bool
	UserMessage string
	Remediation []string
}

// Frame is one caller recorded when the error was created.
type Frame struct {
	Function string
	File     string
	Line     int
}

// New creates an error of the given code.
func New(code ErrorCode, message string) *Error {
	return newError(code, message, nil)
}

// Newf creates an error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return newError(code, fmt.Sprintf(format, args...), nil)
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return newError(code, message, err)
}

func newError(code ErrorCode, message string, underlying error) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: underlying,
		Context:    make(map[string]any),
		Stack:      captureStack(4),
	}
}

// WithContext records a key-value pair about the failure.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks whether the operation may succeed if tried again.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the sentence shown to the person running the tool.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// WithRemediation replaces the list of hints printed with the error.
func (e *Error) WithRemediation(tips ...string) *Error {
	if len(tips) == 0 {
		return e
	}
	e.Remediation = slices.Clone(tips)
	return e
}

// Error renders "[CODE] message {k: v, ...}: underlying".
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Code, e.Message)
	if len(e.Context) > 0 {
		sb.WriteString(" {")
		for i, k := range slices.Sorted(maps.Keys(e.Context)) {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s: %v", k, e.Context[k])
		}
		sb.WriteString("}")
	}
	if e.Underlying != nil {
		fmt.Fprintf(&sb, ": %v", e.Underlying)
	}
	return sb.String()
}

// Unwrap exposes the wrapped error to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable reports the retryable flag.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// StackTrace formats the recorded callers, innermost first.
func (e *Error) StackTrace() string {
	var sb strings.Builder
	sb.WriteString("Stack trace:\n")
	for i, frame := range e.Stack {
		fmt.Fprintf(&sb, "  %d. %s\n     %s:%d\n", i+1, frame, frame.File, frame.Line)
	}
	return sb.String()
}

func (f Frame) String() string {
	return f.Function
}

// captureStack records up to 32 callers, skipping the given number of frames
// (runtime.Callers itself counts as one).
func captureStack(skip int) []Frame {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]Frame, 0, n)
	for {
		f, more := frames.Next()
		if f.Function != "" {
			out = append(out, Frame{Function: f.Function, File: f.File, Line: f.Line})
		}
		if !more {
			break
		}
	}
	return out
}

// As finds the first structured error in err's chain.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var structured *Error
	if stderrors.As(err, &structured) {
		return structured, true
	}
	return nil, false
}

// IsCode reports whether any structured error in the chain carries code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		structured, ok := As(err)
		if !ok {
			return false
		}
		if structured.Code == code {
			return true
		}
		err = structured.Underlying
	}
	return false
}

// GetCode returns the code of the outermost structured error. Unclassified
// errors are INTERNAL; nil has no code.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if structured, ok := As(err); ok {
		return structured.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether the outermost structured error is retryable.
func IsRetryable(err error) bool {
	structured, ok := As(err)
	return ok && structured.Retryable
}
