package tool

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// ToolErrorCodeNotFound is returned when no tool is registered under a name.
	ToolErrorCodeNotFound = "TOOL_NOT_FOUND"
	// ToolErrorCodeInvocationFailed is returned when the tool itself returned an error.
	ToolErrorCodeInvocationFailed = "INVOCATION_FAILED"
	// ToolErrorCodePanic is returned when the tool panicked.
	ToolErrorCodePanic = "PANIC"
	// ToolErrorCodeLogFailure is returned when the call could not be recorded.
	ToolErrorCodeLogFailure = "LOG_FAILURE"
)

// ErrToolNotFound is matched by errors.Is for TOOL_NOT_FOUND errors.
var ErrToolNotFound = errors.New("tool not found")

// ToolError is a structured invocation error that carries a machine-readable
// code across the executor, HTTP API and CLI.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Tool    string `json:"tool,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Cause   error  `json:"-"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	switch {
	case code == "" && msg == "":
		return ToolErrorCodeInvocationFailed
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches ErrToolNotFound for TOOL_NOT_FOUND errors.
func (e *ToolError) Is(target error) bool {
	return e != nil && target == ErrToolNotFound && e.Code == ToolErrorCodeNotFound
}

func newToolError(code, toolName, message string, cause error) *ToolError {
	cleanCode := strings.TrimSpace(code)
	if cleanCode == "" {
		cleanCode = ToolErrorCodeInvocationFailed
	}
	cleanMsg := strings.TrimSpace(message)
	if cleanMsg == "" && cause != nil {
		cleanMsg = cause.Error()
	}
	return &ToolError{
		Code:    cleanCode,
		Message: cleanMsg,
		Tool:    toolName,
		Cause:   cause,
	}
}

// NotFoundError builds the TOOL_NOT_FOUND error for name.
func NotFoundError(name string) *ToolError {
	return newToolError(ToolErrorCodeNotFound, name, fmt.Sprintf("tool %q not found", name), nil)
}

// ErrorCode returns the ToolError code carried by err, or fallback.
func ErrorCode(err error, fallback string) string {
	var toolErr *ToolError
	if errors.As(err, &toolErr) && toolErr != nil && strings.TrimSpace(toolErr.Code) != "" {
		return toolErr.Code
	}
	return fallback
}

// PanicError reports a recovered panic from a tool.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("tool panicked: %v", e.Value)
}
