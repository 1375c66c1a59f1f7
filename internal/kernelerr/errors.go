// Package kernelerr defines the error taxonomy used throughout the
// agentsociety runtime: sentinel errors for errors.Is, plus a structured
// type carrying enough context for callers (the bus, the scheduler, the
// LLM handler) to decide whether to retry, reject, or escalate to a
// parent agent.
package kernelerr

import (
	"errors"
	"fmt"
)

// Code enumerates the kinds of error this runtime distinguishes.
type Code string

const (
	AgentTerminating  Code = "agent_terminating"
	AgentNotFound     Code = "agent_not_found"
	RoleNotFound      Code = "role_not_found"
	NotChildAgent     Code = "not_child_agent"
	InvalidParent     Code = "invalid_parent"
	InvalidTaskBrief  Code = "invalid_task_brief"
	ContextExceeded   Code = "context_exceeded"
	ToolRoundsExceeded Code = "tool_rounds_exceeded"
	ToolNotFound      Code = "tool_not_found"
	ToolDisallowed    Code = "tool_disallowed"
	LLMTransportError Code = "llm_transport_error"
	LLMAborted        Code = "llm_aborted"
	PersistenceError  Code = "persistence_error"
	MissingParameter  Code = "missing_parameter"
)

// Retryable reports whether operations with this code are worth retrying
// at the transport level (used by the LLM handler's retry budget).
func (c Code) Retryable() bool {
	return c == LLMTransportError
}

// Error is the structured kernel error type. It implements error and
// supports errors.Is/errors.As against the package's sentinel values.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, kernelerr.AgentTerminating)-style checks by
// comparing against the sentinel for the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// New creates a structured error for the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a structured error wrapping an underlying cause.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

// sentinel returns a representative *Error for a code, used as the
// comparison target for errors.Is.
func sentinel(code Code) *Error { return &Error{Code: code} }

// Sentinel values for errors.Is(err, kernelerr.ErrAgentTerminating).
var (
	ErrAgentTerminating   = sentinel(AgentTerminating)
	ErrAgentNotFound      = sentinel(AgentNotFound)
	ErrRoleNotFound       = sentinel(RoleNotFound)
	ErrNotChildAgent      = sentinel(NotChildAgent)
	ErrInvalidParent      = sentinel(InvalidParent)
	ErrInvalidTaskBrief   = sentinel(InvalidTaskBrief)
	ErrContextExceeded    = sentinel(ContextExceeded)
	ErrToolRoundsExceeded = sentinel(ToolRoundsExceeded)
	ErrToolNotFound       = sentinel(ToolNotFound)
	ErrToolDisallowed     = sentinel(ToolDisallowed)
	ErrLLMTransportError  = sentinel(LLMTransportError)
	ErrLLMAborted         = sentinel(LLMAborted)
	ErrPersistenceError   = sentinel(PersistenceError)
	ErrMissingParameter   = sentinel(MissingParameter)
)

// CodeOf extracts the Code from an error, if it is (or wraps) a *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// CodeIs reports whether err carries the given Code.
func CodeIs(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}
