// Package engine implements the core of the Convergo reconciliation engine:
// the task model, execution graph builder, sequential reconciler with
// handler dispatch, and the run reporter.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an engine error by the phase that produced it.
type ErrorKind string

const (
	// ErrorKindConfig indicates a malformed task graph (unknown module,
	// missing handler, bad guard syntax, cyclic notify). Fatal at build
	// time; the run never starts.
	ErrorKindConfig ErrorKind = "config"

	// ErrorKindProbe indicates a module could not determine current state.
	ErrorKindProbe ErrorKind = "probe"

	// ErrorKindApply indicates a module could not achieve the desired state.
	ErrorKindApply ErrorKind = "apply"

	// ErrorKindTimeout indicates a probe or apply exceeded its allotted time.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindCancelled indicates the run was aborted by an operator signal.
	ErrorKindCancelled ErrorKind = "cancelled"
)

// EngineError is a classified error with task and module context.
// All per-task failures are recorded as EngineError values in the run
// result; the engine itself never returns one from Run.
//
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Task is the task name that caused the error, if applicable.
	Task string `json:"task,omitempty"`

	// Module is the module kind involved, if applicable.
	Module string `json:"module,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	switch {
	case e.Task != "" && e.Module != "":
		return fmt.Sprintf("[%s] %s (task=%s, module=%s)%s",
			e.Kind, e.Message, e.Task, e.Module, e.unwrapSuffix())
	case e.Task != "":
		return fmt.Sprintf("[%s] %s (task=%s)%s", e.Kind, e.Message, e.Task, e.unwrapSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Kind, e.Message, e.unwrapSuffix())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// NewConfigError creates a build-time configuration error.
func NewConfigError(message string, err error) *EngineError {
	return &EngineError{Kind: ErrorKindConfig, Message: message, Err: err}
}

// NewProbeError creates a probe-phase error.
func NewProbeError(message string, err error) *EngineError {
	return &EngineError{Kind: ErrorKindProbe, Message: message, Err: err}
}

// NewApplyError creates an apply-phase error.
func NewApplyError(message string, err error) *EngineError {
	return &EngineError{Kind: ErrorKindApply, Message: message, Err: err}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return &EngineError{Kind: ErrorKindTimeout, Message: message, Err: err, Code: ErrCodeTimeout}
}

// NewCancelledError creates a cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return &EngineError{Kind: ErrorKindCancelled, Message: message, Err: err, Code: ErrCodeCancelled}
}

// WithTask adds task context to an error.
func (e *EngineError) WithTask(task string) *EngineError {
	e.Task = task
	return e
}

// WithModule adds module context to an error.
func (e *EngineError) WithModule(module string) *EngineError {
	e.Module = module
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// IsConfigError returns true if the error is a build-time configuration error.
func IsConfigError(err error) bool {
	return isKind(err, ErrorKindConfig)
}

// IsProbeError returns true if the error occurred during a probe.
func IsProbeError(err error) bool {
	return isKind(err, ErrorKindProbe)
}

// IsApplyError returns true if the error occurred during an apply.
func IsApplyError(err error) bool {
	return isKind(err, ErrorKindApply)
}

// IsTimeoutError returns true if the error is a probe/apply timeout.
func IsTimeoutError(err error) bool {
	return isKind(err, ErrorKindTimeout)
}

// IsCancelledError returns true if the error is an operator cancellation.
func IsCancelledError(err error) bool {
	return isKind(err, ErrorKindCancelled)
}

func isKind(err error, kind ErrorKind) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Common error codes.
const (
	ErrCodeUnknownModule     = "UNKNOWN_MODULE"
	ErrCodeMissingHandler    = "MISSING_HANDLER"
	ErrCodeDuplicateTask     = "DUPLICATE_TASK"
	ErrCodeUnknownRequire    = "UNKNOWN_REQUIRE"
	ErrCodeGuardSyntax       = "GUARD_SYNTAX"
	ErrCodeUndefinedVariable = "UNDEFINED_VARIABLE"
	ErrCodeCyclicNotify      = "CYCLIC_NOTIFY"
	ErrCodeTemplate          = "TEMPLATE_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
	ErrCodePolicyDenied      = "POLICY_DENIED"
)
