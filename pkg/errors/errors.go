// SPDX-License-Identifier: Apache-2.0
// Package errors provides the typed error taxonomy shared by every stage of
// the synthesis pipeline: planning, resolution, synthesis, validation,
// registry persistence and the corrective loop.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode classifies Forge errors for monitoring and recovery.
type ErrorCode string

const (
	// CodePlanning indicates a cyclic or malformed subtask graph.
	CodePlanning ErrorCode = "PLANNING_ERROR"

	// CodeResolution indicates no tool matched and synthesis was not possible.
	CodeResolution ErrorCode = "RESOLUTION_ERROR"

	// CodeSynthesis indicates the oracle produced a non-conforming ToolSpec.
	CodeSynthesis ErrorCode = "SYNTHESIS_ERROR"

	// CodeValidation indicates a sandbox execution failure. See ValidationKind.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodeRegistryConflict indicates a name already registered with a different schema.
	CodeRegistryConflict ErrorCode = "REGISTRY_CONFLICT"

	// CodeExhausted indicates the corrective loop ran out of attempts.
	CodeExhausted ErrorCode = "EXHAUSTED"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeLLMError indicates a reasoning oracle transport or parsing error.
	CodeLLMError ErrorCode = "LLM_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeCancelled indicates the task was cancelled by the caller or a human.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ValidationKind refines CodeValidation errors.
type ValidationKind string

const (
	KindSyntax      ValidationKind = "Syntax"
	KindImport      ValidationKind = "Import"
	KindRuntime     ValidationKind = "Runtime"
	KindEnvironment ValidationKind = "Environment"
)

// Sentinels for errors.Is comparisons. Matching is by code, and by kind when
// the sentinel carries one.
var (
	ErrPlanning         = &ForgeError{Code: CodePlanning}
	ErrResolution       = &ForgeError{Code: CodeResolution}
	ErrSynthesis        = &ForgeError{Code: CodeSynthesis}
	ErrValidation       = &ForgeError{Code: CodeValidation}
	ErrRegistryConflict = &ForgeError{Code: CodeRegistryConflict}
	ErrExhausted        = &ForgeError{Code: CodeExhausted}
	ErrNotFound         = &ForgeError{Code: CodeNotFound}
	ErrInvalidInput     = &ForgeError{Code: CodeInvalidInput}
	ErrCancelled        = &ForgeError{Code: CodeCancelled}
)

// ForgeError is a typed error with context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type ForgeError struct {
	Code        ErrorCode
	Kind        ValidationKind
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *ForgeError) Error() string {
	code := string(e.Code)
	if e.Kind != "" {
		code += "/" + string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *ForgeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ForgeError with the same code. A target
// carrying a Kind only matches errors of that kind.
func (e *ForgeError) Is(target error) bool {
	t, ok := target.(*ForgeError)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// MarshalJSON implements json.Marshaler for structured logging and run events.
func (e *ForgeError) MarshalJSON() ([]byte, error) {
	out := struct {
		Code        string                 `json:"code"`
		Kind        string                 `json:"kind,omitempty"`
		Message     string                 `json:"message"`
		Err         string                 `json:"error,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Recoverable bool                   `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Kind:        string(e.Kind),
		Message:     e.Message,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	}
	if e.Err != nil {
		out.Err = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a new ForgeError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *ForgeError {
	return &ForgeError{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *ForgeError) WithContext(key string, value interface{}) *ForgeError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithKind sets the validation kind.
func (e *ForgeError) WithKind(kind ValidationKind) *ForgeError {
	e.Kind = kind
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *ForgeError) WithRecoverable(recoverable bool) *ForgeError {
	e.Recoverable = recoverable
	return e
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *ForgeError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// AsForgeError returns the first ForgeError in err's chain, or wraps err as
// an internal error when there is none.
func AsForgeError(err error) *ForgeError {
	if err == nil {
		return nil
	}
	var fe *ForgeError
	if errors.As(err, &fe) {
		return fe
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first ForgeError in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var fe *ForgeError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// KindOf returns the validation kind of the first ForgeError carrying one.
func KindOf(err error) ValidationKind {
	for err != nil {
		if fe, ok := err.(*ForgeError); ok && fe.Kind != "" {
			return fe.Kind
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// NewPlanningError reports a plan that failed validation. Recoverable by one re-plan.
func NewPlanningError(msg string, cause error) *ForgeError {
	return New(CodePlanning, msg, cause).WithRecoverable(true)
}

// NewResolutionError reports a capability that could not be resolved.
func NewResolutionError(query string, cause error) *ForgeError {
	return New(CodeResolution, "capability not resolved", cause).WithContext("capability_query", query)
}

// NewSynthesisError reports a ToolSpec that does not conform.
func NewSynthesisError(msg string, cause error) *ForgeError {
	return New(CodeSynthesis, msg, cause).WithRecoverable(true)
}

// NewValidationError reports a classified sandbox failure.
func NewValidationError(kind ValidationKind, msg string) *ForgeError {
	return New(CodeValidation, msg, nil).WithKind(kind).WithRecoverable(true)
}

// NewConflictError reports a registration that would overwrite a divergent schema.
func NewConflictError(name string) *ForgeError {
	return New(CodeRegistryConflict, fmt.Sprintf("tool %q already registered with a different schema", name), nil).
		WithContext("tool", name)
}

// NewExhaustionError reports a corrective loop that spent every attempt.
// last is the final validation failure.
func NewExhaustionError(attempts int, last error) *ForgeError {
	return New(CodeExhausted, fmt.Sprintf("no passing execution after %d attempts", attempts), last).
		WithContext("attempts", attempts)
}
