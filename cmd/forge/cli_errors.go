// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/jllopis/forge/pkg/errors"
)

// CLIError wraps ForgeError with CLI-specific formatting and hints.
type CLIError struct {
	*errors.ForgeError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(fe *errors.ForgeError, hint string) *CLIError {
	return &CLIError{ForgeError: fe, Hint: hint}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.ForgeError == nil {
		return "unknown error"
	}
	msg := e.ForgeError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// PrintError prints the error with appropriate formatting.
func (e *CLIError) PrintError(w io.Writer, asJSON bool) {
	fe := e.ForgeError
	if fe == nil {
		fe = errors.New(errors.CodeInternal, "unknown error", nil)
	}
	if asJSON {
		out := struct {
			Error struct {
				Code    errors.ErrorCode      `json:"code"`
				Kind    errors.ValidationKind `json:"kind,omitempty"`
				Message string                `json:"message"`
				Cause   string                `json:"cause,omitempty"`
				Hint    string                `json:"hint,omitempty"`
			} `json:"error"`
		}{}
		out.Error.Code = fe.Code
		out.Error.Kind = fe.Kind
		out.Error.Message = fe.Message
		out.Error.Hint = e.Hint
		if fe.Err != nil {
			out.Error.Cause = fe.Err.Error()
		}
		_ = json.NewEncoder(w).Encode(out)
		return
	}

	fmt.Fprintf(w, "Error [%s]: %s\n", FormatErrorCode(fe.Code), fe.Message)
	if fe.Err != nil {
		fmt.Fprintf(w, "  Cause: %v\n", fe.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", e.Hint)
	}
}

// wrapError attaches a hint for the error code. Errors that carry no code
// come from flag and argument parsing and are reported as invalid input.
func wrapError(err error) *CLIError {
	var cliErr *CLIError
	if stderrors.As(err, &cliErr) {
		return cliErr
	}
	var fe *errors.ForgeError
	if !stderrors.As(err, &fe) {
		if stderrors.Is(err, context.Canceled) {
			fe = errors.New(errors.CodeCancelled, "interrupted", err)
		} else {
			fe = errors.New(errors.CodeInvalidInput, err.Error(), nil)
		}
	}
	return NewCLIError(fe, hintFor(fe.Code))
}

func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeInvalidInput:
		return "run 'forge help' for usage information"
	case errors.CodeNotFound:
		return "list what exists with 'forge tools list' or 'forge runs events <run_id>'"
	case errors.CodeLLMError, errors.CodeTimeout:
		return "check that the model server at llm.base_url is reachable; this may be transient"
	case errors.CodePlanning:
		return "rephrase the request or pass an explicit plan with --plan"
	case errors.CodeExhausted:
		return "run interactively to answer for the failing subtask, or inspect 'forge runs events'"
	case errors.CodeRegistryConflict:
		return "a registered tool with this name has a different schema; inspect it with 'forge tools show'"
	default:
		return ""
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch wrapError(err).Code {
	case errors.CodeCancelled:
		return 130
	case errors.CodeInvalidInput:
		return 2
	default:
		return 1
	}
}

// FormatErrorCode returns a user-friendly name for error codes.
func FormatErrorCode(code errors.ErrorCode) string {
	switch code {
	case errors.CodeInternal:
		return "Internal Error"
	case errors.CodeInvalidInput:
		return "Invalid Input"
	case errors.CodeNotFound:
		return "Not Found"
	case errors.CodeTimeout:
		return "Timeout"
	case errors.CodeLLMError:
		return "LLM Error"
	case errors.CodePlanning:
		return "Planning Error"
	case errors.CodeResolution:
		return "Resolution Error"
	case errors.CodeSynthesis:
		return "Synthesis Error"
	case errors.CodeValidation:
		return "Validation Error"
	case errors.CodeRegistryConflict:
		return "Registry Conflict"
	case errors.CodeExhausted:
		return "Attempts Exhausted"
	case errors.CodeCancelled:
		return "Cancelled"
	default:
		return string(code)
	}
}
