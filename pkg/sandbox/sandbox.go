// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox runs generated tool code outside the host process under
// time, memory and output limits and reports a structured result.
package sandbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jllopis/forge/pkg/errors"
)

// Request is one code execution.
type Request struct {
	Code           string                 `json:"code"`
	Packages       []string               `json:"packages,omitempty"`
	SystemPackages []string               `json:"system_packages,omitempty"`
	FunctionName   string                 `json:"function_name,omitempty"`
	FunctionArgs   map[string]interface{} `json:"function_args,omitempty"`
}

// Phase is the step of an execution that failed.
type Phase string

const (
	PhaseInstall Phase = "install"
	PhaseRun     Phase = "run"
)

// ExecError describes why an execution failed.
type ExecError struct {
	Kind    errors.ValidationKind `json:"kind"`
	Phase   Phase                 `json:"phase"`
	Message string                `json:"message"`
	// Package is the dependency implicated by the failure, if any. For
	// Import errors raised at runtime it holds the missing module name.
	Package string `json:"package,omitempty"`
	// System reports that Package is a system-level package.
	System bool   `json:"system,omitempty"`
	Trace  string `json:"trace,omitempty"`
}

func (e *ExecError) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("%s: %s (package %s)", e.Kind, e.Message, e.Package)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Err converts the failure into a ValidationError.
func (e *ExecError) Err() *errors.ForgeError {
	fe := errors.NewValidationError(e.Kind, e.Message)
	if e.Package != "" {
		fe = fe.WithContext("package", e.Package).WithContext("system", e.System)
	}
	return fe
}

// Result is the outcome of an execution.
type Result struct {
	Succeeded   bool        `json:"succeeded"`
	ReturnValue interface{} `json:"return_value,omitempty"`
	Stdout      string      `json:"stdout"`
	Error       *ExecError  `json:"error,omitempty"`
	Truncated   bool        `json:"truncated,omitempty"`
	DurationMs  int64       `json:"duration_ms"`
}

// Failed builds a failed result.
func Failed(kind errors.ValidationKind, msg string) *Result {
	return &Result{Error: &ExecError{Kind: kind, Phase: PhaseRun, Message: msg}}
}

// Executor runs code in a fresh environment per call. Tool failures are
// reported in Result.Error; the error return is for cancellation and
// infrastructure faults of the executor itself.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

var (
	noModuleRe = regexp.MustCompile(`No module named '([^']+)'`)
	excLineRe  = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*(?:Error|Exception|Exit|Interrupt))(?::\s*(.*))?$`)
)

// Classify maps interpreter stderr to a run-phase execution error.
func Classify(stderr string) *ExecError {
	e := classify(stderr)
	e.Phase = PhaseRun
	return e
}

// exitCoder is implemented by *exec.ExitError through its ProcessState.
type exitCoder interface {
	ExitCode() int
}

// classifyExit is Classify for a process that ended with runErr. A process
// terminated by a signal without a Python exception was killed by its
// environment, typically the memory limit.
func classifyExit(stderr string, runErr error) *ExecError {
	e := Classify(stderr)
	var ec exitCoder
	if e.Kind != errors.KindRuntime || !stderrors.As(runErr, &ec) || ec.ExitCode() != -1 {
		return e
	}
	if exc, _ := lastException(stderr); exc != "" {
		return e
	}
	e.Kind = errors.KindEnvironment
	e.Message = "process killed: " + runErr.Error()
	return e
}

func classify(stderr string) *ExecError {
	trace := tail(stderr, 4000)
	exc, msg := lastException(stderr)
	switch {
	case exc == "SyntaxError" || exc == "IndentationError" || exc == "TabError":
		return &ExecError{Kind: errors.KindSyntax, Message: joinExc(exc, msg), Trace: trace}
	case exc == "ModuleNotFoundError" || exc == "ImportError":
		e := &ExecError{Kind: errors.KindImport, Message: joinExc(exc, msg), Trace: trace}
		if m := noModuleRe.FindStringSubmatch(stderr); m != nil {
			e.Package = strings.SplitN(m[1], ".", 2)[0]
		}
		return e
	case exc == "MemoryError":
		return &ExecError{Kind: errors.KindEnvironment, Message: joinExc(exc, msg), Trace: trace}
	case exc != "":
		return &ExecError{Kind: errors.KindRuntime, Message: joinExc(exc, msg), Trace: trace}
	}
	if strings.Contains(stderr, "Killed") || strings.Contains(stderr, "Cannot allocate memory") {
		return &ExecError{Kind: errors.KindEnvironment, Message: "process killed by resource limit", Trace: trace}
	}
	line := strings.TrimSpace(lastLine(stderr))
	if line == "" {
		line = "process exited with an error"
	}
	return &ExecError{Kind: errors.KindRuntime, Message: line, Trace: trace}
}

func lastException(stderr string) (string, string) {
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if m := excLineRe.FindStringSubmatch(strings.TrimSpace(lines[i])); m != nil {
			name := m[1]
			if idx := strings.LastIndex(name, "."); idx >= 0 {
				name = name[idx+1:]
			}
			return name, m[2]
		}
	}
	return "", ""
}

func joinExc(exc, msg string) string {
	if msg == "" {
		return exc
	}
	return exc + ": " + msg
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
