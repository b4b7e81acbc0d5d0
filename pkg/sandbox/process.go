// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/jllopis/forge/pkg/config"
	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/telemetry"
	"github.com/jllopis/forge/pkg/toolspec"
)

const (
	resultStart = "<<<FORGE_RESULT>>>"
	resultEnd   = "<<<END_FORGE_RESULT>>>"
)

const loaderScript = `import importlib.util
import json
import sys

spec = importlib.util.spec_from_file_location("tool", "tool.py")
mod = importlib.util.module_from_spec(spec)
spec.loader.exec_module(mod)
args = json.load(sys.stdin)
value = getattr(mod, sys.argv[1])(**args)
sys.stdout.write("\n` + resultStart + `\n" + json.dumps(value, default=str) + "\n` + resultEnd + `\n")
`

// Command is one process invocation.
type Command struct {
	Dir    string
	Env    []string
	Name   string
	Args   []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runner starts processes. The default runner uses os/exec.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) error

func (f RunnerFunc) Run(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

type execRunner struct{}

func (execRunner) Run(ctx context.Context, c Command) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.WaitDelay = 2 * time.Second
	return cmd.Run()
}

// ProcessExecutor runs Python tools in a throwaway virtualenv per call.
type ProcessExecutor struct {
	mu      sync.RWMutex
	cfg     config.SandboxConfig
	sem     *semaphore.Weighted
	runner  Runner
	baseDir string
	logger  *slog.Logger
}

// ProcessOption configures a ProcessExecutor.
type ProcessOption func(*ProcessExecutor)

// WithRunner replaces the process runner.
func WithRunner(r Runner) ProcessOption {
	return func(p *ProcessExecutor) { p.runner = r }
}

// WithBaseDir sets where workspaces are created. Defaults to os.TempDir.
func WithBaseDir(dir string) ProcessOption {
	return func(p *ProcessExecutor) { p.baseDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ProcessOption {
	return func(p *ProcessExecutor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessExecutor builds an executor from the sandbox configuration.
// MaxConcurrent is fixed for the lifetime of the executor.
func NewProcessExecutor(cfg config.SandboxConfig, opts ...ProcessOption) *ProcessExecutor {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	p := &ProcessExecutor{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		runner: execRunner{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// UpdateConfig swaps limits for subsequent executions.
func (p *ProcessExecutor) UpdateConfig(cfg config.SandboxConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.Python == "" {
		cfg.Python = p.cfg.Python
	}
	cfg.MaxConcurrent = p.cfg.MaxConcurrent
	p.cfg = cfg
}

func (p *ProcessExecutor) config() config.SandboxConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Execute provisions a workspace, installs dependencies and runs the code.
func (p *ProcessExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "code is required", nil)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.New(errors.CodeCancelled, "sandbox slot wait cancelled", err)
	}
	defer p.sem.Release(1)

	cfg := p.config()
	ctx, span := otel.Tracer("forge/sandbox").Start(ctx, "sandbox.execute")
	defer span.End()

	start := time.Now()
	res, err := p.execute(ctx, cfg, req)
	elapsed := time.Since(start)
	if res != nil {
		res.DurationMs = elapsed.Milliseconds()
	}
	span.SetAttributes(attribute.Int64(telemetry.AttrSandboxDurationMs, elapsed.Milliseconds()))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !res.Succeeded:
		span.SetAttributes(attribute.String(telemetry.AttrErrorKind, string(res.Error.Kind)))
		span.SetStatus(codes.Error, res.Error.Message)
		p.logger.InfoContext(ctx, "sandbox.execute.failed",
			slog.String("kind", string(res.Error.Kind)),
			slog.String("package", res.Error.Package),
			slog.String("message", res.Error.Message),
			slog.Duration("elapsed", elapsed),
		)
	default:
		p.logger.DebugContext(ctx, "sandbox.execute.done", slog.Duration("elapsed", elapsed))
	}
	return res, err
}

func (p *ProcessExecutor) execute(parent context.Context, cfg config.SandboxConfig, req Request) (*Result, error) {
	ws, err := os.MkdirTemp(p.baseDir, "forge-sandbox-")
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "create workspace", err)
	}
	if cfg.KeepWorkspace {
		p.logger.InfoContext(parent, "sandbox.workspace.kept", slog.String("path", ws))
	} else {
		defer os.RemoveAll(ws)
	}

	env, err := p.environment(cfg, ws)
	if err != nil {
		return nil, err
	}

	ctx := parent
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, cfg.Timeout)
		defer cancel()
	}
	// timedOut distinguishes our deadline from caller cancellation.
	timedOut := func() bool {
		return stderrors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil
	}

	for _, pkg := range toolspec.NormalizePackages(req.SystemPackages) {
		stderr := newTailBuffer(stderrLimit(cfg.MaxOutputBytes))
		err := p.runner.Run(ctx, Command{
			Dir: ws, Env: env, Name: "sh",
			Args:   []string{"-c", cfg.SystemInstaller + " " + shellQuote(pkg)},
			Stdout: io.Discard, Stderr: stderr,
		})
		if parent.Err() != nil {
			return nil, errors.New(errors.CodeCancelled, "execution cancelled", parent.Err())
		}
		if timedOut() {
			return timeoutResult(cfg.Timeout, PhaseInstall), nil
		}
		if err != nil {
			return &Result{Error: &ExecError{
				Kind:    errors.KindEnvironment,
				Phase:   PhaseInstall,
				Message: fmt.Sprintf("system package %s failed to install: %s", pkg, strings.TrimSpace(lastLine(stderr.String()))),
				Package: pkg,
				System:  true,
				Trace:   tail(stderr.String(), 4000),
			}}, nil
		}
	}

	venv := filepath.Join(ws, "venv")
	venvErr := newTailBuffer(stderrLimit(cfg.MaxOutputBytes))
	if err := p.runner.Run(ctx, Command{
		Dir: ws, Env: env, Name: cfg.Python, Args: []string{"-m", "venv", venv},
		Stdout: io.Discard, Stderr: venvErr,
	}); err != nil {
		if parent.Err() != nil {
			return nil, errors.New(errors.CodeCancelled, "execution cancelled", parent.Err())
		}
		if timedOut() {
			return timeoutResult(cfg.Timeout, PhaseInstall), nil
		}
		return &Result{Error: &ExecError{
			Kind:    errors.KindEnvironment,
			Phase:   PhaseInstall,
			Message: "create virtualenv: " + strings.TrimSpace(lastLine(venvErr.String())),
			Trace:   tail(venvErr.String(), 4000),
		}}, nil
	}
	python := filepath.Join(venv, "bin", "python")

	for _, pkg := range toolspec.NormalizePackages(req.Packages) {
		stderr := newTailBuffer(stderrLimit(cfg.MaxOutputBytes))
		err := p.runner.Run(ctx, Command{
			Dir: ws, Env: env, Name: python,
			Args:   []string{"-m", "pip", "install", "--disable-pip-version-check", "--no-input", "-q", pkg},
			Stdout: io.Discard, Stderr: stderr,
		})
		if parent.Err() != nil {
			return nil, errors.New(errors.CodeCancelled, "execution cancelled", parent.Err())
		}
		if timedOut() {
			return timeoutResult(cfg.Timeout, PhaseInstall), nil
		}
		if err != nil {
			return &Result{Error: &ExecError{
				Kind:    errors.KindImport,
				Phase:   PhaseInstall,
				Message: fmt.Sprintf("package %s failed to install: %s", pkg, strings.TrimSpace(lastLine(stderr.String()))),
				Package: pkg,
				Trace:   tail(stderr.String(), 4000),
			}}, nil
		}
	}

	code := req.Code
	if req.FunctionName != "" {
		code = toolspec.StripMainBlock(code)
	}
	if err := os.WriteFile(filepath.Join(ws, "tool.py"), []byte(code), 0o600); err != nil {
		return nil, errors.New(errors.CodeInternal, "write tool", err)
	}

	script := "tool.py"
	var stdin io.Reader = strings.NewReader("")
	args := []string{}
	if req.FunctionName != "" {
		if err := os.WriteFile(filepath.Join(ws, "run_tool.py"), []byte(loaderScript), 0o600); err != nil {
			return nil, errors.New(errors.CodeInternal, "write loader", err)
		}
		fnArgs := req.FunctionArgs
		if fnArgs == nil {
			fnArgs = map[string]interface{}{}
		}
		payload, err := json.Marshal(fnArgs)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "encode function arguments", err)
		}
		script = "run_tool.py"
		stdin = bytes.NewReader(payload)
		args = append(args, req.FunctionName)
	}

	stdout := newCappedBuffer(cfg.MaxOutputBytes)
	stderr := newTailBuffer(stderrLimit(cfg.MaxOutputBytes))
	runErr := p.runner.Run(ctx, Command{
		Dir:    ws,
		Env:    env,
		Name:   "sh",
		Args:   append([]string{"-c", limitPrefix(cfg.MemoryMB) + `exec "$0" "$@"`, python, script}, args...),
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	})
	if parent.Err() != nil {
		return nil, errors.New(errors.CodeCancelled, "execution cancelled", parent.Err())
	}
	if timedOut() {
		res := timeoutResult(cfg.Timeout, PhaseRun)
		res.Stdout = stdout.String()
		res.Truncated = stdout.Truncated()
		return res, nil
	}

	out, value, hasValue, decodeErr := splitResult(stdout.String())
	res := &Result{Stdout: out, Truncated: stdout.Truncated()}
	if runErr != nil {
		res.Error = classifyExit(stderr.String(), runErr)
		return res, nil
	}
	if req.FunctionName != "" {
		if !hasValue {
			msg := "tool returned no result"
			if stdout.Truncated() {
				msg = "tool output exceeded the output limit"
			}
			res.Error = &ExecError{Kind: errors.KindRuntime, Phase: PhaseRun, Message: msg}
			return res, nil
		}
		if decodeErr != nil {
			res.Error = &ExecError{Kind: errors.KindRuntime, Phase: PhaseRun, Message: "decode return value: " + decodeErr.Error()}
			return res, nil
		}
		res.ReturnValue = value
	}
	res.Succeeded = true
	return res, nil
}

func (p *ProcessExecutor) environment(cfg config.SandboxConfig, ws string) ([]string, error) {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + ws,
		"LANG=" + envOr("LANG", "C.UTF-8"),
		"FORGE_WORKSPACE=" + ws,
		"TMPDIR=" + ws,
		"PYTHONDONTWRITEBYTECODE=1",
		"PIP_NO_CACHE_DIR=1",
	}
	if cfg.EnvFile == "" {
		return env, nil
	}
	vars, err := godotenv.Read(cfg.EnvFile)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "read sandbox env file", err).WithContext("path", cfg.EnvFile)
	}
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env, nil
}

func timeoutResult(d time.Duration, phase Phase) *Result {
	return &Result{Error: &ExecError{
		Kind:    errors.KindEnvironment,
		Phase:   phase,
		Message: fmt.Sprintf("execution timed out after %s", d),
	}}
}

func limitPrefix(memoryMB int) string {
	if memoryMB <= 0 {
		return ""
	}
	return "ulimit -v " + strconv.Itoa(memoryMB*1024) + " 2>/dev/null; "
}

func splitResult(stdout string) (string, interface{}, bool, error) {
	start := strings.LastIndex(stdout, resultStart)
	if start < 0 {
		return stdout, nil, false, nil
	}
	end := strings.Index(stdout[start:], resultEnd)
	if end < 0 {
		return stdout[:start], nil, false, nil
	}
	raw := strings.TrimSpace(stdout[start+len(resultStart) : start+end])
	out := strings.TrimRight(stdout[:start], "\n")
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return out, nil, true, err
	}
	return out, value, true, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// cappedBuffer keeps at most limit bytes and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.limit <= 0 {
		return c.buf.Write(p)
	}
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string  { return c.buf.String() }
func (c *cappedBuffer) Truncated() bool { return c.truncated }

// minStderrBytes is the stderr kept when output is otherwise unlimited. A
// traceback must fit.
const minStderrBytes = 64 << 10

func stderrLimit(maxOutput int) int {
	if maxOutput < minStderrBytes {
		return minStderrBytes
	}
	return maxOutput
}

// tailBuffer keeps the last limit bytes written. Tracebacks end the stream,
// so the tail is what classification reads.
type tailBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		t.truncated = true
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return n, nil
}

func (t *tailBuffer) String() string  { return string(t.buf) }
func (t *tailBuffer) Len() int        { return len(t.buf) }
func (t *tailBuffer) Truncated() bool { return t.truncated }
