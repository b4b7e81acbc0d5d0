// Package mcpserver exposes registry tools as Model Context Protocol tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/forge/pkg/corrective"
	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/orchestrator"
	"github.com/jllopis/forge/pkg/registry"
	"github.com/jllopis/forge/pkg/sandbox"
	"github.com/jllopis/forge/pkg/toolspec"
)

// RequestTool is the name of the tool that runs a request through the
// pipeline. It is only exposed when a Runner is configured.
const RequestTool = "forge_request"

// Runner runs a natural-language request to completion.
type Runner interface {
	Run(ctx context.Context, request string) (*orchestrator.Result, error)
}

// Server wraps the mcp-go server and keeps its tool list in step with the
// registry.
type Server struct {
	mcpServer *server.MCPServer
	registry  *registry.Registry
	executor  sandbox.Executor
	runner    Runner
	logger    *slog.Logger

	mu      sync.Mutex
	exposed map[string]toolspec.ToolSpec
}

// Option configures a Server.
type Option func(*Server)

// WithRunner exposes RequestTool backed by r.
func WithRunner(r Runner) Option {
	return func(s *Server) { s.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server that executes registry tools with exec.
func NewServer(name, version string, reg *registry.Registry, exec sandbox.Executor, opts ...Option) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(name, version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		registry: reg,
		executor: exec,
		logger:   slog.Default(),
		exposed:  map[string]toolspec.ToolSpec{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runner != nil {
		s.mcpServer.AddTool(mcp.NewTool(RequestTool,
			mcp.WithDescription("Solve a request by reusing registered tools or synthesizing new ones."),
			mcp.WithString("request", mcp.Required(), mcp.Description("What to do, in natural language")),
		), s.handleRequest)
	}
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sync registers every registry tool that is not exposed yet and replaces
// those whose schema changed. It returns the number of exposed tools.
func (s *Server) Sync(ctx context.Context) (int, error) {
	entries, err := s.registry.List(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if prev, ok := s.exposed[e.Spec.Name]; ok && prev.SameSchema(e.Spec) && prev.Description == e.Spec.Description {
			continue
		}
		s.mcpServer.AddTool(Definition(e.Spec), s.handleTool(e.Spec.Name))
		s.exposed[e.Spec.Name] = e.Spec.Clone()
		s.logger.InfoContext(ctx, "mcpserver.tool.exposed", slog.String("tool", e.Spec.Name))
	}
	return len(s.exposed), nil
}

// ServeStdio serves on stdin and stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Definition builds the MCP tool for spec. Required parameters are those
// without a default value in the code.
func Definition(spec toolspec.ToolSpec) mcp.Tool {
	required := map[string]bool{}
	for _, p := range spec.RequiredParams() {
		required[p] = true
	}
	desc := spec.Description
	if desc == "" {
		desc = spec.Capability
	}
	opts := []mcp.ToolOption{mcp.WithDescription(desc)}
	for _, name := range spec.InputSchema.Keys() {
		popts := []mcp.PropertyOption{mcp.Description(toolspec.NormalizeType(spec.InputSchema[name]))}
		if required[name] {
			popts = append(popts, mcp.Required())
		}
		switch toolspec.JSONType(spec.InputSchema[name]) {
		case "integer", "number":
			opts = append(opts, mcp.WithNumber(name, popts...))
		case "boolean":
			opts = append(opts, mcp.WithBoolean(name, popts...))
		case "array":
			opts = append(opts, mcp.WithArray(name, popts...))
		case "object":
			opts = append(opts, mcp.WithObject(name, popts...))
		default:
			opts = append(opts, mcp.WithString(name, popts...))
		}
	}
	return mcp.NewTool(spec.Name, opts...)
}

// handleTool executes the current registry version of a tool. Tool failures
// are reported as error results; only infrastructure faults are errors.
func (s *Server) handleTool(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entry, err := s.registry.GetByName(ctx, name)
		if err != nil {
			if errors.CodeOf(err) == errors.CodeNotFound {
				return mcp.NewToolResultError(fmt.Sprintf("tool %s is no longer registered", name)), nil
			}
			return nil, err
		}
		args, _ := request.Params.Arguments.(map[string]interface{})
		args = filterArgs(entry.Spec, args)
		if missing := missingArgs(entry.Spec, args); len(missing) > 0 {
			return mcp.NewToolResultError("missing required arguments: " + strings.Join(missing, ", ")), nil
		}

		if cached, hit, err := s.registry.CachedFor(ctx, entry, args); err == nil && hit {
			s.logger.InfoContext(ctx, "mcpserver.tool.cached", slog.String("tool", name))
			return resultText(cached)
		}
		res, err := s.executor.Execute(ctx, corrective.RequestFor(entry.Spec, args))
		if err != nil {
			return nil, err
		}
		if err := s.registry.RecordExecution(ctx, name, res, toolspec.ArgsHash(args)); err != nil {
			s.logger.WarnContext(ctx, "mcpserver.record.failed", slog.String("tool", name), slog.String("error", err.Error()))
		}
		s.logger.InfoContext(ctx, "mcpserver.tool.executed",
			slog.String("tool", name),
			slog.Bool("succeeded", res.Succeeded),
			slog.Int64("duration_ms", res.DurationMs),
		)
		if !res.Succeeded {
			msg := "execution failed"
			if res.Error != nil {
				msg = res.Error.Error()
			}
			return mcp.NewToolResultError(msg), nil
		}
		return resultText(res)
	}
}

func (s *Server) handleRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	text, _ := args["request"].(string)
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("request is required"), nil
	}
	res, err := s.runner.Run(ctx, text)
	if _, serr := s.Sync(ctx); serr != nil {
		s.logger.WarnContext(ctx, "mcpserver.sync.failed", slog.String("error", serr.Error()))
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(res.Answer), nil
}

func resultText(res *sandbox.Result) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(map[string]interface{}{
		"return_value": res.ReturnValue,
		"stdout":       res.Stdout,
	})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func filterArgs(spec toolspec.ToolSpec, args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if _, ok := spec.InputSchema[k]; ok {
			out[k] = v
		}
	}
	return out
}

func missingArgs(spec toolspec.ToolSpec, args map[string]interface{}) []string {
	var missing []string
	for _, p := range spec.RequiredParams() {
		if _, ok := args[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}
