// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jllopis/forge/pkg/config"
	"github.com/jllopis/forge/pkg/core"
	"github.com/jllopis/forge/pkg/corrective"
	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/index"
	"github.com/jllopis/forge/pkg/llm"
	"github.com/jllopis/forge/pkg/oracle"
	"github.com/jllopis/forge/pkg/orchestrator"
	"github.com/jllopis/forge/pkg/planner"
	"github.com/jllopis/forge/pkg/registry"
	"github.com/jllopis/forge/pkg/resilience"
	"github.com/jllopis/forge/pkg/resolver"
	"github.com/jllopis/forge/pkg/runlog"
	"github.com/jllopis/forge/pkg/sandbox"
	"github.com/jllopis/forge/pkg/synth"
	"github.com/jllopis/forge/pkg/telemetry"
)

// app holds what one CLI invocation opened. Close releases it in reverse
// order.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	level    *slog.LevelVar
	registry *registry.Registry
	runs     runlog.Store
	executor *sandbox.ProcessExecutor
	resolver *resolver.Resolver
	closers  []func() error
}

func loadApp(g *globalFlags, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(g.ConfigPath, g.Overrides...)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "invalid configuration", err)
	}
	logger, level := telemetry.ConfigureSlog(stderr, cfg.Log.Level, cfg.Log.Format)
	a := &app{cfg: cfg, logger: logger, level: level}

	shutdown, err := telemetry.Init(cfg.Telemetry.ServiceName, version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})
	return a, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("forge.close.failed", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

func (a *app) openRegistry() error {
	var store registry.Store
	switch a.cfg.Registry.Driver {
	case "", "sqlite":
		s, err := registry.OpenSQLite(a.cfg.Registry.Path)
		if err != nil {
			return err
		}
		store = s
	case "memory":
		store = registry.NewMemoryStore()
	default:
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown registry driver %q", a.cfg.Registry.Driver), nil)
	}
	a.onClose(store.Close)
	a.registry = registry.New(store, nil, a.logger)
	return nil
}

func (a *app) openRuns() error {
	runs, err := runlog.Open(a.cfg.Runs)
	if err != nil {
		return err
	}
	a.onClose(runs.Close)
	a.runs = runs
	return nil
}

func (a *app) provider() (llm.Provider, error) {
	switch a.cfg.LLM.Provider {
	case "", "ollama":
		return llm.NewOllama(a.cfg.LLM.BaseURL, llm.WithHTTPTimeout(a.cfg.LLM.Timeout)), nil
	case "openai":
		return llm.NewOpenAI(
			llm.WithOpenAIBaseURL(a.cfg.LLM.BaseURL),
			llm.WithOpenAIAPIKey(a.cfg.LLM.APIKey),
			llm.WithOpenAIModel(a.cfg.LLM.Model),
			llm.WithOpenAITimeout(a.cfg.LLM.Timeout),
		), nil
	default:
		return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("llm provider %q is not available from the CLI", a.cfg.LLM.Provider), nil)
	}
}

// pipeline wires every component from the configuration. Registry and run
// log are opened here when not opened yet.
func (a *app) pipeline(mode orchestrator.Mode, opts ...orchestrator.Option) (*orchestrator.Orchestrator, error) {
	if a.registry == nil {
		if err := a.openRegistry(); err != nil {
			return nil, err
		}
	}
	if a.runs == nil {
		if err := a.openRuns(); err != nil {
			return nil, err
		}
	}
	provider, err := a.provider()
	if err != nil {
		return nil, err
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = a.cfg.LLM.MaxRetries + 1
	o := oracle.New(provider,
		oracle.WithModel(a.cfg.LLM.Model),
		oracle.WithTemperature(a.cfg.LLM.Temperature),
		oracle.WithRetry(retry),
		oracle.WithLogger(a.logger),
	)

	metrics, err := telemetry.NewPipelineMetrics()
	if err != nil {
		return nil, err
	}

	resolverOpts := []resolver.Option{
		resolver.WithMinConfidence(a.cfg.Resolver.MinConfidence),
		resolver.WithMaxCandidates(a.cfg.Resolver.MaxCandidates),
		resolver.WithLogger(a.logger),
	}
	if a.cfg.Index.Enabled {
		qs, err := index.NewQdrant(a.cfg.Index.QdrantAddr)
		if err != nil {
			return nil, err
		}
		a.onClose(qs.Close)
		embedder := llm.NewOllama(a.cfg.Index.EmbedderBaseURL, llm.WithEmbeddingModel(a.cfg.Index.EmbedderModel))
		resolverOpts = append(resolverOpts, resolver.WithIndex(index.New(qs, embedder, a.cfg.Index.Collection), a.cfg.Index.TopK))
	}
	a.resolver = resolver.New(a.registry.Store, o, resolverOpts...)
	a.registry.SetMatcher(a.resolver)

	events := core.MultiEmitter{
		runlog.Emitter{Store: a.runs, Logger: a.logger},
		core.LogEventEmitter{Logger: a.logger},
	}
	a.executor = sandbox.NewProcessExecutor(a.cfg.Sandbox, sandbox.WithLogger(a.logger))
	loop := corrective.New(o, a.executor,
		corrective.WithPolicy(corrective.Policy{
			TotalAttempts:    a.cfg.Corrective.TotalAttempts,
			DiscardThreshold: a.cfg.Corrective.DiscardThreshold,
		}),
		corrective.WithMetrics(metrics),
		corrective.WithEvents(events),
		corrective.WithLogger(a.logger),
	)

	base := []orchestrator.Option{
		orchestrator.WithMode(mode),
		orchestrator.WithReview(a.cfg.Orchestrator.Review),
		orchestrator.WithSynthesis(a.cfg.Orchestrator.Synthesis),
		orchestrator.WithRunLog(a.runs),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(a.logger),
	}
	return orchestrator.New(orchestrator.Components{
		Planner: planner.New(o,
			planner.WithMaxReplans(a.cfg.Orchestrator.MaxReplans),
			planner.WithRejectHook(func(ctx context.Context, attempt int, err error) {
				events.Emit(ctx, core.EventFromContext(ctx, core.EventPlanRejected, map[string]any{
					"attempt": attempt,
					"error":   err.Error(),
				}))
			}),
			planner.WithLogger(a.logger),
		),
		Registry:    a.registry,
		Synthesizer: synth.New(o, synth.WithRetries(a.cfg.Orchestrator.SynthesisRetries), synth.WithLogger(a.logger)),
		Corrective:  loop,
		Executor:    a.executor,
		Assistant:   o,
		Indexer:     a.resolver,
	}, append(base, opts...)...)
}

// mode picks the run mode from the configuration unless forced.
func (a *app) mode(autonomous bool) orchestrator.Mode {
	if autonomous || a.cfg.Autonomous() {
		return orchestrator.ModeAutonomous
	}
	return orchestrator.ModeInteractive
}
