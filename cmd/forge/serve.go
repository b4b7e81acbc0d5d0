// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jllopis/forge/pkg/config"
	"github.com/jllopis/forge/pkg/mcpserver"
	"github.com/jllopis/forge/pkg/orchestrator"
	"github.com/jllopis/forge/pkg/telemetry"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve registered tools over MCP on stdio",
		Long: `Exposes every registered tool as an MCP tool, plus forge_request, which runs
a request through the pipeline in autonomous mode. With --config the file is
watched and sandbox limits and log level follow its changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, func(a *app) error {
				orch, err := a.pipeline(orchestrator.ModeAutonomous)
				if err != nil {
					return err
				}
				srv := mcpserver.NewServer("forge", version, a.registry, a.executor,
					mcpserver.WithRunner(orch),
					mcpserver.WithLogger(a.logger),
				)
				n, err := srv.Sync(cmd.Context())
				if err != nil {
					return err
				}
				a.logger.Info("forge.serve.start", slog.Int("tools", n))

				if g.ConfigPath != "" {
					w, err := config.NewWatcher(g.ConfigPath,
						config.WithWatchOverrides(g.Overrides),
						config.WithWatchLogger(a.logger),
					)
					if err != nil {
						return err
					}
					w.OnChange(func(cfg *config.Config) {
						a.executor.UpdateConfig(cfg.Sandbox)
						a.level.Set(telemetry.ParseLogLevel(cfg.Log.Level))
					})
					w.Start(cmd.Context())
					defer w.Stop()
				}
				return srv.ServeStdio()
			})
		},
	}
}
