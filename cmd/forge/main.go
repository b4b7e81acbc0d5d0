// Package main implements the forge CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

type globalFlags struct {
	ConfigPath string
	Overrides  []string
	JSON       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := &globalFlags{}
	root := newRootCmd(g)
	if err := root.ExecuteContext(ctx); err != nil {
		cliErr := wrapError(err)
		cliErr.PrintError(os.Stderr, g.JSON)
		os.Exit(exitCode(err))
	}
}

func newRootCmd(g *globalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "forge",
		Short: "Forge plans requests and synthesizes the tools it is missing",
		Long: `Forge decomposes a request into subtasks, reuses registered tools where
they fit and synthesizes, validates and registers new ones where they do not.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringArrayVar(&g.Overrides, "set", nil, "override a config key (key=value), repeatable")
	root.PersistentFlags().BoolVar(&g.JSON, "json", false, "print JSON output")

	root.AddCommand(
		newRunCmd(g),
		newResumeCmd(g),
		newToolsCmd(g),
		newRunsCmd(g),
		newServeCmd(g),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the forge version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// withApp loads the configuration, runs fn and releases what fn opened.
func withApp(cmd *cobra.Command, g *globalFlags, fn func(*app) error) error {
	a, err := loadApp(g, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
