package main

import (
	"github.com/spf13/cobra"

	"github.com/jllopis/forge/pkg/core"
	"github.com/jllopis/forge/pkg/runlog"
)

func newRunsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}

	var (
		eventType string
		subtask   int
		limit     int
	)
	events := &cobra.Command{
		Use:   "events <run_id>",
		Short: "Print the events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				if err := a.openRuns(); err != nil {
					return err
				}
				list, err := a.runs.List(cmd.Context(), runlog.Filter{
					RunID:     args[0],
					Type:      core.EventType(eventType),
					SubtaskID: subtask,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if g.JSON {
					return printJSON(cmd.OutOrStdout(), list)
				}
				for _, ev := range list {
					printEvent(cmd.OutOrStdout(), ev)
				}
				return nil
			})
		},
	}
	events.Flags().StringVar(&eventType, "type", "", "only events of this type")
	events.Flags().IntVar(&subtask, "subtask", 0, "only events of this subtask")
	events.Flags().IntVar(&limit, "limit", 0, "at most this many events")

	artifact := &cobra.Command{
		Use:   "artifact <run_id> <name>",
		Short: "Print an artifact of a run, such as final_answer.txt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				if err := a.openRuns(); err != nil {
					return err
				}
				data, err := a.runs.ReadArtifact(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}

	cmd.AddCommand(events, artifact)
	return cmd
}
