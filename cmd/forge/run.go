package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/orchestrator"
	"github.com/jllopis/forge/pkg/planner"
)

type runFlags struct {
	Autonomous bool
	PlanPath   string
	NoInput    bool
	Checkpoint string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [request]",
		Short: "Solve a request, synthesizing missing tools",
		Long: `Plans the request, then reuses or synthesizes a tool for every subtask.

In interactive mode a failing subtask asks on the terminal whether to skip it,
abort the run, or retry it with more details. With --no-input the run stops
instead and writes a checkpoint that "forge resume" continues.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if f.PlanPath == "" && len(args) == 0 {
				return errors.New(errors.CodeInvalidInput, "a request or --plan is required", nil)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				return runRequest(cmd, g, a, f, strings.Join(args, " "))
			})
		},
	}
	cmd.Flags().BoolVar(&f.Autonomous, "autonomous", false, "never ask for input; fail on the first unrecoverable subtask")
	cmd.Flags().StringVar(&f.PlanPath, "plan", "", "run a fixed plan from a JSON or YAML file")
	cmd.Flags().BoolVar(&f.NoInput, "no-input", false, "suspend with a checkpoint instead of asking on the terminal")
	cmd.Flags().StringVar(&f.Checkpoint, "checkpoint", "", "where to write the checkpoint of a suspended run")
	return cmd
}

func runRequest(cmd *cobra.Command, g *globalFlags, a *app, f *runFlags, request string) error {
	mode := a.mode(f.Autonomous)
	orch, err := a.pipeline(mode, inputOption(cmd, mode, f.NoInput)...)
	if err != nil {
		return err
	}

	var res *orchestrator.Result
	if f.PlanPath != "" {
		plan, perr := planner.LoadPlan(f.PlanPath)
		if perr != nil {
			return errors.NewPlanningError("invalid plan file", perr).WithContext("path", f.PlanPath)
		}
		if request != "" {
			plan.Request = request
		}
		res, err = orch.RunPlan(cmd.Context(), plan)
	} else {
		res, err = orch.Run(cmd.Context(), request)
	}
	return report(cmd, g, a, res, err, f.Checkpoint)
}

func newResumeCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "resume <checkpoint> <answer>",
		Short: "Continue a suspended run with an answer",
		Long: `Answers the pending question of a checkpoint written by "forge run --no-input".
Answer "skip" to skip the subtask, "abort" to fail the run, or give details
to retry the subtask with them.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := readCheckpoint(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, g, func(a *app) error {
				orch, err := a.pipeline(cp.Mode, inputOption(cmd, cp.Mode, f.NoInput)...)
				if err != nil {
					return err
				}
				res, err := orch.Resume(cmd.Context(), cp, strings.Join(args[1:], " "))
				if res == nil {
					return err
				}
				return report(cmd, g, a, res, err, f.Checkpoint)
			})
		},
	}
	cmd.Flags().BoolVar(&f.NoInput, "no-input", false, "suspend again instead of asking on the terminal")
	cmd.Flags().StringVar(&f.Checkpoint, "checkpoint", "", "where to write the checkpoint if the run suspends again")
	return cmd
}

func inputOption(cmd *cobra.Command, mode orchestrator.Mode, noInput bool) []orchestrator.Option {
	if mode != orchestrator.ModeInteractive || noInput {
		return nil
	}
	return []orchestrator.Option{orchestrator.WithInput(orchestrator.NewConsoleInput(
		orchestrator.WithConsoleInput(cmd.InOrStdin()),
		orchestrator.WithConsoleOutput(cmd.ErrOrStderr()),
	))}
}

// report prints a run result and, for a suspended run, writes its
// checkpoint.
func report(cmd *cobra.Command, g *globalFlags, a *app, res *orchestrator.Result, runErr error, checkpointPath string) error {
	out := cmd.OutOrStdout()
	if res.Status == orchestrator.RunSuspended && res.Checkpoint != nil {
		path := checkpointPath
		if path == "" {
			path = filepath.Join(a.cfg.Runs.Dir, res.RunID+".checkpoint.json")
		}
		if err := writeCheckpoint(path, res.Checkpoint); err != nil {
			return err
		}
		if !g.JSON {
			fmt.Fprintf(out, "run %s suspended at subtask %d:\n%s\n\nresume with: forge resume %s <answer>\n",
				res.RunID, res.Checkpoint.Question.SubtaskID, res.Checkpoint.Question.Text, path)
		}
	}
	if g.JSON {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else if res.Status != orchestrator.RunSuspended {
		printResult(out, res)
	}
	return runErr
}

func writeCheckpoint(path string, cp *orchestrator.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func readCheckpoint(path string) (*orchestrator.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeNotFound, "checkpoint not readable", err).WithContext("path", path)
	}
	var cp orchestrator.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "checkpoint is not valid JSON", err).WithContext("path", path)
	}
	if cp.Question == nil || cp.Plan == nil {
		return nil, errors.New(errors.CodeInvalidInput, "checkpoint has no pending question", nil).WithContext("path", path)
	}
	return &cp, nil
}
