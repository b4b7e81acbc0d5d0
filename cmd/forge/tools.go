package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newToolsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, func(a *app) error {
				if err := a.openRegistry(); err != nil {
					return err
				}
				entries, err := a.registry.List(cmd.Context())
				if err != nil {
					return err
				}
				if g.JSON {
					return printJSON(cmd.OutOrStdout(), entries)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tUSES\tIDEMPOTENT\tPACKAGES\tCAPABILITY")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%d\t%t\t%s\t%s\n",
						e.Spec.Name, e.UsageCount, e.Spec.Idempotent, strings.Join(e.Spec.Packages, ","), e.Spec.Capability)
				}
				return tw.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Show a registered tool with its code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				if err := a.openRegistry(); err != nil {
					return err
				}
				entry, err := a.registry.GetByName(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if g.JSON {
					return printJSON(cmd.OutOrStdout(), entry)
				}
				out := cmd.OutOrStdout()
				spec := entry.Spec
				fmt.Fprintf(out, "name:        %s\n", spec.Name)
				fmt.Fprintf(out, "description: %s\n", spec.Description)
				fmt.Fprintf(out, "capability:  %s\n", spec.Capability)
				fmt.Fprintf(out, "input:       %v\n", spec.InputSchema)
				fmt.Fprintf(out, "output:      %v\n", spec.OutputSchema)
				fmt.Fprintf(out, "packages:    %s\n", strings.Join(spec.Packages, ", "))
				fmt.Fprintf(out, "system:      %s\n", strings.Join(spec.SystemPackages, ", "))
				fmt.Fprintf(out, "idempotent:  %t\n", spec.Idempotent)
				fmt.Fprintf(out, "uses:        %d\n\n%s", entry.UsageCount, spec.Code)
				return nil
			})
		},
	})
	return cmd
}
