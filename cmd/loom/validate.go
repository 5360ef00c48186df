package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/builtin"
)

type validateResult struct {
	Workflow   string           `json:"workflow"`
	Valid      bool             `json:"valid"`
	Violations []loom.Violation `json:"violations,omitempty"`
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow>",
		Short: "Check a workflow for structural and schema violations",
		Long: `Validate reports every violation in a workflow at once: unknown node
types, bad settings, dangling or mistyped edges, unconnected required
inputs and cycles.`,
		Example: `  loom validate blog.yaml
  loom validate blog.yaml --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := builtin.NewRegistry()
			doc, g, err := loadGraph(args[0], reg)
			if err != nil {
				return err
			}

			res := loom.Validate(g, reg)
			out := validateResult{Workflow: doc.ID, Valid: res.Valid(), Violations: res.Violations}
			if a.output != textFormat {
				if err := encode(cmd.OutOrStdout(), a.output, out); err != nil {
					return err
				}
				return res.Err()
			}

			w := cmd.OutOrStdout()
			if out.Valid {
				fmt.Fprintf(w, "%s is valid (%d nodes, %d edges)\n", doc.ID, len(g.Nodes), len(g.Edges))
				return nil
			}
			fmt.Fprintf(w, "%s has %d violation(s):\n", doc.ID, len(out.Violations))
			for _, v := range out.Violations {
				fmt.Fprintf(w, "  - %s\n", v)
			}
			return res.Err()
		},
	}
}
