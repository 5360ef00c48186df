package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/builtin"
)

type planLevel struct {
	Level int        `json:"level"`
	Nodes []planNode `json:"nodes"`
}

type planNode struct {
	ID        string        `json:"id"`
	Type      loom.NodeType `json:"type"`
	DependsOn []string      `json:"depends_on,omitempty"`
}

func newPlanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <workflow>",
		Short: "Show the execution levels of a workflow",
		Long: `Plan resolves a workflow into levels. Nodes in the same level have no
dependencies on each other and run concurrently.`,
		Example: `  loom plan blog.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, g, err := loadGraph(args[0], builtin.NewRegistry())
			if err != nil {
				return err
			}
			p, err := loom.Plan(g)
			if err != nil {
				return err
			}

			levels := make([]planLevel, len(p.Levels))
			for i, ids := range p.Levels {
				levels[i].Level = i
				for _, id := range ids {
					n, _ := g.Node(id)
					levels[i].Nodes = append(levels[i].Nodes, planNode{
						ID:        id,
						Type:      n.Type,
						DependsOn: p.Dependencies(id),
					})
				}
			}

			if a.output != textFormat {
				return encode(cmd.OutOrStdout(), a.output, levels)
			}
			w := cmd.OutOrStdout()
			for _, l := range levels {
				fmt.Fprintf(w, "Level %d:\n", l.Level)
				for _, n := range l.Nodes {
					fmt.Fprintf(w, "  %-20s %s\n", n.ID, n.Type)
				}
			}
			fmt.Fprintf(w, "\nTotal: %d nodes in %d levels\n", p.Size(), len(levels))
			return nil
		},
	}
}
