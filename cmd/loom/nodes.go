package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentstation/loom/builtin"
)

func newNodesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes [type]",
		Short: "List node types or describe one",
		Example: `  loom nodes
  loom nodes content-generation
  loom nodes --output yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes := builtin.Metadata(builtin.NewRegistry())
			if len(args) == 1 {
				var found []builtin.NodeMetadata
				for _, n := range nodes {
					if string(n.Type) == args[0] {
						found = append(found, n)
					}
				}
				if len(found) == 0 {
					return fmt.Errorf("unknown node type %q", args[0])
				}
				if a.output != textFormat {
					return encode(cmd.OutOrStdout(), a.output, found[0])
				}
				printNodeInfo(cmd.OutOrStdout(), found[0])
				return nil
			}

			if a.output != textFormat {
				return encode(cmd.OutOrStdout(), a.output, nodes)
			}
			printNodeTable(cmd.OutOrStdout(), nodes)
			return nil
		},
	}
}

func printNodeTable(w io.Writer, nodes []builtin.NodeMetadata) {
	for _, n := range nodes {
		fmt.Fprintf(w, "  %-20s %s\n", n.Type, n.Description)
	}
	fmt.Fprintf(w, "\nTotal: %d node types\n", len(nodes))
	fmt.Fprintln(w, "\nUse 'loom nodes <type>' for detailed information about a specific node.")
}

func printNodeInfo(w io.Writer, n builtin.NodeMetadata) {
	fmt.Fprintf(w, "Node Type: %s\n", n.Type)
	fmt.Fprintf(w, "Category: %s\n", n.Category)
	fmt.Fprintf(w, "Description: %s\n", n.Description)

	fmt.Fprintln(w, "\nInputs:")
	for _, p := range n.Inputs {
		fmt.Fprintf(w, "  %-16s %s%s\n", p.Name, p.Type, portNote(p.Optional, p.Default))
	}
	fmt.Fprintln(w, "\nOutputs:")
	for _, p := range n.Outputs {
		fmt.Fprintf(w, "  %-16s %s\n", p.Name, p.Type)
	}

	if props, ok := n.Settings["properties"].(map[string]any); ok && len(props) > 0 {
		fmt.Fprintln(w, "\nSettings:")
		for _, name := range slices.Sorted(maps.Keys(props)) {
			desc := ""
			if p, ok := props[name].(map[string]any); ok {
				desc, _ = p["description"].(string)
			}
			fmt.Fprintf(w, "  %-16s %s\n", name, desc)
		}
	}

	if len(n.Examples) > 0 {
		fmt.Fprintln(w, "\nExamples:")
		for _, ex := range n.Examples {
			fmt.Fprintf(w, "  %s: %s\n", ex.Name, ex.Description)
		}
	}
}

func portNote(optional bool, def any) string {
	var notes []string
	if optional {
		notes = append(notes, "optional")
	}
	if def != nil {
		notes = append(notes, fmt.Sprintf("default %v", def))
	}
	if len(notes) == 0 {
		return ""
	}
	return " (" + strings.Join(notes, ", ") + ")"
}
