package main

import (
	"fmt"
	"io"
	"iter"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentstation/loom"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		sets  []string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Execute a workflow",
		Long: `Run executes a workflow level by level and prints each node's outcome.

Unconnected inputs can be supplied with --set node.port=value; values are
read as YAML scalars, so numbers and booleans keep their types. Interrupting
the command cancels the run. The command fails unless every node completes.`,
		Example: `  # Run a workflow
  loom run blog.yaml

  # Supply a topic and stream progress
  loom run blog.yaml --set research.query="solar power" --watch

  # Print the full run record as JSON
  loom run blog.yaml --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var opts []loom.RunOption
			for _, s := range sets {
				nodeID, port, value, err := parseAssignment(s)
				if err != nil {
					return err
				}
				opts = append(opts, loom.WithInputs(nodeID, loom.Values{port: value}))
			}

			engine, cleanup, err := a.newEngine(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer cleanup()

			_, g, err := loadGraph(args[0], engine.Registry())
			if err != nil {
				return err
			}
			a.logger.Debug("starting run", "workflow", g.ID, "nodes", len(g.Nodes))

			x, err := engine.Start(ctx, g, opts...)
			if err != nil {
				return err
			}
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				if watch {
					printEvents(cmd.ErrOrStderr(), x.Events())
				}
			}()

			run := x.Wait()
			<-printed
			if a.output != textFormat {
				if err := encode(cmd.OutOrStdout(), a.output, run); err != nil {
					return err
				}
			} else {
				printRun(cmd.OutOrStdout(), g, run)
			}

			if run.Status != loom.RunCompleted {
				return fmt.Errorf("run %s %s", run.ID, run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "Supply an input as node.port=value (repeatable)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Stream progress events to stderr")
	return cmd
}

func printEvents(w io.Writer, events iter.Seq[loom.RunEvent]) {
	for ev := range events {
		switch {
		case ev.Delta != "":
			continue
		case ev.NodeID != "" && ev.Error != nil:
			fmt.Fprintf(w, "[%d] %-16s %s: %s\n", ev.Seq, ev.Type, ev.NodeID, ev.Error.Message)
		case ev.NodeID != "":
			fmt.Fprintf(w, "[%d] %-16s %s\n", ev.Seq, ev.Type, ev.NodeID)
		case ev.Type == loom.EventLevelCompleted:
			fmt.Fprintf(w, "[%d] %-16s level %d\n", ev.Seq, ev.Type, ev.Level)
		default:
			fmt.Fprintf(w, "[%d] %-16s %s\n", ev.Seq, ev.Type, ev.Status)
		}
	}
}

// printRun writes a per-node summary followed by the outputs of sink nodes.
func printRun(w io.Writer, g *loom.Graph, run *loom.Run) {
	c := run.Counts()
	fmt.Fprintf(w, "Run %s %s in %v (%d complete, %d error, %d skipped)\n",
		run.ID, run.Status, run.Duration(), c.Complete, c.Error, c.Skipped)

	for _, id := range run.Nodes {
		o := run.Outcomes[id]
		line := fmt.Sprintf("  %-20s %-9s", id, o.Status)
		switch {
		case o.Error != nil:
			line += fmt.Sprintf(" %s: %s", o.Error.Kind, o.Error.Message)
		case o.Reused:
			line += " reused"
		case o.Attempts > 1:
			line += fmt.Sprintf(" after %d attempts", o.Attempts)
		}
		fmt.Fprintln(w, line)
	}

	sinks := sinkNodes(g)
	if len(sinks) == 0 {
		return
	}
	fmt.Fprintln(w, "\nOutputs:")
	for _, id := range sinks {
		o := run.Outcomes[id]
		if o.Status != loom.NodeComplete {
			continue
		}
		n, _ := g.Node(id)
		for _, p := range n.Outputs {
			if v, ok := o.Outputs[p.Name]; ok {
				fmt.Fprintf(w, "  %s.%s: %v\n", id, p.Name, v)
			}
		}
	}
}

// sinkNodes returns nodes without outgoing edges in insertion order.
func sinkNodes(g *loom.Graph) []string {
	var from []string
	for _, e := range g.Edges {
		from = append(from, e.From)
	}
	var ids []string
	for _, n := range g.Nodes {
		if !slices.Contains(from, n.ID) {
			ids = append(ids, n.ID)
		}
	}
	return ids
}
