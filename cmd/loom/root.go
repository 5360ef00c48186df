package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/agentstation/loom/internal/config"
)

// app carries global flags and the loaded configuration to subcommands.
type app struct {
	configPath string
	output     string
	verbose    bool

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "loom",
		Short: "A workflow graph execution engine",
		Long: `Loom executes workflow graphs of typed nodes.

A workflow is a YAML or JSON document of nodes (research, generation,
editing, formatting, output and utility steps) joined by typed edges.
Loom validates it, resolves it into dependency levels and runs each
level concurrently, streaming progress as it goes.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (default ./loom.yaml or ~/.config/loom/config.yaml)")
	flags.StringVarP(&a.output, "output", "o", textFormat, "Output format (text, json, yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newValidateCmd(a),
		newPlanCmd(a),
		newRunCmd(a),
		newNodesCmd(a),
		newServeCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	switch a.output {
	case textFormat, jsonFormat, yamlFormat:
	default:
		return fmt.Errorf("unknown output format %q", a.output)
	}

	cfg, err := config.Load(config.New(), a.configPath)
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	a.cfg = cfg
	a.logger = cfg.Logger(cmd.ErrOrStderr())
	return nil
}
