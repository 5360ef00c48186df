package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/server"
	"github.com/agentstation/loom/storage/sqlite"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve workflows and runs over HTTP",
		Long: `Serve exposes workflow editing, runs and live progress over HTTP.

Workflow versions are persisted to the SQLite database at storage.path.
Runs evicted from memory are archived there and stay readable.`,
		Example: `  loom serve
  loom serve --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			db, err := sqlite.Open(a.cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer db.Close()

			runs := loom.NewRunStore(a.cfg.RunStoreOptions(server.ArchiveEvicted(db, a.logger))...)
			engine, cleanup, err := a.newEngine(cmd.ErrOrStderr(), loom.WithRunStore(runs))
			if err != nil {
				return err
			}
			defer cleanup()

			srv := server.New(engine,
				server.WithStore(db),
				server.WithLogger(a.logger),
				server.WithHeartbeat(a.cfg.Server.Heartbeat),
			)
			defer srv.Close()

			a.logger.Info("serving", "addr", addr, "storage", a.cfg.Storage.Path)
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.addr)")
	return cmd
}
