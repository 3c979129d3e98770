// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/logmirror/internal/logging"
	"github.com/tomtom215/logmirror/internal/server"
	"github.com/tomtom215/logmirror/internal/supervisor"
	"github.com/tomtom215/logmirror/internal/supervisor/services"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync continuously until interrupted",
	Long: `Runs sync cycles forever under a supervisor tree. When the status server
is enabled it is started alongside the sync loop. SIGINT or SIGTERM stops
both gracefully.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, runSupervised)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runSupervised(ctx context.Context, a *app) error {
	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger("supervisor"), supervisor.DefaultTreeConfig())
	if err != nil {
		return err
	}

	tree.AddSyncService(services.NewSyncService(a.orch))
	if a.cfg.Server.Enabled {
		srv := server.New(&a.cfg.Server, a.orch, a.db)
		tree.AddAPIService(services.NewHTTPServerService(srv.HTTPServer(), 10*time.Second))
		logging.Info().
			Str("host", a.cfg.Server.Host).
			Int("port", a.cfg.Server.Port).
			Msg("Status server added to supervisor tree")
	}

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
	}

	logging.Info().Msg("Shutdown complete")
	return nil
}
