// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomtom215/logmirror/internal/catalog"
	"github.com/tomtom215/logmirror/internal/config"
	"github.com/tomtom215/logmirror/internal/database"
	"github.com/tomtom215/logmirror/internal/logging"
	"github.com/tomtom215/logmirror/internal/logsapi"
	"github.com/tomtom215/logmirror/internal/orchestrator"
	"github.com/tomtom215/logmirror/internal/scheduler"
	"github.com/tomtom215/logmirror/internal/state"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "logmirror",
	Short: "Mirror the AppMetrica Logs API into DuckDB",
	Long: `Logmirror incrementally exports AppMetrica Logs API tables into a local
DuckDB database. Recent dates are refreshed on an interval and aged dates
are moved into per-source archive tables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: search ./config.yaml)")
}

// app holds the wired components shared by every command.
type app struct {
	cfg   *config.Config
	db    *database.DB
	store state.Store
	orch  *orchestrator.Orchestrator
}

// bootstrap loads configuration and wires the sync components.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Init(cfg.Logging.ToLogging())

	logging.Info().
		Str("version", version).
		Strs("apps", cfg.Apps).
		Str("database", cfg.Database.Path).
		Str("token", logging.MaskSecret(cfg.LogsAPI.Token)).
		Msg("Starting logmirror")

	sources := make([]catalog.SourceID, 0, len(cfg.Sources.Enabled))
	for _, name := range cfg.SelectedSources() {
		id, err := catalog.ParseSourceID(name)
		if err != nil {
			return nil, err
		}
		sources = append(sources, id)
	}
	registry, err := catalog.NewRegistry(sources, cfg.Sources.Fields, cfg.Location())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sources: %w", err)
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store, err := state.Open(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open sync state: %w", err), db.Close())
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to load sync state: %w", err), store.Close(), db.Close())
	}

	client := logsapi.NewClient(&cfg.LogsAPI)
	sched := scheduler.New(store, loaded, orchestrator.SchedulerOptions(cfg, registry))
	orch := orchestrator.New(cfg, registry, db, client, sched)

	return &app{cfg: cfg, db: db, store: store, orch: orch}, nil
}

// Close releases the state store and the database.
func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.db.Close())
}

// withApp runs fn against a freshly wired app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing resources")
		}
	}()
	return fn(ctx, a)
}
