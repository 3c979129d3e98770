// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

// Package main is the entry point for the logmirror command.
//
// Logmirror keeps a local DuckDB database in sync with the AppMetrica Logs
// API. Every cycle it reloads recent dates that have gone stale, loads new
// dates as they appear and moves aged dates into per-source archive tables.
//
// # Application Architecture
//
// Components are initialized in the following order:
//
//  1. Configuration: defaults, config file, .env and environment (Koanf v2)
//  2. Logging: zerolog with the configured level and format
//  3. Database: DuckDB connection and schema
//  4. Sync state: file or BadgerDB backed store
//  5. Source catalog, Logs API client, scheduler and orchestrator
//  6. Supervisor tree running the sync loop and the optional status server
//
// # Commands
//
//	logmirror run                       sync continuously until SIGINT/SIGTERM
//	logmirror once [--force]            run a single sync cycle
//	logmirror backfill --app --from --to  load an explicit interval
//	logmirror state                     print the persisted sync state
//	logmirror sources                   print per-source table statistics
//	logmirror version                   print the version
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
