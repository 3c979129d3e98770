// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var onceForce bool

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single sync cycle",
	Long: `Runs one sync cycle immediately, ignoring the wait for the next due
update. With --force every table is dropped and recreated first, which
makes the cycle reload the whole window.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.orch.Prepare(ctx, onceForce); err != nil {
				return fmt.Errorf("prepare failed: %w", err)
			}
			sum, err := a.orch.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			cmd.Printf("Sync finished: %d requests, %d loaded, %d archived.\n", sum.Requests, sum.Loaded, sum.Archived)
			return nil
		})
	},
}

func init() {
	onceCmd.Flags().BoolVar(&onceForce, "force", false, "drop and recreate all tables before syncing")
	rootCmd.AddCommand(onceCmd)
}
