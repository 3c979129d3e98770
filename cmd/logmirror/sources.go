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

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Print table statistics for every mirrored source",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.orch.Prepare(ctx, false); err != nil {
				return fmt.Errorf("prepare failed: %w", err)
			}
			stats, err := a.orch.SourceStats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		})
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}
