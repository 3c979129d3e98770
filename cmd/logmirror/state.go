// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package main

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tomtom215/logmirror/internal/server"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the persisted sync state as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(_ context.Context, a *app) error {
			return printJSON(cmd, server.NewStateView(a.orch.Snapshot()))
		})
	},
}

func init() {
	rootCmd.AddCommand(stateCmd)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
