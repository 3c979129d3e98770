// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/logmirror/internal/catalog"
	"github.com/tomtom215/logmirror/internal/state"
	"github.com/tomtom215/logmirror/internal/validation"
)

var (
	backfillApp     string
	backfillFrom    string
	backfillTo      string
	backfillSources []string
	backfillArchive bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Load an explicit time interval",
	Long: `Loads [from, to] for one application into a dedicated interval table.
Dates are YYYY-MM-DD (the whole day, in the sync time zone) or RFC 3339
timestamps. The sync state is not modified. With --archive the interval
is moved into the archive tables after loading.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := validation.GetValidator().Var(backfillApp, "required,appid"); err != nil {
			return fmt.Errorf("invalid --app %q: must be a positive numeric application id", backfillApp)
		}
		sources := make([]catalog.SourceID, 0, len(backfillSources))
		for _, name := range backfillSources {
			id, err := catalog.ParseSourceID(name)
			if err != nil {
				return err
			}
			sources = append(sources, id)
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			loc := a.cfg.Location()
			from, err := parseBound(backfillFrom, loc, false)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			to, err := parseBound(backfillTo, loc, true)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
			if err := a.orch.Backfill(ctx, backfillApp, from, to, sources, backfillArchive); err != nil {
				return fmt.Errorf("backfill failed: %w", err)
			}
			cmd.Printf("Backfill of %s from %s to %s finished.\n",
				backfillApp, from.Format(time.DateTime), to.Format(time.DateTime))
			return nil
		})
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillApp, "app", "", "application ID")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "interval start")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "interval end (inclusive)")
	backfillCmd.Flags().StringSliceVar(&backfillSources, "source", nil, "sources to load (default: all date sources)")
	backfillCmd.Flags().BoolVar(&backfillArchive, "archive", false, "move the interval into the archive after loading")
	_ = backfillCmd.MarkFlagRequired("app")
	_ = backfillCmd.MarkFlagRequired("from")
	_ = backfillCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(backfillCmd)
}

// parseBound parses a date or timestamp. A bare date resolves to the start
// of the day, or to its last second when end is set.
func parseBound(raw string, loc *time.Location, end bool) (time.Time, error) {
	if d, err := state.ParseDate(raw); err == nil {
		if end {
			return d.End(loc), nil
		}
		return d.Start(loc), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC 3339, got %q", raw)
	}
	return t.In(loc), nil
}
