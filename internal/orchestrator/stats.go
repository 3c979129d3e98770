// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// SourceStats summarizes the stored data of one source.
type SourceStats struct {
	Source     string   `json:"source"`
	Table      string   `json:"table"`
	View       string   `json:"view"`
	Archive    string   `json:"archive"`
	Partitions []string `json:"partitions"`
	Rows       int64    `json:"rows"`
	PartsCount int      `json:"parts_count"`
	DateColumn string   `json:"date_column"`
	Signature  string   `json:"signature"`
}

// SourceStats collects per-source table statistics concurrently.
func (o *Orchestrator) SourceStats(ctx context.Context) ([]SourceStats, error) {
	sources := o.registry.Sources()
	out := make([]SourceStats, len(sources))
	parts := o.PartsCounts()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, src := range sources {
		ctrl := o.controllers[src.ID]
		g.Go(func() error {
			partitions, err := ctrl.Partitions(gctx)
			if err != nil {
				return fmt.Errorf("list %s partitions: %w", src.ID, err)
			}
			rows, err := ctrl.CountRows(gctx)
			if err != nil {
				return fmt.Errorf("count %s rows: %w", src.ID, err)
			}
			out[i] = SourceStats{
				Source:     string(src.ID),
				Table:      src.Table,
				View:       ctrl.ViewName(),
				Archive:    ctrl.ArchiveName(),
				Partitions: partitions,
				Rows:       rows,
				PartsCount: parts[src.ID],
				DateColumn: src.DateColumn,
				Signature:  ctrl.Signature(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
