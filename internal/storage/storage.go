// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

// Package storage manages the DuckDB tables of one source: a table per loaded
// partition, an append-only archive, and a view that merges them.
//
// Table naming for a source whose base table is "events":
//
//	events_<app>_<YYYYMMDD>                       one day of one application
//	events_<app>_latest                           date-ignored export
//	events_<app>_<YYYYMMDDhhmmss>_<YYYYMMDDhhmmss> interval backfill
//	events_archive                                finalized rows
//	events_all                                    view over all of the above
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/tomtom215/logmirror/internal/catalog"
	"github.com/tomtom215/logmirror/internal/database"
	"github.com/tomtom215/logmirror/internal/logging"
	"github.com/tomtom215/logmirror/internal/metrics"
	"github.com/tomtom215/logmirror/internal/state"
	"github.com/tomtom215/logmirror/internal/tsv"
)

// Store is the analytical database used by the controller.
type Store interface {
	EnsureSchema(ctx context.Context) error
	TableExists(ctx context.Context, table string) (bool, error)
	TableColumns(ctx context.Context, table string) ([]database.Column, error)
	ListTables(ctx context.Context, pattern *regexp.Regexp) ([]string, error)
	CreateTable(ctx context.Context, table string, columns []database.Column) error
	DropTable(ctx context.Context, table string) error
	CreateUnionView(ctx context.Context, view string, tables []string) error
	InsertDistinct(ctx context.Context, table string, columns []database.Column, keys []string, payload io.Reader) (int64, error)
	CopyDistinct(ctx context.Context, from, to string, columns, keys, orderBy []string) (int64, error)
	CountRows(ctx context.Context, table string) (int64, error)
}

// Controller owns the tables of one source.
type Controller struct {
	db        Store
	source    *catalog.Resolved
	columns   []database.Column
	partition *regexp.Regexp
}

// New returns the controller for source.
func New(db Store, source *catalog.Resolved) *Controller {
	cols := source.Columns()
	columns := make([]database.Column, len(cols))
	for i, c := range cols {
		columns[i] = database.Column{Name: c.Name, Type: c.Type.SQL()}
	}
	return &Controller{
		db:        db,
		source:    source,
		columns:   columns,
		partition: PartitionPattern(source.Table),
	}
}

// PartitionPattern matches the live partition tables of a base table.
func PartitionPattern(table string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(table) + `_\d+_(\d{8}|latest|\d{14}_\d{14})$`)
}

// DateSuffix names the partition of one day of one application.
func DateSuffix(appID string, d state.Date) string {
	return appID + "_" + d.Compact()
}

// LatestSuffix names the partition of a date-ignored export.
func LatestSuffix(appID string) string {
	return appID + "_latest"
}

// IntervalSuffix names the partition of an interval backfill.
func IntervalSuffix(appID string, from, to time.Time) string {
	const layout = "20060102150405"
	return appID + "_" + from.Format(layout) + "_" + to.Format(layout)
}

// Source returns the resolved catalog source.
func (c *Controller) Source() *catalog.Resolved {
	return c.source
}

// Signature returns the storage signature of the source.
func (c *Controller) Signature() string {
	return c.source.Signature()
}

// ArchiveName returns the archive table name.
func (c *Controller) ArchiveName() string {
	return c.source.Table + "_archive"
}

// ViewName returns the merged view name.
func (c *Controller) ViewName() string {
	return c.source.Table + "_all"
}

// TableName returns the partition table name for suffix.
func (c *Controller) TableName(suffix string) string {
	return c.source.Table + "_" + suffix
}

// Prepare makes sure the archive table and the merged view exist. When force
// is set, or when the archive no longer has the declared columns, every table
// of the source is dropped and recreated. It reports whether that happened.
func (c *Controller) Prepare(ctx context.Context, force bool) (recreated bool, err error) {
	if err := c.db.EnsureSchema(ctx); err != nil {
		return false, err
	}

	existing, err := c.db.TableColumns(ctx, c.ArchiveName())
	if err != nil {
		return false, err
	}
	drift := len(existing) > 0 && !sameColumns(existing, c.columns)
	if force || drift {
		logging.Warn().
			Str("source", string(c.source.ID)).
			Bool("forced", force).
			Bool("drift", drift).
			Msg("Storage layout changed, recreating source tables")
		if err := c.dropAll(ctx); err != nil {
			return false, err
		}
		recreated = true
		metrics.StorageOperations.WithLabelValues(string(c.source.ID), "recreate").Inc()
	}

	if err := c.db.CreateTable(ctx, c.ArchiveName(), c.columns); err != nil {
		return recreated, err
	}
	if err := c.rebuildView(ctx); err != nil {
		return recreated, err
	}
	metrics.StorageOperations.WithLabelValues(string(c.source.ID), "prepare").Inc()
	return recreated, nil
}

func (c *Controller) dropAll(ctx context.Context) error {
	tables, err := c.db.ListTables(ctx, c.partition)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if err := c.db.DropTable(ctx, t); err != nil {
			return err
		}
	}
	return c.db.DropTable(ctx, c.ArchiveName())
}

// sameColumns compares names and types; types are compared as DuckDB
// reports them.
func sameColumns(a, b []database.Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RecreateTable drops and recreates the partition table for suffix.
func (c *Controller) RecreateTable(ctx context.Context, suffix string) error {
	table := c.TableName(suffix)
	if err := c.db.DropTable(ctx, table); err != nil {
		return err
	}
	if err := c.db.CreateTable(ctx, table, c.columns); err != nil {
		return err
	}
	metrics.StorageOperations.WithLabelValues(string(c.source.ID), "recreate_table").Inc()
	return c.rebuildView(ctx)
}

// InsertData appends frame to the partition table for suffix, skipping rows
// whose key already exists. It returns the number of new rows.
func (c *Controller) InsertData(ctx context.Context, frame *catalog.Frame, suffix string) (int64, error) {
	if frame.Len() == 0 {
		return 0, nil
	}

	declared := make(map[string]bool, len(c.columns))
	for _, col := range c.columns {
		declared[col.Name] = true
	}
	header := make([]string, len(frame.Columns))
	nullable := make([]bool, len(frame.Columns))
	for i, col := range frame.Columns {
		if !declared[col.Name] {
			return 0, fmt.Errorf("storage: %s: column %q is not declared", c.source.ID, col.Name)
		}
		header[i] = col.Name
		nullable[i] = col.Type != catalog.String
	}

	var buf bytes.Buffer
	w, err := tsv.NewWriter(&buf, header)
	if err != nil {
		return 0, err
	}
	values := make([]string, len(header))
	for _, row := range frame.Rows {
		if len(row) != len(header) {
			return 0, fmt.Errorf("storage: %s: row has %d values, want %d", c.source.ID, len(row), len(header))
		}
		for i, v := range row {
			if v == "" && nullable[i] {
				values[i] = tsv.Null
				continue
			}
			values[i] = tsv.Escape(v)
		}
		if err := w.Write(values); err != nil {
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}

	table := c.TableName(suffix)
	n, err := c.db.InsertDistinct(ctx, table, c.columns, c.source.KeyColumns(), &buf)
	if err != nil {
		return 0, err
	}
	metrics.StorageRowsInserted.WithLabelValues(string(c.source.ID)).Add(float64(n))
	logging.Debug().
		Str("table", table).
		Int("rows", frame.Len()).
		Int64("inserted", n).
		Msg("Rows inserted")
	return n, nil
}

// ArchiveTable moves the partition for suffix into the archive, ordered by
// date and sampling hash, and drops it. A missing partition is a no-op.
func (c *Controller) ArchiveTable(ctx context.Context, suffix string) error {
	table := c.TableName(suffix)
	exists, err := c.db.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		logging.Info().Str("table", table).Msg("Nothing to archive, partition does not exist")
		return nil
	}

	names := make([]string, len(c.columns))
	for i, col := range c.columns {
		names[i] = col.Name
	}
	var order []string
	if c.source.DateColumn != "" {
		order = append(order, database.QuoteIdent(c.source.DateColumn))
	}
	if c.source.SamplingColumn != "" {
		order = append(order, "hash("+database.QuoteIdent(c.source.SamplingColumn)+")")
	}

	copied, err := c.db.CopyDistinct(ctx, table, c.ArchiveName(), names, c.source.KeyColumns(), order)
	if err != nil {
		return err
	}
	if err := c.db.DropTable(ctx, table); err != nil {
		return err
	}
	metrics.StorageOperations.WithLabelValues(string(c.source.ID), "archive").Inc()
	logging.Info().Str("table", table).Int64("rows", copied).Msg("Partition archived")
	return c.rebuildView(ctx)
}

// Partitions lists the live partition tables of the source.
func (c *Controller) Partitions(ctx context.Context) ([]string, error) {
	return c.db.ListTables(ctx, c.partition)
}

// CountRows counts the rows visible through the merged view.
func (c *Controller) CountRows(ctx context.Context) (int64, error) {
	return c.db.CountRows(ctx, c.ViewName())
}

func (c *Controller) rebuildView(ctx context.Context) error {
	partitions, err := c.db.ListTables(ctx, c.partition)
	if err != nil {
		return err
	}
	tables := append([]string{c.ArchiveName()}, partitions...)
	return c.db.CreateUnionView(ctx, c.ViewName(), tables)
}
