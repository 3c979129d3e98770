// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tomtom215/logmirror/internal/metrics"
	"github.com/tomtom215/logmirror/internal/tsv"
)

var stagingSeq atomic.Uint64

// keyMatch renders "a.k IS NOT DISTINCT FROM b.k AND ..." for every key.
func keyMatch(left, right string, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		q := QuoteIdent(k)
		parts[i] = fmt.Sprintf("%s.%s IS NOT DISTINCT FROM %s.%s", left, q, right, q)
	}
	return strings.Join(parts, " AND ")
}

func partitionBy(alias string, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = alias + "." + QuoteIdent(k)
	}
	return strings.Join(parts, ", ")
}

// InsertDistinct decodes a TabSeparatedWithNames payload and appends its rows
// to table, skipping rows whose key columns already exist in table or repeat
// within the payload. columns types every header name; keys must be a
// non-empty subset of the header. The whole insert is one transaction.
func (db *DB) InsertDistinct(ctx context.Context, table string, columns []Column, keys []string, payload io.Reader) (inserted int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_distinct", time.Since(start), err) }()

	reader, err := tsv.NewReader(payload)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	if len(keys) == 0 {
		return 0, fmt.Errorf("insert into %s: no key columns", table)
	}

	types := make(map[string]string, len(columns))
	for _, c := range columns {
		types[c.Name] = c.Type
	}
	header := reader.Header()
	inHeader := make(map[string]bool, len(header))
	for _, h := range header {
		if _, ok := types[h]; !ok {
			return 0, fmt.Errorf("insert into %s: unknown column %q", table, h)
		}
		inHeader[h] = true
	}
	for _, k := range keys {
		if !inHeader[k] {
			return 0, fmt.Errorf("insert into %s: key column %q not in payload", table, k)
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: begin: %w", table, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	staging := QuoteIdent(fmt.Sprintf("logmirror_staging_%d", stagingSeq.Add(1)))
	defs := make([]string, len(header))
	casts := make([]string, len(header))
	for i, h := range header {
		q := QuoteIdent(h)
		defs[i] = q + " VARCHAR"
		casts[i] = fmt.Sprintf("CAST(s.%s AS %s) AS %s", q, types[h], q)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (%s)", staging, strings.Join(defs, ", "))); err != nil {
		return 0, fmt.Errorf("insert into %s: create staging: %w", table, err)
	}

	if err := fillStaging(ctx, tx, staging, reader); err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}

	cols := strings.Join(quoteAll(header), ", ")
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM (SELECT %s FROM %s s) AS n WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s) QUALIFY row_number() OVER (PARTITION BY %s) = 1",
		db.qualified(table), cols, prefixAll("n", header), strings.Join(casts, ", "), staging,
		db.qualified(table), keyMatch("t", "n", keys), partitionBy("n", keys))
	res, err := tx.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	inserted, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert into %s: rows affected: %w", table, err)
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE "+staging); err != nil {
		return 0, fmt.Errorf("insert into %s: drop staging: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert into %s: commit: %w", table, err)
	}
	committed = true
	return inserted, nil
}

func fillStaging(ctx context.Context, tx *sql.Tx, staging string, reader *tsv.Reader) error {
	n := len(reader.Header())
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", staging, placeholders))
	if err != nil {
		return fmt.Errorf("prepare staging insert: %w", err)
	}
	defer closeWithLog(stmt, "prepared statement")

	args := make([]any, n)
	for {
		values, valid, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		for i := range values {
			if valid[i] {
				args[i] = values[i]
			} else {
				args[i] = nil
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("stage row: %w", err)
		}
	}
}

func prefixAll(alias string, names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = alias + "." + QuoteIdent(n)
	}
	return strings.Join(parts, ", ")
}

// CopyDistinct appends the rows of from to to, skipping rows whose key
// columns already exist in to or repeat within from. orderBy holds SQL
// expressions over the copied columns.
func (db *DB) CopyDistinct(ctx context.Context, from, to string, columns, keys, orderBy []string) (copied int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("copy_distinct", time.Since(start), err) }()

	if len(columns) == 0 || len(keys) == 0 {
		return 0, fmt.Errorf("copy %s to %s: columns and keys are required", from, to)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s f WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s) QUALIFY row_number() OVER (PARTITION BY %s) = 1",
		db.qualified(to), strings.Join(quoteAll(columns), ", "), prefixAll("f", columns), db.qualified(from),
		db.qualified(to), keyMatch("t", "f", keys), partitionBy("f", keys))
	if len(orderBy) > 0 {
		query += " ORDER BY " + strings.Join(orderBy, ", ")
	}

	res, err := db.conn.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("copy %s to %s: %w", from, to, err)
	}
	copied, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("copy %s to %s: rows affected: %w", from, to, err)
	}
	return copied, nil
}
