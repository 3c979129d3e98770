// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package database

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Column describes one physical column.
type Column struct {
	Name string
	Type string
}

// QuoteIdent quotes a DuckDB identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (db *DB) qualified(table string) string {
	return QuoteIdent(db.schema) + "." + QuoteIdent(table)
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = QuoteIdent(n)
	}
	return out
}

// EnsureSchema creates the schema if absent.
func (db *DB) EnsureSchema(ctx context.Context) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	return db.exec(ctx, "create_schema", "CREATE SCHEMA IF NOT EXISTS "+QuoteIdent(db.schema))
}

// TableExists reports whether a base table with this name exists.
func (db *DB) TableExists(ctx context.Context, table string) (bool, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var n int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ? AND table_type = 'BASE TABLE'",
		db.schema, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

// TableColumns returns the physical columns of table in ordinal order. An
// absent table has no columns.
func (db *DB) TableColumns(ctx context.Context, table string) ([]Column, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position",
		db.schema, table)
	if err != nil {
		return nil, fmt.Errorf("describe table %s: %w", table, err)
	}
	defer closeWithLog(rows, "rows")

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("describe table %s: %w", table, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe table %s: %w", table, err)
	}
	return cols, nil
}

// ListTables returns the base tables of the schema whose names match
// pattern, sorted by name. A nil pattern matches everything.
func (db *DB) ListTables(ctx context.Context, pattern *regexp.Regexp) ([]string, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name",
		db.schema)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer closeWithLog(rows, "rows")

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		if pattern == nil || pattern.MatchString(name) {
			names = append(names, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

// CreateTable creates table with the given columns if it does not exist.
func (db *DB) CreateTable(ctx context.Context, table string, columns []Column) error {
	if len(columns) == 0 {
		return fmt.Errorf("create table %s: no columns", table)
	}
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = QuoteIdent(c.Name) + " " + c.Type
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", db.qualified(table), strings.Join(defs, ", "))

	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	return db.exec(ctx, "create_table", query)
}

// DropTable drops table if it exists.
func (db *DB) DropTable(ctx context.Context, table string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	return db.exec(ctx, "drop_table", "DROP TABLE IF EXISTS "+db.qualified(table))
}

// CreateUnionView (re)defines view as the by-name union of tables.
func (db *DB) CreateUnionView(ctx context.Context, view string, tables []string) error {
	if len(tables) == 0 {
		return ErrNoTables
	}
	selects := make([]string, len(tables))
	for i, t := range tables {
		selects[i] = "SELECT * FROM " + db.qualified(t)
	}
	query := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", db.qualified(view), strings.Join(selects, " UNION ALL BY NAME "))

	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	return db.exec(ctx, "create_view", query)
}

// CountRows returns the number of rows in a table or view.
func (db *DB) CountRows(ctx context.Context, table string) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var n int64
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+db.qualified(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows of %s: %w", table, err)
	}
	return n, nil
}
