// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

// Package database is the DuckDB access layer used by the storage
// controllers.
//
// # Overview
//
// The package owns the connection and exposes table-level primitives. It
// knows nothing about Logs API sources: callers pass table names, column
// definitions and key columns, and every statement is scoped to the
// configured schema.
//
// # Architecture
//
//   - database.go: connection lifecycle, schema creation and Ping
//   - database_connection.go: pool settings, profiling, context timeouts and CHECKPOINT
//   - tables.go: identifier quoting, table and view DDL, catalog lookups
//   - insert.go: deduplicating bulk insert from TSV and table-to-table copy
//   - errors.go: close helpers and error classification
//
// # Database Technology
//
// DuckDB is embedded through github.com/duckdb/duckdb-go/v2 and opened
// with database/sql. Memory limit, thread count and insertion order are
// taken from config.DatabaseConfig.
//
// # Usage Examples
//
//	db, err := database.New(&cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	cols := []database.Column{{Name: "event_name", Type: "VARCHAR"}}
//	if err := db.CreateTable(ctx, "events_42_20240301", cols); err != nil {
//	    return err
//	}
//	n, err := db.InsertDistinct(ctx, "events_42_20240301", cols, []string{"event_name"}, payload)
//
// # Deduplication
//
// InsertDistinct stages the payload in a temporary table and inserts only
// rows whose key columns do not already exist in the target. CopyDistinct
// does the same between two tables and is used when archiving.
//
// # Concurrency
//
// *DB is safe for concurrent use. DuckDB serializes writers internally;
// IsTransactionConflict identifies the conflicts it reports when two
// writers touch the same table.
//
// # Testing
//
// Tests run against an in-memory DuckDB instance. sql_shape_test.go uses
// go-sqlmock to pin the generated SQL without a database.
package database
