// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package database

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewFromConn(conn, "mobile"), mock
}

func TestCreateTableSQL(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "mobile"."events_archive" ("AppID" UBIGINT, "Event""Name" VARCHAR)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.CreateTable(context.Background(), "events_archive", []Column{
		{Name: "AppID", Type: "UBIGINT"},
		{Name: `Event"Name`, Type: "VARCHAR"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTableWithoutColumns(t *testing.T) {
	db, mock := newMockDB(t)
	require.Error(t, db.CreateTable(context.Background(), "events_archive", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUnionViewSQL(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`CREATE OR REPLACE VIEW "mobile"."events_all" AS SELECT * FROM "mobile"."events_archive" UNION ALL BY NAME SELECT * FROM "mobile"."events_7_20240101"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.CreateUnionView(context.Background(), "events_all", []string{"events_archive", "events_7_20240101"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropTableSQL(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`DROP TABLE IF EXISTS "mobile"."b"`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.DropTable(context.Background(), "b"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyDistinctSQL(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`INSERT INTO "mobile"."events_archive" ("AppID", "EventName") SELECT f."AppID", f."EventName" FROM "mobile"."events_1_20240101" f WHERE NOT EXISTS (SELECT 1 FROM "mobile"."events_archive" t WHERE t."EventName" IS NOT DISTINCT FROM f."EventName") QUALIFY row_number() OVER (PARTITION BY f."EventName") = 1 ORDER BY "AppID"`).
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := db.CopyDistinct(context.Background(), "events_1_20240101", "events_archive",
		[]string{"AppID", "EventName"}, []string{"EventName"}, []string{`"AppID"`})
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTablesFiltersByPattern(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT table_name FROM information_schema.tables WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name`).
		WithArgs("mobile").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).
			AddRow("events_1_20240101").
			AddRow("events_1_latest").
			AddRow("events_archive"))

	tables, err := db.ListTables(context.Background(), regexp.MustCompile(`^events_\d+_`))
	require.NoError(t, err)
	require.Equal(t, []string{"events_1_20240101", "events_1_latest"}, tables)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecErrorIsWrapped(t *testing.T) {
	db, mock := newMockDB(t)
	boom := errors.New("boom")
	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "mobile"`).WillReturnError(boom)

	err := db.EnsureSchema(context.Background())
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "create_schema")
}

func TestInsertDistinctRollsBackOnFailure(t *testing.T) {
	// Staging table names carry a sequence number, so this test uses the
	// default regexp matcher.
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	db := NewFromConn(conn, "mobile")

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "logmirror_staging_\d+"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare(`INSERT INTO "logmirror_staging_\d+" VALUES \(\?, \?\)`).
		ExpectExec().WithArgs("1", nil).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = db.InsertDistinct(context.Background(), "events_archive",
		[]Column{{Name: "AppID", Type: "UBIGINT"}, {Name: "EventName", Type: "VARCHAR"}},
		[]string{"AppID"},
		strings.NewReader("AppID\tEventName\n1\t\\N\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}
