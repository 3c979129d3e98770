// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package storage

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/logmirror/internal/catalog"
	"github.com/tomtom215/logmirror/internal/config"
	"github.com/tomtom215/logmirror/internal/database"
	"github.com/tomtom215/logmirror/internal/state"
)

var testDBSemaphore = make(chan struct{}, 1)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	testDBSemaphore <- struct{}{}
	t.Cleanup(func() { <-testDBSemaphore })

	db, err := database.New(&config.DatabaseConfig{
		Path:      ":memory:",
		Schema:    "mobile",
		MaxMemory: "1GB",
		Threads:   2,
	})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func eventsSource(t *testing.T, fields ...string) *catalog.Resolved {
	t.Helper()
	r, err := catalog.NewRegistry([]catalog.SourceID{catalog.Events},
		map[string][]string{"events": fields}, time.UTC)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	src, _ := r.Source(catalog.Events)
	return src
}

func eventsFrame(t *testing.T, src *catalog.Resolved, rows ...[]string) *catalog.Frame {
	t.Helper()
	header := []string{"appmetrica_device_id", "event_timestamp", "event_name"}
	frame, err := src.Process("7", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), header, rows)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return frame
}

func TestNaming(t *testing.T) {
	c := New(nil, eventsSource(t, "event_name"))
	d, _ := state.ParseDate("2024-01-05")

	if got := c.TableName(DateSuffix("7", d)); got != "events_7_20240105" {
		t.Errorf("date partition = %s", got)
	}
	if got := c.TableName(LatestSuffix("7")); got != "events_7_latest" {
		t.Errorf("latest partition = %s", got)
	}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 3, 23, 59, 59, 0, time.UTC)
	interval := c.TableName(IntervalSuffix("7", from, to))
	if interval != "events_7_20240101000000_20240103235959" {
		t.Errorf("interval partition = %s", interval)
	}
	if c.ArchiveName() != "events_archive" || c.ViewName() != "events_all" {
		t.Errorf("archive/view = %s/%s", c.ArchiveName(), c.ViewName())
	}

	re := PartitionPattern("events")
	for _, name := range []string{"events_7_20240105", "events_7_latest", interval} {
		if !re.MatchString(name) {
			t.Errorf("pattern should match %s", name)
		}
	}
	for _, name := range []string{"events_archive", "events_all", "events_x_20240105", "events_7_2024010", "crashes_7_20240105", "events_sub_7_20240105"} {
		if re.MatchString(name) {
			t.Errorf("pattern should not match %s", name)
		}
	}
}

func TestLoadArchiveLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	src := eventsSource(t, "event_name")
	c := New(db, src)

	recreated, err := c.Prepare(ctx, false)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if recreated {
		t.Error("first Prepare should not report a recreation")
	}
	if recreated, err = c.Prepare(ctx, false); err != nil || recreated {
		t.Fatalf("second Prepare = %v, %v", recreated, err)
	}

	d, _ := state.ParseDate("2024-01-01")
	suffix := DateSuffix("7", d)
	if err := c.RecreateTable(ctx, suffix); err != nil {
		t.Fatalf("RecreateTable: %v", err)
	}

	frame := eventsFrame(t, src,
		[]string{"dev-a", "1704067200", "open"},
		[]string{"dev-a", "1704067200", "open"},
		[]string{"dev-b", "1704070800", "buy\tnow"},
	)
	n, err := c.InsertData(ctx, frame, suffix)
	if err != nil {
		t.Fatalf("InsertData: %v", err)
	}
	if n != 2 {
		t.Errorf("inserted %d rows, want 2", n)
	}

	total, err := c.CountRows(ctx)
	if err != nil || total != 2 {
		t.Fatalf("view rows = %d, %v; want 2", total, err)
	}

	// Reload of the same day starts from an empty partition.
	if err := c.RecreateTable(ctx, suffix); err != nil {
		t.Fatal(err)
	}
	if total, _ := c.CountRows(ctx); total != 0 {
		t.Errorf("view rows after recreate = %d, want 0", total)
	}
	if _, err := c.InsertData(ctx, frame, suffix); err != nil {
		t.Fatal(err)
	}

	if err := c.ArchiveTable(ctx, suffix); err != nil {
		t.Fatalf("ArchiveTable: %v", err)
	}
	partitions, err := c.Partitions(ctx)
	if err != nil || len(partitions) != 0 {
		t.Errorf("partitions after archive = %v, %v", partitions, err)
	}
	archived, err := db.CountRows(ctx, "events_archive")
	if err != nil || archived != 2 {
		t.Errorf("archive rows = %d, %v; want 2", archived, err)
	}
	if total, _ := c.CountRows(ctx); total != 2 {
		t.Errorf("view rows after archive = %d, want 2", total)
	}

	// Archiving twice is a no-op.
	if err := c.ArchiveTable(ctx, suffix); err != nil {
		t.Fatalf("second ArchiveTable: %v", err)
	}

	// Re-archiving a reloaded day does not duplicate rows.
	if err := c.RecreateTable(ctx, suffix); err != nil {
		t.Fatal(err)
	}
	if _, err := c.InsertData(ctx, frame, suffix); err != nil {
		t.Fatal(err)
	}
	if err := c.ArchiveTable(ctx, suffix); err != nil {
		t.Fatal(err)
	}
	if archived, _ := db.CountRows(ctx, "events_archive"); archived != 2 {
		t.Errorf("archive rows after re-archive = %d, want 2", archived)
	}
}

func TestPrepareDetectsDrift(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	narrow := New(db, eventsSource(t, "event_name"))
	if _, err := narrow.Prepare(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := narrow.RecreateTable(ctx, LatestSuffix("7")); err != nil {
		t.Fatal(err)
	}

	wide := New(db, eventsSource(t, "event_name", "os_name"))
	recreated, err := wide.Prepare(ctx, false)
	if err != nil {
		t.Fatalf("Prepare after drift: %v", err)
	}
	if !recreated {
		t.Error("column drift should recreate the tables")
	}
	partitions, _ := wide.Partitions(ctx)
	if len(partitions) != 0 {
		t.Errorf("drift should drop partitions, found %v", partitions)
	}
	cols, err := db.TableColumns(ctx, "events_archive")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.ContainsFunc(cols, func(c database.Column) bool { return c.Name == "OSName" }) {
		t.Errorf("archive was not recreated with the new column: %v", cols)
	}

	recreated, err = wide.Prepare(ctx, true)
	if err != nil || !recreated {
		t.Errorf("forced Prepare = %v, %v", recreated, err)
	}
}

func TestInsertDataRejectsUndeclaredColumns(t *testing.T) {
	c := New(nil, eventsSource(t, "event_name"))
	frame := &catalog.Frame{
		Columns: []catalog.Column{{Name: "Nope", Type: catalog.String}},
		Rows:    [][]string{{"x"}},
	}
	_, err := c.InsertData(context.Background(), frame, "7_latest")
	if err == nil || !strings.Contains(err.Error(), "Nope") {
		t.Errorf("InsertData error = %v", err)
	}

	n, err := c.InsertData(context.Background(), &catalog.Frame{}, "7_latest")
	if err != nil || n != 0 {
		t.Errorf("empty frame = %d, %v", n, err)
	}
}
