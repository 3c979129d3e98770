// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/logmirror/internal/catalog"
	"github.com/tomtom215/logmirror/internal/config"
	"github.com/tomtom215/logmirror/internal/database"
	"github.com/tomtom215/logmirror/internal/logsapi"
	"github.com/tomtom215/logmirror/internal/scheduler"
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

// fakeAPI serves generated CSV exports. Events carry two rows per window
// whose timestamps derive from the window start.
type fakeAPI struct {
	mu        sync.Mutex
	requests  []logsapi.ExportRequest
	minParts  map[string]int
	fail      func(req logsapi.ExportRequest) error
	created   state.Date
	createErr error
}

func (f *fakeAPI) Export(_ context.Context, req logsapi.ExportRequest) (*logsapi.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	minParts := f.minParts[req.Table]
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(req); err != nil {
			return nil, err
		}
	}
	if req.PartsCount < minParts {
		return &logsapi.Response{Status: logsapi.TooLarge, Progress: -1}, nil
	}

	var rows []map[string]string
	if req.PartNumber == 0 {
		rows = generateRows(req)
	}
	var b strings.Builder
	b.WriteString(strings.Join(req.Fields, ",") + "\n")
	for _, row := range rows {
		values := make([]string, len(req.Fields))
		for i, field := range req.Fields {
			values[i] = row[field]
		}
		b.WriteString(strings.Join(values, ",") + "\n")
	}
	return &logsapi.Response{Status: logsapi.Ready, Progress: 100, Body: io.NopCloser(strings.NewReader(b.String()))}, nil
}

func generateRows(req logsapi.ExportRequest) []map[string]string {
	switch req.Table {
	case "events":
		base := req.Since.Add(time.Hour).Unix()
		return []map[string]string{
			{"appmetrica_device_id": "dev-1", "event_timestamp": fmt.Sprint(base), "event_name": "open", "os_name": "android"},
			{"appmetrica_device_id": "dev-2", "event_timestamp": fmt.Sprint(base + 60), "event_name": "close", "os_name": "ios"},
		}
	case "push_tokens":
		return []map[string]string{
			{"appmetrica_device_id": "dev-1", "token": "tok-1", "token_timestamp": "1709290800"},
		}
	}
	return nil
}

func (f *fakeAPI) AppCreationDate(context.Context, string) (state.Date, bool, error) {
	if f.createErr != nil {
		return state.Date{}, false, f.createErr
	}
	return f.created, !f.created.IsZero(), nil
}

func (f *fakeAPI) tables() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Table
	}
	return out
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(updateLimit int) *config.Config {
	return &config.Config{
		LogsAPI: config.LogsAPIConfig{
			ChunkRows:     1,
			ShortBackoff:  time.Second,
			LongBackoff:   time.Second,
			MaxPartsCount: 16,
		},
		Apps: []string{"42"},
		Sync: config.SyncConfig{
			UpdateLimitDays: updateLimit,
			FreshLimit:      7 * 24 * time.Hour,
			UpdateInterval:  12 * time.Hour,
			ErrorDelay:      time.Millisecond,
			Timezone:        "UTC",
		},
	}
}

func testRegistry(t *testing.T, eventFields ...string) *catalog.Registry {
	t.Helper()
	reg, err := catalog.NewRegistry(
		[]catalog.SourceID{catalog.Events, catalog.PushTokens},
		map[string][]string{"events": eventFields, "push_tokens": {}},
		time.UTC,
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type fixture struct {
	db    *database.DB
	api   *fakeAPI
	store *state.FileStore
	sched *scheduler.Scheduler
	orch  *Orchestrator
}

func newFixture(t *testing.T, cfg *config.Config, reg *catalog.Registry) *fixture {
	t.Helper()
	f := &fixture{
		db:    setupTestDB(t),
		api:   &fakeAPI{minParts: map[string]int{}},
		store: state.NewFileStore(filepath.Join(t.TempDir(), "state.json")),
	}
	f.sched = scheduler.New(f.store, state.New(), SchedulerOptions(cfg, reg),
		scheduler.WithClock(func() time.Time { return testNow }))
	f.orch = New(cfg, reg, f.db, f.api, f.sched,
		WithClock(func() time.Time { return testNow }), WithSleep(noSleep))
	return f
}

func (f *fixture) count(t *testing.T, table string) int64 {
	t.Helper()
	n, err := f.db.CountRows(context.Background(), table)
	if err != nil {
		t.Fatalf("CountRows(%s): %v", table, err)
	}
	return n
}

func (f *fixture) exists(t *testing.T, table string) bool {
	t.Helper()
	ok, err := f.db.TableExists(context.Background(), table)
	if err != nil {
		t.Fatalf("TableExists(%s): %v", table, err)
	}
	return ok
}

func TestRunOnceLoadsAndArchives(t *testing.T) {
	cfg := testConfig(8)
	f := newFixture(t, cfg, testRegistry(t, "event_name"))
	ctx := context.Background()

	sum, err := f.orch.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	// 2024-02-22 .. 2024-03-01 loaded, 2024-02-22 archived, one push_tokens load.
	if sum.Loaded != 9 || sum.Archived != 1 || sum.Requests != 11 {
		t.Errorf("summary = %+v", sum)
	}

	if f.exists(t, "events_42_20240222") {
		t.Error("archived partition still exists")
	}
	if !f.exists(t, "events_42_20240301") {
		t.Error("today's partition missing")
	}
	if got := f.count(t, "events_archive"); got != 2 {
		t.Errorf("archive rows = %d, want 2", got)
	}
	if got := f.count(t, "events_all"); got != 18 {
		t.Errorf("events view rows = %d, want 18", got)
	}
	if got := f.count(t, "push_tokens_42_latest"); got != 1 {
		t.Errorf("push tokens rows = %d, want 1", got)
	}

	stats, err := f.orch.SourceStats(ctx)
	if err != nil {
		t.Fatalf("SourceStats: %v", err)
	}
	if len(stats) != 2 || stats[0].Source != "events" || len(stats[0].Partitions) != 8 || stats[0].Rows != 18 {
		t.Errorf("events stats = %+v", stats[0])
	}
	if stats[1].Rows != 1 || stats[1].PartsCount != 1 {
		t.Errorf("push_tokens stats = %+v", stats[1])
	}

	report := f.orch.LastCycle()
	if report == nil || report.Err != "" || report.CorrelationID == "" {
		t.Errorf("last cycle = %+v", report)
	}

	saved, err := f.store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	app, ok := saved.FindApp("42")
	if !ok || app.Entry(state.DateOf(testNow)).Kind != state.Loaded {
		t.Errorf("state not persisted: %+v", saved)
	}
	if saved.Schemas["events"] == "" || saved.Schemas["push_tokens"] == "" {
		t.Errorf("signatures not recorded: %v", saved.Schemas)
	}
}

func TestExportWindows(t *testing.T) {
	f := newFixture(t, testConfig(0), testRegistry(t, "event_name"))
	if _, err := f.orch.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.api.requests) != 2 {
		t.Fatalf("requests = %+v", f.api.requests)
	}
	events, tokens := f.api.requests[0], f.api.requests[1]
	wantSince := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	wantUntil := time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC)
	if !events.Since.Equal(wantSince) || !events.Until.Equal(wantUntil) {
		t.Errorf("events window = %v .. %v", events.Since, events.Until)
	}
	if strings.Join(events.Fields, ",") != "appmetrica_device_id,event_timestamp,event_name" {
		t.Errorf("events fields = %v", events.Fields)
	}
	if !tokens.Since.IsZero() || !tokens.Until.IsZero() {
		t.Errorf("date-ignored export has a window: %+v", tokens)
	}
}

func TestPartsCountEscalation(t *testing.T) {
	f := newFixture(t, testConfig(0), testRegistry(t, "event_name"))
	f.api.minParts["events"] = 4

	if _, err := f.orch.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := f.orch.PartsCounts()[catalog.Events]; got != 4 {
		t.Errorf("events parts count = %d, want 4", got)
	}
	// parts 1 and 2 rejected, then 4 parts, then push_tokens.
	want := []string{"events", "events", "events", "events", "events", "events", "push_tokens"}
	if got := f.api.tables(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("requests = %v, want %v", got, want)
	}
	if got := f.count(t, "events_42_20240301"); got != 2 {
		t.Errorf("rows = %d, want 2", got)
	}
}

func TestPartsCountLimit(t *testing.T) {
	cfg := testConfig(0)
	cfg.LogsAPI.MaxPartsCount = 2
	f := newFixture(t, cfg, testRegistry(t, "event_name"))
	f.api.minParts["events"] = 4

	_, err := f.orch.RunOnce(context.Background())
	var tooLarge *logsapi.PartsCountError
	if !errors.As(err, &tooLarge) || tooLarge.PartsCount != 2 {
		t.Fatalf("RunOnce = %v, want PartsCountError at 2 parts", err)
	}
	if report := f.orch.LastCycle(); report == nil || !strings.Contains(report.Err, "limit 2") {
		t.Errorf("last cycle = %+v", report)
	}
}

func TestFailedLoadIsRetriedNextCycle(t *testing.T) {
	f := newFixture(t, testConfig(1), testRegistry(t, "event_name"))
	boom := errors.New("boom")
	f.api.fail = func(req logsapi.ExportRequest) error {
		if req.Table == "events" && req.Since.Day() == 1 {
			return boom
		}
		return nil
	}

	if _, err := f.orch.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("RunOnce = %v, want boom", err)
	}
	app, _ := f.orch.Snapshot().FindApp("42")
	if app.Entry(state.DateOf(testNow)).Kind != state.Pending {
		t.Error("failed date must stay pending")
	}
	if app.Entry(state.DateOf(testNow).AddDays(-1)).Kind != state.Loaded {
		t.Error("earlier date should be committed")
	}

	f.api.fail = nil
	sum, err := f.orch.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Loaded != 1 {
		t.Errorf("retry loaded %d dates, want 1", sum.Loaded)
	}
}

func TestSchemaChangeReloadsEverything(t *testing.T) {
	cfg := testConfig(2)
	f := newFixture(t, cfg, testRegistry(t, "event_name"))
	ctx := context.Background()
	if _, err := f.orch.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// Same state and database, one more declared column.
	reg := testRegistry(t, "event_name", "os_name")
	orch := New(cfg, reg, f.db, f.api, f.sched, WithClock(func() time.Time { return testNow }), WithSleep(noSleep))
	sum, err := orch.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Loaded != 3 {
		t.Errorf("after schema change loaded %d dates, want 3", sum.Loaded)
	}
	cols, err := f.db.TableColumns(ctx, "events_archive")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range cols {
		if c.Name == "OSName" {
			found = true
		}
	}
	if !found {
		t.Errorf("archive columns = %v, want OSName", cols)
	}
	if got := f.count(t, "events_all"); got != 6 {
		t.Errorf("rows after reload = %d, want 6", got)
	}

	// An unchanged signature keeps the progress.
	orch = New(cfg, reg, f.db, f.api, f.sched, WithClock(func() time.Time { return testNow }), WithSleep(noSleep))
	sum, err = orch.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Loaded != 0 {
		t.Errorf("unchanged schema reloaded %d dates", sum.Loaded)
	}
}

func TestCreationDateBoundsWindow(t *testing.T) {
	cfg := testConfig(30)
	cfg.Sync.FetchCreationDate = true
	f := newFixture(t, cfg, testRegistry(t, "event_name"))
	f.api.created, _ = state.ParseDate("2024-02-28")

	sum, err := f.orch.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Loaded != 3 {
		t.Errorf("loaded %d dates, want 3 (2024-02-28 .. 2024-03-01)", sum.Loaded)
	}
}

func TestCreationDateFailureIsIgnored(t *testing.T) {
	cfg := testConfig(1)
	cfg.Sync.FetchCreationDate = true
	f := newFixture(t, cfg, testRegistry(t, "event_name"))
	f.api.createErr = errors.New("forbidden")

	sum, err := f.orch.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Loaded != 2 {
		t.Errorf("loaded %d dates, want 2", sum.Loaded)
	}
}

func TestBackfill(t *testing.T) {
	f := newFixture(t, testConfig(1), testRegistry(t, "event_name"))
	ctx := context.Background()
	from := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2023, 6, 3, 23, 59, 59, 0, time.UTC)

	if err := f.orch.Backfill(ctx, "42", from, to, nil, false); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	table := "events_42_20230601000000_20230603235959"
	if got := f.count(t, table); got != 2 {
		t.Errorf("%s rows = %d, want 2", table, got)
	}
	if app, ok := f.orch.Snapshot().FindApp("42"); ok && len(app.Dates) != 0 {
		t.Errorf("backfill touched the sync state: %v", app.Dates)
	}
	if strings.Join(f.api.tables(), ",") != "events" {
		t.Errorf("date-ignored sources are not backfilled: %v", f.api.tables())
	}

	if err := f.orch.Backfill(ctx, "42", from, to, []catalog.SourceID{catalog.Events}, true); err != nil {
		t.Fatalf("Backfill with archive: %v", err)
	}
	if f.exists(t, table) {
		t.Error("archived interval partition still exists")
	}
	if got := f.count(t, "events_archive"); got != 2 {
		t.Errorf("archive rows = %d, want 2", got)
	}

	if err := f.orch.Backfill(ctx, "42", to, from, nil, false); err == nil {
		t.Error("expected error for an empty interval")
	}
}

func TestBackfillRejectsInvalidAppID(t *testing.T) {
	f := newFixture(t, testConfig(1), testRegistry(t, "event_name"))
	ctx := context.Background()
	from := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2023, 6, 3, 23, 59, 59, 0, time.UTC)

	for _, app := range []string{"my-app", "", "0", "42x"} {
		if err := f.orch.Backfill(ctx, app, from, to, nil, false); err == nil {
			t.Errorf("Backfill(%q) succeeded", app)
		}
	}
	if f.exists(t, "events_my-app_20230601000000_20230603235959") {
		t.Error("partition created for an invalid application id")
	}
	if len(f.api.tables()) != 0 {
		t.Errorf("exports requested for an invalid application id: %v", f.api.tables())
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, testConfig(0), testRegistry(t, "event_name"))
	ctx := context.Background()

	if err := f.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.orch.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.Now().Add(30 * time.Second)
	for f.orch.LastCycle() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.orch.LastCycle() == nil {
		t.Fatal("no cycle finished")
	}

	// The loop now waits for the update interval; Stop interrupts it.
	if err := f.orch.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.orch.Running() {
		t.Error("still running after Stop")
	}
	if err := f.orch.Stop(); err == nil {
		t.Error("second Stop should fail")
	}
	if next := f.orch.NextRunAt(); !next.Equal(testNow.Add(12 * time.Hour)) {
		t.Errorf("NextRunAt = %v", next)
	}
}

func (f *fixture) rows(t *testing.T, view string) []string {
	t.Helper()
	query := "SELECT * FROM " + database.QuoteIdent(f.db.Schema()) + "." + database.QuoteIdent(view)
	rs, err := f.db.Conn().QueryContext(context.Background(), query)
	if err != nil {
		t.Fatalf("query %s: %v", view, err)
	}
	defer rs.Close()
	cols, err := rs.Columns()
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for rs.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			t.Fatal(err)
		}
		parts := make([]string, len(cols))
		for i, v := range values {
			parts[i] = cols[i] + "=" + fmt.Sprint(v)
		}
		sort.Strings(parts)
		out = append(out, strings.Join(parts, "|"))
	}
	if err := rs.Err(); err != nil {
		t.Fatal(err)
	}
	sort.Strings(out)
	return out
}

func TestFullResyncIsIdempotent(t *testing.T) {
	cfg := testConfig(8)
	reg := testRegistry(t, "event_name", "os_name")
	f := newFixture(t, cfg, reg)
	ctx := context.Background()

	if _, err := f.orch.RunOnce(ctx); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	before := f.rows(t, "events_all")
	if len(before) != 18 {
		t.Fatalf("first sync rows = %d, want 18", len(before))
	}

	// Forced prepare on the same database with a fresh state.
	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	sched := scheduler.New(store, state.New(), SchedulerOptions(cfg, reg),
		scheduler.WithClock(func() time.Time { return testNow }))
	orch := New(cfg, reg, f.db, f.api, sched, WithClock(func() time.Time { return testNow }), WithSleep(noSleep))
	if err := orch.Prepare(ctx, true); err != nil {
		t.Fatalf("Prepare(force): %v", err)
	}
	if f.exists(t, "events_archive") && f.count(t, "events_archive") != 0 {
		t.Error("forced prepare kept archived rows")
	}

	sum, err := orch.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if sum.Loaded != 9 || sum.Archived != 1 {
		t.Errorf("resync summary = %+v", sum)
	}
	after := f.rows(t, "events_all")
	if strings.Join(before, "\n") != strings.Join(after, "\n") {
		t.Errorf("rows differ after full resync:\nbefore %v\nafter  %v", before, after)
	}
	if got := f.count(t, "push_tokens_42_latest"); got != 1 {
		t.Errorf("push tokens rows = %d, want 1", got)
	}
}
