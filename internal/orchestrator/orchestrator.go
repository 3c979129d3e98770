// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

/*
Package orchestrator runs the sync loop of Logmirror.

It prepares storage for every configured source, then repeatedly asks the
scheduler for the requests that are due and executes each one: a date,
date-ignored or interval load streams the export from the Logs API into a
fresh partition table, and an archive request moves a finished partition
into the source archive.

Lifecycle:
  - New(): wire the scheduler, loader and one storage controller per source
  - Start(): run the loop in the background
  - Stop(): cancel the loop and wait for the in-flight cycle
  - RunOnce(): one cycle without the wait gate (CLI)
  - Backfill(): load an explicit interval outside the tracked state

Thread Safety:
  - cycleMu: serializes cycles, backfills and Prepare
  - mu: protects running, the last cycle report and parts counts
*/
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tomtom215/logmirror/internal/catalog"
	"github.com/tomtom215/logmirror/internal/config"
	"github.com/tomtom215/logmirror/internal/database"
	"github.com/tomtom215/logmirror/internal/logging"
	"github.com/tomtom215/logmirror/internal/logsapi"
	"github.com/tomtom215/logmirror/internal/scheduler"
	"github.com/tomtom215/logmirror/internal/state"
	"github.com/tomtom215/logmirror/internal/storage"
	"github.com/tomtom215/logmirror/internal/validation"
)

// API is the Logs API surface the orchestrator needs.
type API interface {
	logsapi.Exporter
	AppCreationDate(ctx context.Context, appID string) (state.Date, bool, error)
}

// CycleReport describes the most recent cycle.
type CycleReport struct {
	CorrelationID string            `json:"correlation_id"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	Summary       scheduler.Summary `json:"summary"`
	Err           string            `json:"error,omitempty"`
}

// Orchestrator drives the sync of every configured source.
type Orchestrator struct {
	cfg         *config.Config
	registry    *catalog.Registry
	sched       *scheduler.Scheduler
	api         API
	loader      *logsapi.Loader
	controllers map[catalog.SourceID]*storage.Controller
	loc         *time.Location
	now         func() time.Time
	sleep       logsapi.SleepFunc

	cycleMu  sync.Mutex
	prepared bool

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastCycle *CycleReport
	parts     map[catalog.SourceID]int
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for load timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the error-delay sleeper and the loader backoff sleeper.
func WithSleep(sleep logsapi.SleepFunc) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
		o.loader.SetSleep(sleep)
	}
}

// New wires the orchestrator. db backs every storage controller.
func New(cfg *config.Config, registry *catalog.Registry, db storage.Store, api API, sched *scheduler.Scheduler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		registry:    registry,
		sched:       sched,
		api:         api,
		loader:      logsapi.NewLoader(api, &cfg.LogsAPI),
		controllers: make(map[catalog.SourceID]*storage.Controller),
		loc:         cfg.Location(),
		now:         time.Now,
		sleep:       logsapi.Sleep,
		parts:       make(map[catalog.SourceID]int),
	}
	for _, src := range registry.Sources() {
		o.controllers[src.ID] = storage.New(db, src)
		o.parts[src.ID] = cfg.MinPartsCount(string(src.ID))
	}
	for _, opt := range opts {
		opt(o)
	}

	logging.Info().
		Strs("apps", cfg.Apps).
		Int("sources", len(o.controllers)).
		Int("update_limit_days", cfg.Sync.UpdateLimitDays).
		Dur("fresh_limit", cfg.Sync.FreshLimit).
		Dur("update_interval", cfg.Sync.UpdateInterval).
		Msg("Orchestrator configured")
	return o
}

// SchedulerOptions derives the scheduling rules from cfg and registry.
func SchedulerOptions(cfg *config.Config, registry *catalog.Registry) scheduler.Options {
	return scheduler.Options{
		Apps:               cfg.Apps,
		UpdateLimitDays:    cfg.Sync.UpdateLimitDays,
		FreshLimit:         cfg.Sync.FreshLimit,
		UpdateInterval:     cfg.Sync.UpdateInterval,
		Location:           cfg.Location(),
		DateSources:        registry.DateSources(),
		DateIgnoredSources: registry.DateIgnoredSources(),
	}
}

// Prepare makes storage match the declared sources. force drops every table
// of every source. A source whose recorded signature differs is recreated.
func (o *Orchestrator) Prepare(ctx context.Context, force bool) error {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	return o.prepare(ctx, force)
}

func (o *Orchestrator) prepare(ctx context.Context, force bool) error {
	for _, src := range o.registry.Sources() {
		ctrl := o.controllers[src.ID]
		signature := ctrl.Signature()
		recorded, known := o.sched.Signature(src.ID)
		changed := known && recorded != signature
		if changed {
			logging.Ctx(ctx).Warn().Str("source", string(src.ID)).Msg("Declared columns changed since the last run")
		}

		recreated, err := ctrl.Prepare(ctx, force || changed)
		if err != nil {
			return fmt.Errorf("prepare storage for %s: %w", src.ID, err)
		}
		if err := o.sched.EnsureSchema(ctx, src.ID, signature, recreated); err != nil {
			return err
		}
	}

	if o.cfg.Sync.FetchCreationDate {
		for _, appID := range o.cfg.Apps {
			d, ok, err := o.api.AppCreationDate(ctx, appID)
			if err != nil {
				logging.Ctx(ctx).Warn().Err(err).Str("app", appID).Msg("Application creation date unavailable")
				continue
			}
			if ok {
				o.sched.SetEarliestDate(appID, d)
			}
		}
	}

	o.prepared = true
	return nil
}

// Start runs the sync loop in the background until Stop or ctx is done.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	logging.Info().Msg("Starting sync loop...")
	go func() {
		defer o.wg.Done()
		o.Run(runCtx)
	}()
	return nil
}

// Stop cancels the loop and waits for it to return.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is not running")
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	logging.Info().Msg("Stopping sync loop...")
	cancel()
	o.wg.Wait()
	logging.Info().Msg("Sync loop stopped")
	return nil
}

// Running reports whether the background loop is active.
func (o *Orchestrator) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// Run executes cycles until ctx is done. A failed cycle is retried after the
// configured error delay.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		_, err := o.runCycle(ctx, o.sched.Cycle)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if serr := o.sleep(ctx, o.cfg.Sync.ErrorDelay); serr != nil {
				return
			}
		}
	}
}

// RunOnce runs one cycle immediately, ignoring the wait gate.
func (o *Orchestrator) RunOnce(ctx context.Context) (scheduler.Summary, error) {
	return o.runCycle(ctx, o.sched.CycleNow)
}

type cycleFunc func(ctx context.Context, handle scheduler.Handler) (scheduler.Summary, error)

func (o *Orchestrator) runCycle(ctx context.Context, cycle cycleFunc) (scheduler.Summary, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	ctx = logging.ContextWithNewCorrelationID(ctx)
	log := logging.Ctx(ctx)
	report := &CycleReport{CorrelationID: logging.CorrelationIDFromContext(ctx), StartedAt: o.now()}

	var sum scheduler.Summary
	var err error
	if !o.prepared {
		err = o.prepare(ctx, false)
	}
	if err == nil {
		sum, err = cycle(ctx, o.Handle)
	}

	report.FinishedAt = o.now()
	report.Summary = sum
	recordCycle(report, err)

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		log.Info().Msg("Sync cycle interrupted")
	default:
		report.Err = err.Error()
		log.Error().Err(err).
			Bool("db_connection_lost", database.IsConnectionError(err)).
			Bool("db_conflict", database.IsTransactionConflict(err)).
			Dur("retry_in", o.cfg.Sync.ErrorDelay).
			Msg("Sync cycle failed")
	}

	o.mu.Lock()
	o.lastCycle = report
	o.mu.Unlock()
	return sum, err
}

// LastCycle returns a copy of the most recent cycle report, or nil.
func (o *Orchestrator) LastCycle() *CycleReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastCycle == nil {
		return nil
	}
	cp := *o.lastCycle
	return &cp
}

// NextRunAt returns when the next regular cycle may start.
func (o *Orchestrator) NextRunAt() time.Time {
	return o.sched.NextRunAt()
}

// Snapshot returns a copy of the sync state.
func (o *Orchestrator) Snapshot() *state.SyncState {
	return o.sched.Snapshot()
}

// PartsCounts returns the current minimum parts count per source.
func (o *Orchestrator) PartsCounts() map[catalog.SourceID]int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[catalog.SourceID]int, len(o.parts))
	for k, v := range o.parts {
		out[k] = v
	}
	return out
}

// Backfill loads [from, to] for appID into interval partitions of the given
// sources (every date source when empty). The sync state is not touched.
// With archive set each loaded partition is moved into the archive.
func (o *Orchestrator) Backfill(ctx context.Context, appID string, from, to time.Time, sources []catalog.SourceID, archive bool) error {
	if err := validation.GetValidator().Var(appID, "required,appid"); err != nil {
		return fmt.Errorf("backfill: invalid application id %q", appID)
	}
	if !to.After(from) {
		return fmt.Errorf("backfill: empty interval %s .. %s", from.Format(time.DateTime), to.Format(time.DateTime))
	}

	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	ctx = logging.ContextWithNewCorrelationID(ctx)
	if !o.prepared {
		if err := o.prepare(ctx, false); err != nil {
			return err
		}
	}

	for _, req := range o.sched.IntervalRequests(appID, from, to) {
		if len(sources) > 0 && !slices.Contains(sources, req.Source) {
			continue
		}
		if err := o.Handle(ctx, req); err != nil {
			return fmt.Errorf("%s: %w", req, err)
		}
		if archive {
			ctrl := o.controllers[req.Source]
			if err := ctrl.ArchiveTable(ctx, storage.IntervalSuffix(appID, from, to)); err != nil {
				return fmt.Errorf("%s: %w", req, err)
			}
		}
	}
	return nil
}
