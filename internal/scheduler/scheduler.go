// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

// Package scheduler decides, once per cycle, which dates of which
// applications to load or archive, and records each decision in the sync
// state after the work for it succeeded. It is the only writer of the state.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/logmirror/internal/catalog"
	"github.com/tomtom215/logmirror/internal/logging"
	"github.com/tomtom215/logmirror/internal/metrics"
	"github.com/tomtom215/logmirror/internal/state"
)

// Options configures the scheduling rules.
type Options struct {
	Apps []string

	// UpdateLimitDays is the look-back of the active window, in days.
	UpdateLimitDays int

	// FreshLimit is how long after the end of a day its data may still change.
	FreshLimit time.Duration

	// UpdateInterval is the minimum spacing between two loads of one date and
	// between two cycles.
	UpdateInterval time.Duration

	Location *time.Location

	DateSources        []catalog.SourceID
	DateIgnoredSources []catalog.SourceID
}

// Summary describes one finished cycle.
type Summary struct {
	Waited   time.Duration `json:"waited_ns"`
	Requests int           `json:"requests"`
	Loaded   int           `json:"loaded"`
	Archived int           `json:"archived"`
}

// Scheduler owns the sync state between cycles.
type Scheduler struct {
	store state.Store
	opts  Options
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	state    *state.SyncState
	earliest map[string]state.Date
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSleep replaces the wait-gate sleeper.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// New returns a scheduler over the loaded state.
func New(store state.Store, initial *state.SyncState, opts Options, options ...Option) *Scheduler {
	if initial == nil {
		initial = state.New()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	s := &Scheduler{
		store:    store,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepContext,
		state:    initial,
		earliest: make(map[string]state.Date),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextRunAt returns when the wait gate opens; zero if it is open.
func (s *Scheduler) NextRunAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.LastRunFinishedAt == nil {
		return time.Time{}
	}
	return s.state.LastRunFinishedAt.Add(s.opts.UpdateInterval)
}

// Cycle waits for the gate, then emits every due request to handle in app,
// date, source order.
func (s *Scheduler) Cycle(ctx context.Context, handle Handler) (Summary, error) {
	return s.cycle(ctx, handle, true)
}

// CycleNow runs a cycle without honoring the wait gate.
func (s *Scheduler) CycleNow(ctx context.Context, handle Handler) (Summary, error) {
	return s.cycle(ctx, handle, false)
}

func (s *Scheduler) cycle(ctx context.Context, handle Handler, wait bool) (Summary, error) {
	var sum Summary
	log := logging.Ctx(ctx)

	if wait {
		if next := s.NextRunAt(); !next.IsZero() {
			if d := next.Sub(s.now()); d > 0 {
				log.Info().Time("next_run", next).Dur("wait", d).Msg("Waiting for the update interval")
				if err := s.sleep(ctx, d); err != nil {
					return sum, err
				}
				sum.Waited = d
			}
		}
	}

	now := s.now()
	for _, appID := range s.opts.Apps {
		if err := s.syncApp(ctx, appID, now, handle, &sum); err != nil {
			return sum, err
		}
	}

	s.mu.Lock()
	finished := s.now().Truncate(time.Second)
	s.state.LastRunFinishedAt = &finished
	s.mu.Unlock()
	if err := s.save(ctx); err != nil {
		return sum, err
	}

	log.Info().
		Int("requests", sum.Requests).
		Int("loaded", sum.Loaded).
		Int("archived", sum.Archived).
		Msg("Scheduling cycle finished")
	return sum, nil
}

func (s *Scheduler) syncApp(ctx context.Context, appID string, now time.Time, handle Handler, sum *Summary) error {
	loc := s.opts.Location

	s.mu.Lock()
	app := s.state.App(appID)
	dates := app.SortedDates()
	earliest := s.earliest[appID]
	s.mu.Unlock()

	// Archive sweep over dates that left the freshness window.
	for _, d := range dates {
		if s.entry(app, d).Kind != state.Loaded || !s.aged(d, now) {
			continue
		}
		if err := s.archive(ctx, appID, d, handle, sum); err != nil {
			return err
		}
	}

	// Active window scan.
	today := state.DateOf(now.In(loc))
	for d := today.AddDays(-s.opts.UpdateLimitDays); !d.After(today); d = d.AddDays(1) {
		if !earliest.IsZero() && d.Before(earliest) {
			continue
		}
		e := s.entry(app, d)
		if e.Kind == state.Archived {
			continue
		}
		if e.Kind == state.Loaded && now.Sub(e.LoadedAt) < s.opts.UpdateInterval {
			continue
		}

		if err := s.dispatch(ctx, handle, sum, LoadOneDate, appID, d); err != nil {
			return err
		}
		s.mu.Lock()
		app.Set(d, state.LoadedEntry(now))
		s.mu.Unlock()
		if err := s.save(ctx); err != nil {
			return err
		}
		sum.Loaded++

		if s.aged(d, now) {
			if err := s.archive(ctx, appID, d, handle, sum); err != nil {
				return err
			}
		}
	}

	for _, source := range s.opts.DateIgnoredSources {
		req := Request{Kind: LoadDateIgnored, Source: source, AppID: appID}
		if err := s.run(ctx, handle, sum, req); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) entry(app *state.AppSyncState, d state.Date) state.DateEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return app.Entry(d)
}

// aged reports whether d ended at least FreshLimit before now.
func (s *Scheduler) aged(d state.Date, now time.Time) bool {
	return now.Sub(d.End(s.opts.Location)) >= s.opts.FreshLimit
}

func (s *Scheduler) archive(ctx context.Context, appID string, d state.Date, handle Handler, sum *Summary) error {
	if err := s.dispatch(ctx, handle, sum, Archive, appID, d); err != nil {
		return err
	}
	s.mu.Lock()
	s.state.App(appID).Set(d, state.ArchivedEntry())
	s.mu.Unlock()
	if err := s.save(ctx); err != nil {
		return err
	}
	sum.Archived++
	return nil
}

// dispatch emits one request per date-partitioned source.
func (s *Scheduler) dispatch(ctx context.Context, handle Handler, sum *Summary, kind Kind, appID string, d state.Date) error {
	for _, source := range s.opts.DateSources {
		req := Request{Kind: kind, Source: source, AppID: appID, Date: d}
		if err := s.run(ctx, handle, sum, req); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, handle Handler, sum *Summary, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metrics.SchedulerRequests.WithLabelValues(req.Kind.String()).Inc()
	sum.Requests++
	if err := handle(ctx, req); err != nil {
		return fmt.Errorf("%s: %w", req, err)
	}
	return nil
}

// save persists the state. Cancellation of ctx does not interrupt it.
func (s *Scheduler) save(ctx context.Context) error {
	s.mu.Lock()
	snapshot := s.state.Clone()
	s.mu.Unlock()

	if err := s.store.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		metrics.StateSaves.WithLabelValues("error").Inc()
		return fmt.Errorf("save sync state: %w", err)
	}
	metrics.StateSaves.WithLabelValues("ok").Inc()

	counts := snapshot.Counts()
	metrics.SchedulerTrackedDates.WithLabelValues(state.Loaded.String()).Set(float64(counts[state.Loaded]))
	metrics.SchedulerTrackedDates.WithLabelValues(state.Archived.String()).Set(float64(counts[state.Archived]))
	return nil
}

// Signature returns the storage signature recorded for source.
func (s *Scheduler) Signature(source catalog.SourceID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.state.Schemas[string(source)]
	return sig, ok
}

// EnsureSchema records the storage signature of source. When the storage was
// recreated every date of every application is forgotten, so the active
// window is loaded again.
func (s *Scheduler) EnsureSchema(ctx context.Context, source catalog.SourceID, signature string, recreated bool) error {
	s.mu.Lock()
	previous, known := s.state.Schemas[string(source)]
	if known && previous == signature && !recreated {
		s.mu.Unlock()
		return nil
	}
	s.state.Schemas[string(source)] = signature
	if recreated {
		s.state.ResetDates()
	}
	s.mu.Unlock()

	if recreated {
		logging.Ctx(ctx).Warn().Str("source", string(source)).Msg("Storage recreated, sync progress reset")
	}
	return s.save(ctx)
}

// SetEarliestDate stops the active window from reaching before d for appID.
func (s *Scheduler) SetEarliestDate(appID string, d state.Date) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.earliest[appID] = d
}

// IntervalRequests returns the LoadInterval requests covering [from, to] for
// appID. They are not tracked in the state.
func (s *Scheduler) IntervalRequests(appID string, from, to time.Time) []Request {
	reqs := make([]Request, 0, len(s.opts.DateSources))
	for _, source := range s.opts.DateSources {
		reqs = append(reqs, Request{Kind: LoadInterval, Source: source, AppID: appID, From: from, To: to})
	}
	return reqs
}

// Snapshot returns a deep copy of the current state.
func (s *Scheduler) Snapshot() *state.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}
