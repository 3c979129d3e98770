// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

// Package server exposes the read-only status API of a running mirror:
//
//	GET /healthz             liveness and database reachability
//	GET /metrics             Prometheus collectors
//	GET /api/v1/state        sync state per application
//	GET /api/v1/cycle        last cycle report and next run
//	GET /api/v1/sources      per-source tables and row counts
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/logmirror/internal/cache"
	"github.com/tomtom215/logmirror/internal/config"
	"github.com/tomtom215/logmirror/internal/orchestrator"
	"github.com/tomtom215/logmirror/internal/state"
)

// Status is the view of the orchestrator the server reports on.
type Status interface {
	Running() bool
	LastCycle() *orchestrator.CycleReport
	NextRunAt() time.Time
	Snapshot() *state.SyncState
	SourceStats(ctx context.Context) ([]orchestrator.SourceStats, error)
}

// Pinger checks database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the status API.
type Server struct {
	cfg     *config.ServerConfig
	status  Status
	db      Pinger
	started time.Time
	stats   *cache.Cache[[]orchestrator.SourceStats]
}

// New returns a status server.
func New(cfg *config.ServerConfig, status Status, db Pinger) *Server {
	return &Server{
		cfg:     cfg,
		status:  status,
		db:      db,
		started: time.Now(),
		stats:   cache.New[[]orchestrator.SourceStats](cfg.StatsTTL),
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDWithLogging)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		newResponseWriter(w, r).error(http.StatusNotFound, ErrCodeNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		newResponseWriter(w, r).error(http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
	})

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit(s.cfg.RateLimitReqs, s.cfg.RateLimitWindow))
		r.Use(prometheusMetrics)
		r.Use(compression)

		r.Get("/health", s.health)
		r.Get("/state", s.syncState)
		r.Get("/cycle", s.cycle)
		r.Get("/sources", s.sources)
	})
	return r
}

// HTTPServer returns an *http.Server bound to the configured address.
func (s *Server) HTTPServer() *http.Server {
	timeout := s.cfg.Timeout
	return &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           http.TimeoutHandler(s.Router(), timeout, "request timeout"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout + 5*time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

// HealthStatus is the /healthz payload.
type HealthStatus struct {
	Status        string     `json:"status"`
	Database      bool       `json:"database"`
	SyncRunning   bool       `json:"sync_running"`
	LastCycleOK   *bool      `json:"last_cycle_ok,omitempty"`
	LastCycleAt   *time.Time `json:"last_cycle_at,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h := HealthStatus{
		Status:        "healthy",
		Database:      s.db == nil || s.db.Ping(ctx) == nil,
		SyncRunning:   s.status.Running(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if report := s.status.LastCycle(); report != nil {
		ok := report.Err == ""
		h.LastCycleOK = &ok
		h.LastCycleAt = &report.FinishedAt
	}

	code := http.StatusOK
	if !h.Database {
		h.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	newResponseWriter(w, r).success(code, h)
}

// AppState is the per-application part of /api/v1/state.
type AppState struct {
	AppID    string              `json:"app_id"`
	Loaded   int                 `json:"loaded"`
	Archived int                 `json:"archived"`
	Dates    map[string]DateView `json:"dates"`
}

// DateView is one tracked date.
type DateView struct {
	Status   string     `json:"status"`
	LoadedAt *time.Time `json:"loaded_at,omitempty"`
}

// StateView is the /api/v1/state payload.
type StateView struct {
	LastRunFinishedAt *time.Time        `json:"last_run_finished_at,omitempty"`
	Apps              []AppState        `json:"apps"`
	Schemas           map[string]string `json:"schemas"`
}

func (s *Server) syncState(w http.ResponseWriter, r *http.Request) {
	newResponseWriter(w, r).success(http.StatusOK, NewStateView(s.status.Snapshot()))
}

// NewStateView summarizes a sync state snapshot.
func NewStateView(snap *state.SyncState) StateView {
	view := StateView{
		LastRunFinishedAt: snap.LastRunFinishedAt,
		Apps:              make([]AppState, 0, len(snap.Apps)),
		Schemas:           snap.Schemas,
	}
	for _, app := range snap.Apps {
		out := AppState{AppID: app.AppID, Dates: make(map[string]DateView, len(app.Dates))}
		for _, d := range app.SortedDates() {
			e := app.Entry(d)
			dv := DateView{Status: e.Kind.String()}
			switch e.Kind {
			case state.Loaded:
				loadedAt := e.LoadedAt
				dv.LoadedAt = &loadedAt
				out.Loaded++
			case state.Archived:
				out.Archived++
			}
			out.Dates[d.String()] = dv
		}
		view.Apps = append(view.Apps, out)
	}
	return view
}

// CycleView is the /api/v1/cycle payload.
type CycleView struct {
	Running   bool                      `json:"running"`
	NextRunAt *time.Time                `json:"next_run_at,omitempty"`
	LastCycle *orchestrator.CycleReport `json:"last_cycle,omitempty"`
}

func (s *Server) cycle(w http.ResponseWriter, r *http.Request) {
	view := CycleView{Running: s.status.Running(), LastCycle: s.status.LastCycle()}
	if next := s.status.NextRunAt(); !next.IsZero() {
		view.NextRunAt = &next
	}
	newResponseWriter(w, r).success(http.StatusOK, view)
}

const sourcesCacheKey = "sources"

func (s *Server) sources(w http.ResponseWriter, r *http.Request) {
	if stats, ok := s.stats.Get(sourcesCacheKey); ok {
		newResponseWriter(w, r).success(http.StatusOK, stats)
		return
	}
	stats, err := s.status.SourceStats(r.Context())
	if err != nil {
		newResponseWriter(w, r).databaseError(fmt.Errorf("source stats: %w", err))
		return
	}
	if s.cfg.StatsTTL > 0 {
		s.stats.Set(sourcesCacheKey, stats)
	}
	newResponseWriter(w, r).success(http.StatusOK, stats)
}
