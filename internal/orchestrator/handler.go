// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/logmirror/internal/catalog"
	"github.com/tomtom215/logmirror/internal/logging"
	"github.com/tomtom215/logmirror/internal/logsapi"
	"github.com/tomtom215/logmirror/internal/metrics"
	"github.com/tomtom215/logmirror/internal/scheduler"
	"github.com/tomtom215/logmirror/internal/storage"
)

// Handle executes one scheduler request. It satisfies scheduler.Handler.
func (o *Orchestrator) Handle(ctx context.Context, req scheduler.Request) error {
	ctrl, ok := o.controllers[req.Source]
	if !ok {
		return fmt.Errorf("unknown source %q", req.Source)
	}

	switch req.Kind {
	case scheduler.LoadOneDate:
		return o.load(ctx, ctrl, req.AppID, storage.DateSuffix(req.AppID, req.Date),
			req.Date.Start(o.loc), req.Date.End(o.loc))
	case scheduler.LoadDateIgnored:
		return o.load(ctx, ctrl, req.AppID, storage.LatestSuffix(req.AppID), time.Time{}, time.Time{})
	case scheduler.LoadInterval:
		return o.load(ctx, ctrl, req.AppID, storage.IntervalSuffix(req.AppID, req.From, req.To), req.From, req.To)
	case scheduler.Archive:
		return ctrl.ArchiveTable(ctx, storage.DateSuffix(req.AppID, req.Date))
	default:
		return fmt.Errorf("unsupported request kind %s", req.Kind)
	}
}

// load replaces the partition named by suffix with a fresh export. An export
// that is too large is restarted with twice as many parts.
func (o *Orchestrator) load(ctx context.Context, ctrl *storage.Controller, appID, suffix string, since, until time.Time) error {
	id := ctrl.Source().ID
	for {
		parts := o.partsCount(id)
		err := o.loadParts(ctx, ctrl, appID, suffix, since, until, parts)

		var tooLarge *logsapi.PartsCountError
		if !errors.As(err, &tooLarge) {
			return err
		}
		limit := o.cfg.LogsAPI.MaxPartsCount
		if parts >= limit {
			return fmt.Errorf("%w (limit %d reached)", err, limit)
		}
		next := min(parts*2, limit)
		o.setPartsCount(id, next)
		metrics.LogsAPIPartsEscalations.WithLabelValues(string(id)).Inc()
		logging.Ctx(ctx).Warn().
			Str("source", string(id)).
			Int("parts_count", next).
			Msg("Export too large, retrying with more parts")
	}
}

func (o *Orchestrator) loadParts(ctx context.Context, ctrl *storage.Controller, appID, suffix string, since, until time.Time, parts int) error {
	src := ctrl.Source()
	if err := ctrl.RecreateTable(ctx, suffix); err != nil {
		return err
	}

	stream := o.loader.Open(ctx, logsapi.Query{
		AppID:  appID,
		Table:  src.LoadName,
		Fields: src.LoadFields(),
		Since:  since,
		Until:  until,
	}, parts)
	defer func() {
		if err := stream.Close(); err != nil {
			logging.Ctx(ctx).Debug().Err(err).Msg("Closing export stream")
		}
	}()

	loadedAt := o.now()
	var inserted int64
	for stream.Next() {
		batch := stream.Batch()
		frame, err := src.Process(appID, loadedAt, batch.Header, batch.Rows)
		if err != nil {
			return fmt.Errorf("process %s rows: %w", src.ID, err)
		}
		n, err := ctrl.InsertData(ctx, frame, suffix)
		if err != nil {
			return err
		}
		inserted += n
	}
	if err := stream.Err(); err != nil {
		return err
	}

	logging.Ctx(ctx).Info().
		Str("source", string(src.ID)).
		Str("table", ctrl.TableName(suffix)).
		Int64("rows", inserted).
		Msg("Partition loaded")
	return nil
}

func (o *Orchestrator) partsCount(id catalog.SourceID) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if n := o.parts[id]; n > 0 {
		return n
	}
	return 1
}

func (o *Orchestrator) setPartsCount(id catalog.SourceID, n int) {
	o.mu.Lock()
	o.parts[id] = n
	o.mu.Unlock()
	metrics.LogsAPIPartsCount.WithLabelValues(string(id)).Set(float64(n))
}

func recordCycle(report *CycleReport, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	metrics.RecordSyncCycle(report.FinishedAt.Sub(report.StartedAt), report.Summary.Requests, err)
}
