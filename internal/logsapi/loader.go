// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package logsapi

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/logmirror/internal/config"
	"github.com/tomtom215/logmirror/internal/logging"
	"github.com/tomtom215/logmirror/internal/metrics"
)

// Query is one export window.
type Query struct {
	AppID  string
	Table  string
	Fields []string

	// Since and Until bound the window; both zero exports without a window.
	Since time.Time
	Until time.Time
}

// Batch is a bounded group of CSV rows from one part.
type Batch struct {
	Header     []string
	Rows       [][]string
	Part       int
	PartsCount int
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loader runs the part protocol of the export endpoint.
type Loader struct {
	exporter     Exporter
	chunkRows    int
	shortBackoff time.Duration
	longBackoff  time.Duration
	sleep        SleepFunc
}

// NewLoader builds a loader over exporter using the batch and backoff
// settings of cfg.
func NewLoader(exporter Exporter, cfg *config.LogsAPIConfig) *Loader {
	l := &Loader{
		exporter:     exporter,
		chunkRows:    cfg.ChunkRows,
		shortBackoff: cfg.ShortBackoff,
		longBackoff:  cfg.LongBackoff,
		sleep:        Sleep,
	}
	if l.chunkRows <= 0 {
		l.chunkRows = 1000
	}
	return l
}

// SetSleep replaces the backoff sleeper.
func (l *Loader) SetSleep(fn SleepFunc) {
	l.sleep = fn
}

// Open starts streaming q split into partsCount parts. Nothing is requested
// until the first Next.
func (l *Loader) Open(ctx context.Context, q Query, partsCount int) *Stream {
	if partsCount < 1 {
		partsCount = 1
	}
	log := logging.Ctx(ctx).With().
		Str("app", q.AppID).
		Str("table", q.Table).
		Logger()
	return &Stream{
		ctx:        ctx,
		loader:     l,
		query:      q,
		partsCount: partsCount,
		progress:   -1,
		log:        log,
	}
}

// Stream iterates over the batches of one export window:
//
//	s := loader.Open(ctx, q, parts)
//	defer s.Close()
//	for s.Next() {
//	    handle(s.Batch())
//	}
//	if err := s.Err(); err != nil { ... }
//
// Rows of a part may repeat when the connection drops mid-part and the part
// is requested again.
type Stream struct {
	ctx        context.Context
	loader     *Loader
	query      Query
	partsCount int
	partNumber int
	progress   int
	log        zerolog.Logger

	body   io.ReadCloser
	reader *csv.Reader
	header []string
	lines  int

	batch *Batch
	err   error
	done  bool
}

// Next advances to the next batch. It returns false at the end of the window
// or on error.
func (s *Stream) Next() bool {
	s.batch = nil
	for !s.done && s.err == nil {
		if err := s.ctx.Err(); err != nil {
			s.fail(err)
			return false
		}
		if s.reader == nil {
			if s.partNumber >= s.partsCount {
				s.done = true
				return false
			}
			s.request()
			continue
		}
		if s.readBatch() {
			return true
		}
	}
	return false
}

// request asks for the current part and opens its body when ready.
func (s *Stream) request() {
	resp, err := s.loader.exporter.Export(s.ctx, ExportRequest{
		AppID:      s.query.AppID,
		Table:      s.query.Table,
		Fields:     s.query.Fields,
		Since:      s.query.Since,
		Until:      s.query.Until,
		PartsCount: s.partsCount,
		PartNumber: s.partNumber,
	})
	if err != nil {
		if IsTransportReset(err) {
			s.log.Warn().Err(err).Int("part", s.partNumber).Msg("Connection dropped, requesting part again")
			s.backoffAfterReset()
			return
		}
		s.fail(err)
		return
	}

	switch resp.Status {
	case NotReady:
		if resp.Progress >= 0 && resp.Progress != s.progress {
			s.progress = resp.Progress
			s.log.Info().Int("progress", resp.Progress).Msg("Export is being prepared")
		}
		if err := s.loader.sleep(s.ctx, s.loader.shortBackoff); err != nil {
			s.fail(err)
		}
	case RateLimited:
		s.log.Info().Dur("wait", s.loader.longBackoff).Msg("Too many requests, waiting")
		if err := s.loader.sleep(s.ctx, s.loader.longBackoff); err != nil {
			s.fail(err)
		}
	case TooLarge:
		s.log.Info().Int("parts_count", s.partsCount).Msg("Export is too large for the current parts count")
		s.fail(&PartsCountError{PartsCount: s.partsCount})
	case Ready:
		if s.partsCount > 1 {
			s.log.Info().Int("part", s.partNumber).Int("parts_count", s.partsCount).Msg("Processing part")
		}
		s.openBody(resp.Body)
	}
}

func (s *Stream) openBody(body io.ReadCloser) {
	s.body = body
	s.reader = csv.NewReader(body)
	s.reader.ReuseRecord = false
	s.lines = 0

	header, err := s.reader.Read()
	switch {
	case errors.Is(err, io.EOF):
		s.finishPart()
	case err != nil && IsTransportReset(err):
		s.log.Warn().Err(err).Int("part", s.partNumber).Msg("Connection dropped, requesting part again")
		s.releaseBody()
		s.backoffAfterReset()
	case err != nil:
		s.fail(err)
	default:
		s.header = append([]string(nil), header...)
	}
}

// readBatch reads up to chunkRows rows. It returns true when a batch is ready.
func (s *Stream) readBatch() bool {
	rows := make([][]string, 0, s.loader.chunkRows)
	for len(rows) < s.loader.chunkRows {
		record, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			part := s.partNumber
			s.finishPart()
			if len(rows) > 0 {
				s.emit(rows, part)
				return true
			}
			return false
		}
		if err != nil {
			if IsTransportReset(err) {
				s.log.Warn().Err(err).Int("part", s.partNumber).Msg("Connection dropped while streaming, requesting part again")
				s.releaseBody()
				s.backoffAfterReset()
				return false
			}
			s.fail(err)
			return false
		}
		rows = append(rows, record)
	}
	s.emit(rows, s.partNumber)
	return true
}

// backoffAfterReset waits the short backoff before the same part is
// requested again.
func (s *Stream) backoffAfterReset() {
	if err := s.loader.sleep(s.ctx, s.loader.shortBackoff); err != nil {
		s.fail(err)
	}
}

func (s *Stream) emit(rows [][]string, part int) {
	s.lines += len(rows)
	metrics.LogsAPIRowsFetched.WithLabelValues(s.query.Table).Add(float64(len(rows)))
	s.log.Info().Int("lines", s.lines).Msg("Lines loaded")
	s.batch = &Batch{Header: s.header, Rows: rows, Part: part, PartsCount: s.partsCount}
}

func (s *Stream) finishPart() {
	s.releaseBody()
	s.partNumber++
	s.progress = -1
}

func (s *Stream) releaseBody() {
	if s.body != nil {
		closeQuietly(s.body)
	}
	s.body = nil
	s.reader = nil
}

func (s *Stream) fail(err error) {
	s.err = err
	s.releaseBody()
}

// Batch returns the current batch.
func (s *Stream) Batch() *Batch {
	return s.batch
}

// Err returns the error that stopped the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the response body. It is safe to call more than once.
func (s *Stream) Close() error {
	s.done = true
	s.releaseBody()
	return nil
}
