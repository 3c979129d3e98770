// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/logmirror/internal/catalog"
	"github.com/tomtom215/logmirror/internal/state"
)

// Kind is the action requested for one source.
type Kind int

// Request kinds.
const (
	LoadOneDate Kind = iota
	Archive
	LoadDateIgnored
	LoadInterval
)

func (k Kind) String() string {
	switch k {
	case LoadOneDate:
		return "load_one_date"
	case Archive:
		return "archive"
	case LoadDateIgnored:
		return "load_date_ignored"
	case LoadInterval:
		return "load_interval"
	default:
		return "unknown"
	}
}

// Request is one unit of work for the orchestrator.
type Request struct {
	Kind   Kind
	Source catalog.SourceID
	AppID  string

	// Date is set for LoadOneDate and Archive.
	Date state.Date

	// From and To bound a LoadInterval request.
	From time.Time
	To   time.Time
}

func (r Request) String() string {
	switch r.Kind {
	case LoadOneDate, Archive:
		return fmt.Sprintf("%s %s app=%s date=%s", r.Kind, r.Source, r.AppID, r.Date)
	case LoadInterval:
		return fmt.Sprintf("%s %s app=%s from=%s to=%s", r.Kind, r.Source, r.AppID,
			r.From.Format(time.DateTime), r.To.Format(time.DateTime))
	default:
		return fmt.Sprintf("%s %s app=%s", r.Kind, r.Source, r.AppID)
	}
}

// Handler performs one request. A returned error aborts the cycle before the
// transition the request belongs to is recorded.
type Handler func(ctx context.Context, req Request) error
