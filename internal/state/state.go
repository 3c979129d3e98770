// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

// Package state holds the persisted sync progress: for every application, the
// dates that were loaded (and when) or archived, plus the storage signature
// last seen for each source. Stores persist it as versioned JSON and fail
// closed: an unreadable document is replaced by a fresh state.
package state

import (
	"context"
	"maps"
	"slices"
	"time"
)

// EntryKind tags the status of one date.
type EntryKind int

// Date statuses. Pending dates are never stored; absence means pending.
const (
	Pending EntryKind = iota
	Loaded
	Archived
)

// String returns the lowercase status name.
func (k EntryKind) String() string {
	switch k {
	case Loaded:
		return "loaded"
	case Archived:
		return "archived"
	default:
		return "pending"
	}
}

// DateEntry is the status of one date of one application.
type DateEntry struct {
	Kind EntryKind

	// LoadedAt is set only for Loaded entries.
	LoadedAt time.Time
}

// LoadedEntry marks a date loaded at t (truncated to whole seconds).
func LoadedEntry(t time.Time) DateEntry {
	return DateEntry{Kind: Loaded, LoadedAt: t.Truncate(time.Second)}
}

// ArchivedEntry marks a date as finalized.
func ArchivedEntry() DateEntry {
	return DateEntry{Kind: Archived}
}

// AppSyncState tracks the dates of one application.
type AppSyncState struct {
	AppID string
	Dates map[Date]DateEntry
}

// Entry returns the status of d; Pending if unknown.
func (a *AppSyncState) Entry(d Date) DateEntry {
	if e, ok := a.Dates[d]; ok {
		return e
	}
	return DateEntry{}
}

// Set records the status of d.
func (a *AppSyncState) Set(d Date, e DateEntry) {
	if a.Dates == nil {
		a.Dates = make(map[Date]DateEntry)
	}
	a.Dates[d] = e
}

// SortedDates returns every tracked date in ascending order.
func (a *AppSyncState) SortedDates() []Date {
	dates := slices.Collect(maps.Keys(a.Dates))
	slices.SortFunc(dates, func(x, y Date) int {
		switch {
		case x.Before(y):
			return -1
		case y.Before(x):
			return 1
		default:
			return 0
		}
	})
	return dates
}

// SyncState is the persisted root.
type SyncState struct {
	LastRunFinishedAt *time.Time
	Apps              []*AppSyncState

	// Schemas maps a source name to the storage signature its tables were
	// created with.
	Schemas map[string]string
}

// New returns an empty state.
func New() *SyncState {
	return &SyncState{Schemas: make(map[string]string)}
}

// App returns the state of appID, creating it on first sight.
func (s *SyncState) App(appID string) *AppSyncState {
	for _, a := range s.Apps {
		if a.AppID == appID {
			return a
		}
	}
	a := &AppSyncState{AppID: appID, Dates: make(map[Date]DateEntry)}
	s.Apps = append(s.Apps, a)
	return a
}

// FindApp returns the state of appID without creating it.
func (s *SyncState) FindApp(appID string) (*AppSyncState, bool) {
	for _, a := range s.Apps {
		if a.AppID == appID {
			return a, true
		}
	}
	return nil, false
}

// ResetDates forgets every date of every application so the update window
// is reloaded from scratch.
func (s *SyncState) ResetDates() {
	for _, a := range s.Apps {
		a.Dates = make(map[Date]DateEntry)
	}
}

// Counts returns the number of tracked dates per status.
func (s *SyncState) Counts() map[EntryKind]int {
	out := map[EntryKind]int{Loaded: 0, Archived: 0}
	for _, a := range s.Apps {
		for _, e := range a.Dates {
			out[e.Kind]++
		}
	}
	return out
}

// Clone returns a deep copy.
func (s *SyncState) Clone() *SyncState {
	out := &SyncState{Schemas: maps.Clone(s.Schemas)}
	if out.Schemas == nil {
		out.Schemas = make(map[string]string)
	}
	if s.LastRunFinishedAt != nil {
		t := *s.LastRunFinishedAt
		out.LastRunFinishedAt = &t
	}
	for _, a := range s.Apps {
		out.Apps = append(out.Apps, &AppSyncState{AppID: a.AppID, Dates: maps.Clone(a.Dates)})
	}
	return out
}

// Store persists the sync state.
type Store interface {
	// Load returns the stored state, or a fresh one when nothing usable is
	// stored. Only I/O failures are returned as errors.
	Load(ctx context.Context) (*SyncState, error)

	// Save replaces the stored state atomically.
	Save(ctx context.Context, s *SyncState) error

	Close() error
}
