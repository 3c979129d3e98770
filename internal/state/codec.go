// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// FormatVersion is the current document version.
const FormatVersion = 1

// ErrCorrupt wraps every decoding failure.
var ErrCorrupt = errors.New("corrupt sync state")

type document struct {
	Version           int               `json:"version"`
	LastRunFinishedAt *int64            `json:"last_run_finished_at"`
	Apps              []appDocument     `json:"apps"`
	Schemas           map[string]string `json:"schemas,omitempty"`
}

type appDocument struct {
	AppID string                   `json:"app_id"`
	Dates map[string]entryDocument `json:"dates"`
}

type entryDocument struct {
	Status   string `json:"status"`
	LoadedAt int64  `json:"loaded_at,omitempty"`
}

// Encode serializes s as indented JSON. Timestamps are unix seconds.
func Encode(s *SyncState) ([]byte, error) {
	doc := document{
		Version: FormatVersion,
		Apps:    make([]appDocument, 0, len(s.Apps)),
		Schemas: s.Schemas,
	}
	if s.LastRunFinishedAt != nil {
		ts := s.LastRunFinishedAt.Unix()
		doc.LastRunFinishedAt = &ts
	}
	for _, a := range s.Apps {
		ad := appDocument{AppID: a.AppID, Dates: make(map[string]entryDocument, len(a.Dates))}
		for d, e := range a.Dates {
			switch e.Kind {
			case Loaded:
				ad.Dates[d.String()] = entryDocument{Status: Loaded.String(), LoadedAt: e.LoadedAt.Unix()}
			case Archived:
				ad.Dates[d.String()] = entryDocument{Status: Archived.String()}
			}
		}
		doc.Apps = append(doc.Apps, ad)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Decode parses a document produced by Encode. Every failure wraps ErrCorrupt.
func Decode(data []byte) (*SyncState, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, doc.Version)
	}

	s := New()
	if doc.LastRunFinishedAt != nil {
		t := time.Unix(*doc.LastRunFinishedAt, 0).UTC()
		s.LastRunFinishedAt = &t
	}
	for source, sig := range doc.Schemas {
		s.Schemas[source] = sig
	}

	seen := make(map[string]bool, len(doc.Apps))
	for _, ad := range doc.Apps {
		if ad.AppID == "" {
			return nil, fmt.Errorf("%w: application without id", ErrCorrupt)
		}
		if seen[ad.AppID] {
			return nil, fmt.Errorf("%w: application %s listed twice", ErrCorrupt, ad.AppID)
		}
		seen[ad.AppID] = true

		app := &AppSyncState{AppID: ad.AppID, Dates: make(map[Date]DateEntry, len(ad.Dates))}
		for key, ed := range ad.Dates {
			d, err := ParseDate(key)
			if err != nil {
				return nil, fmt.Errorf("%w: application %s: %v", ErrCorrupt, ad.AppID, err)
			}
			switch ed.Status {
			case "loaded":
				if ed.LoadedAt <= 0 {
					return nil, fmt.Errorf("%w: application %s date %s: missing load time", ErrCorrupt, ad.AppID, key)
				}
				app.Dates[d] = LoadedEntry(time.Unix(ed.LoadedAt, 0).UTC())
			case "archived":
				app.Dates[d] = ArchivedEntry()
			default:
				return nil, fmt.Errorf("%w: application %s date %s: unknown status %q", ErrCorrupt, ad.AppID, key, ed.Status)
			}
		}
		s.Apps = append(s.Apps, app)
	}
	return s, nil
}
