// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

// Package catalog declares which Logs API tables are mirrored, the fields each
// one exposes, how they map onto storage columns, and how raw export rows are
// turned into storage rows.
//
// The catalog is static: source declarations are package-level values that
// are never mutated, and a Registry built once at startup narrows them to the
// configured field selection. Nothing is registered at runtime.
package catalog

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// SourceID identifies a Logs API table.
type SourceID string

// Known sources, in scheduling order.
const (
	Events         SourceID = "events"
	Crashes        SourceID = "crashes"
	Errors         SourceID = "errors"
	Installations  SourceID = "installations"
	SessionsStarts SourceID = "sessions_starts"
	PushTokens     SourceID = "push_tokens"
)

// AllSources lists every known source in scheduling order.
var AllSources = []SourceID{Events, Crashes, Errors, Installations, SessionsStarts, PushTokens}

// ParseSourceID validates a source name.
func ParseSourceID(name string) (SourceID, error) {
	id := SourceID(name)
	if !slices.Contains(AllSources, id) {
		return "", fmt.Errorf("catalog: unknown source %q", name)
	}
	return id, nil
}

// Type is a storage column type.
type Type int

// Storage column types.
const (
	String Type = iota
	UInt8
	UInt32
	UInt64
	Date
	DateTime
)

var typeNames = map[Type]string{
	String:   "String",
	UInt8:    "UInt8",
	UInt32:   "UInt32",
	UInt64:   "UInt64",
	Date:     "Date",
	DateTime: "DateTime",
}

var sqlTypes = map[Type]string{
	String:   "VARCHAR",
	UInt8:    "UTINYINT",
	UInt32:   "UINTEGER",
	UInt64:   "UBIGINT",
	Date:     "DATE",
	DateTime: "TIMESTAMP",
}

// String returns the catalog name of the type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// SQL returns the DuckDB column type.
func (t Type) SQL() string {
	return sqlTypes[t]
}

// Integer reports whether empty values of this type are stored as zero.
func (t Type) Integer() bool {
	return t == UInt8 || t == UInt32 || t == UInt64
}

// Field maps one export field onto one storage column.
type Field struct {
	LoadName string
	Column   string
	Type     Type
	Required bool

	// System fields are filled by the loader (app id, load time).
	System bool

	// Convert derives the value from another export field. Converted fields
	// are never requested from the API.
	Convert *Conversion
}

// Generated reports whether the field is computed locally.
func (f Field) Generated() bool {
	return f.System || f.Convert != nil
}

// Column is a storage column name and type.
type Column struct {
	Name string
	Type Type
}

// Source is the declaration of one Logs API table.
type Source struct {
	ID SourceID

	// LoadName is the Logs API table name used in the export URL.
	LoadName string

	// Table is the base name of every storage table for this source.
	Table string

	DateColumn     string
	SamplingColumn string

	// KeyFields are load names forming the dedup key.
	KeyFields []string

	// DateIgnored sources are exported without a date window into the
	// "<app>_latest" partition.
	DateIgnored bool

	Fields []Field
}

// Registry resolves sources narrowed to the configured field selection.
type Registry struct {
	sources []*Resolved
	byID    map[SourceID]*Resolved
}

// NewRegistry builds the registry for the selected sources. fields maps a
// source name to the optional load names to request; a missing entry selects
// every field. loc is the zone used by the date converters.
func NewRegistry(selected []SourceID, fields map[string][]string, loc *time.Location) (*Registry, error) {
	if loc == nil {
		loc = time.UTC
	}
	if len(selected) == 0 {
		selected = AllSources
	}

	r := &Registry{byID: make(map[SourceID]*Resolved, len(selected))}
	for _, id := range AllSources {
		if !slices.Contains(selected, id) {
			continue
		}
		decl := declarations[id]
		requested, explicit := fields[string(id)]
		resolved, err := resolve(decl, requested, explicit, loc)
		if err != nil {
			return nil, err
		}
		r.sources = append(r.sources, resolved)
		r.byID[id] = resolved
	}
	for _, id := range selected {
		if _, ok := r.byID[id]; !ok {
			return nil, fmt.Errorf("catalog: unknown source %q", id)
		}
	}
	return r, nil
}

// Sources returns the resolved sources in scheduling order.
func (r *Registry) Sources() []*Resolved {
	return r.sources
}

// Source looks up a resolved source.
func (r *Registry) Source(id SourceID) (*Resolved, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// DateSources returns the IDs of sources partitioned by date.
func (r *Registry) DateSources() []SourceID {
	var out []SourceID
	for _, s := range r.sources {
		if !s.DateIgnored {
			out = append(out, s.ID)
		}
	}
	return out
}

// DateIgnoredSources returns the IDs of sources exported without a window.
func (r *Registry) DateIgnoredSources() []SourceID {
	var out []SourceID
	for _, s := range r.sources {
		if s.DateIgnored {
			out = append(out, s.ID)
		}
	}
	return out
}

// Resolved is a Source narrowed to the selected fields.
type Resolved struct {
	Source

	selected []Field
	keys     []string
	loc      *time.Location
}

func resolve(decl Source, requested []string, explicit bool, loc *time.Location) (*Resolved, error) {
	known := make(map[string]bool, len(decl.Fields))
	for _, f := range decl.Fields {
		known[f.LoadName] = true
	}
	for _, name := range requested {
		if !known[name] {
			return nil, fmt.Errorf("catalog: source %s has no field %q", decl.ID, name)
		}
	}

	var selected []Field
	for _, f := range decl.Fields {
		if f.Required || !explicit || slices.Contains(requested, f.LoadName) {
			selected = append(selected, f)
		}
	}

	var keys []string
	for _, f := range selected {
		if slices.Contains(decl.KeyFields, f.LoadName) {
			keys = append(keys, f.Column)
		}
	}
	if len(keys) == 0 {
		for _, f := range selected {
			keys = append(keys, f.Column)
		}
	}

	return &Resolved{Source: decl, selected: selected, keys: keys, loc: loc}, nil
}

// Fields returns the selected fields in declaration order.
func (s *Resolved) Fields() []Field {
	return s.selected
}

// LoadFields returns the export fields to request from the API: every
// selected non-generated field plus the inputs of selected converters.
func (s *Resolved) LoadFields() []string {
	var out []string
	add := func(name string) {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	for _, f := range s.selected {
		switch {
		case f.System:
		case f.Convert != nil:
			add(f.Convert.From)
		default:
			add(f.LoadName)
		}
	}
	return out
}

// Columns returns the storage columns in declaration order.
func (s *Resolved) Columns() []Column {
	out := make([]Column, len(s.selected))
	for i, f := range s.selected {
		out[i] = Column{Name: f.Column, Type: f.Type}
	}
	return out
}

// KeyColumns returns the dedup key columns.
func (s *Resolved) KeyColumns() []string {
	return s.keys
}

// Signature serializes the date column, sampling column and column types.
// A change in the signature means the stored tables no longer match.
func (s *Resolved) Signature() string {
	cols := make([]string, len(s.selected))
	for i, f := range s.selected {
		cols[i] = f.Column + ":" + f.Type.String()
	}
	return fmt.Sprintf("date=%s;sampling=%s;columns=%s",
		s.DateColumn, s.SamplingColumn, strings.Join(cols, ","))
}
