// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package catalog

import (
	"fmt"
	"strings"
	"time"
)

// Frame is a batch of storage rows in column order. Empty values in
// non-String columns are NULL.
type Frame struct {
	Columns []Column
	Rows    [][]string
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// Process turns raw export rows (aligned with header) into storage rows:
// empty integers become zero, system fields are filled, converters run, and
// the result is projected onto the selected columns.
func (s *Resolved) Process(appID string, loadedAt time.Time, header []string, rows [][]string) (*Frame, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}

	loadedText := loadedAt.In(s.loc).Format(DateTimeLayout)
	extract := make([]func(row []string) (string, error), len(s.selected))

	for i, f := range s.selected {
		f := f
		switch {
		case f.LoadName == AppIDField:
			extract[i] = func([]string) (string, error) { return appID, nil }
		case f.LoadName == LoadDateTimeField:
			extract[i] = func([]string) (string, error) { return loadedText, nil }
		case f.Convert != nil:
			src, ok := index[f.Convert.From]
			if !ok {
				return nil, fmt.Errorf("catalog: %s: export is missing column %q for %s", s.ID, f.Convert.From, f.LoadName)
			}
			conv, err := f.Convert.Func.build(s.loc)
			if err != nil {
				return nil, err
			}
			extract[i] = func(row []string) (string, error) {
				out, err := conv(row[src])
				if err != nil {
					return "", fmt.Errorf("%s: %w", f.LoadName, err)
				}
				return out, nil
			}
		default:
			src, ok := index[f.LoadName]
			if !ok {
				return nil, fmt.Errorf("catalog: %s: export is missing column %q", s.ID, f.LoadName)
			}
			integer := f.Type.Integer()
			extract[i] = func(row []string) (string, error) {
				v := row[src]
				if integer && strings.TrimSpace(v) == "" {
					return "0", nil
				}
				return v, nil
			}
		}
	}

	out := &Frame{Columns: s.Columns(), Rows: make([][]string, 0, len(rows))}
	for n, row := range rows {
		if len(row) != len(header) {
			return nil, fmt.Errorf("catalog: %s: row %d has %d values, header has %d", s.ID, n, len(row), len(header))
		}
		converted := make([]string, len(extract))
		for i, fn := range extract {
			v, err := fn(row)
			if err != nil {
				return nil, fmt.Errorf("catalog: %s: row %d: %w", s.ID, n, err)
			}
			converted[i] = v
		}
		out.Rows = append(out.Rows, converted)
	}
	return out, nil
}
