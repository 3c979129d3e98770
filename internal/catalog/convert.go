// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ConverterName names a pure value transform.
type ConverterName string

// Known converters.
const (
	TimestampToDate     ConverterName = "timestamp_to_date"
	TimestampToDateTime ConverterName = "timestamp_to_datetime"
	StringToHash        ConverterName = "string_to_hash"
	StringToBool        ConverterName = "string_to_bool"
)

// Conversion derives a field from another export field.
type Conversion struct {
	Func ConverterName
	From string
}

// DateTimeLayout is the storage text form of DateTime values.
const DateTimeLayout = "2006-01-02 15:04:05"

// converter turns one raw export value into one storage value. An empty
// result for Date and DateTime columns is stored as NULL.
type converter func(raw string) (string, error)

func (n ConverterName) build(loc *time.Location) (converter, error) {
	switch n {
	case TimestampToDate:
		return func(raw string) (string, error) {
			return formatTimestamp(raw, time.DateOnly, loc)
		}, nil
	case TimestampToDateTime:
		return func(raw string) (string, error) {
			return formatTimestamp(raw, DateTimeLayout, loc)
		}, nil
	case StringToHash:
		return func(raw string) (string, error) {
			return strconv.FormatUint(xxhash.Sum64String(raw), 10), nil
		}, nil
	case StringToBool:
		return func(raw string) (string, error) {
			switch strings.ToLower(strings.TrimSpace(raw)) {
			case "1", "true", "yes":
				return "1", nil
			default:
				return "0", nil
			}
		}, nil
	default:
		return nil, fmt.Errorf("catalog: unknown converter %q", n)
	}
}

func formatTimestamp(raw, layout string, loc *time.Location) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("timestamp %q: %w", raw, err)
	}
	return time.Unix(ts, 0).In(loc).Format(layout), nil
}
