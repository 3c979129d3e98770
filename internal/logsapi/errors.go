// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package logsapi

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrCircuitOpen is returned while the circuit breaker rejects requests.
var ErrCircuitOpen = errors.New("logs api: circuit breaker open")

// APIError is an unexpected HTTP response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("logs api: [%d] %s", e.StatusCode, e.Body)
}

// PartsCountError reports that an export with PartsCount parts is still too
// large. The caller restarts the window with more parts.
type PartsCountError struct {
	PartsCount int
}

func (e *PartsCountError) Error() string {
	return fmt.Sprintf("logs api: export too large for %d part(s)", e.PartsCount)
}

// maxErrorBodySize limits how much of an error response is kept.
const maxErrorBodySize = 64 * 1024

// readBodyForError reads at most 64KB of r for error reporting.
func readBodyForError(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return "(failed to read response body)"
	}
	if len(body) == maxErrorBodySize {
		return string(body) + "\n... (truncated)"
	}
	return string(body)
}

// IsTransportReset reports whether err is a dropped connection that should be
// retried by re-requesting the same part.
func IsTransportReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "stream error")
}
