// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

// Package config loads Logmirror configuration from layered sources
// (built-in defaults, an optional YAML file, a .env file and the process
// environment) and validates it before any component starts.
package config

import (
	"time"

	"github.com/tomtom215/logmirror/internal/logging"
)

// Config is the root configuration.
type Config struct {
	LogsAPI  LogsAPIConfig  `koanf:"logs_api"`
	Apps     []string       `koanf:"apps" validate:"required,min=1,dive,appid"`
	Sources  SourcesConfig  `koanf:"sources"`
	Sync     SyncConfig     `koanf:"sync"`
	State    StateConfig    `koanf:"state"`
	Database DatabaseConfig `koanf:"database"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// LogsAPIConfig holds AppMetrica Logs API client settings.
//
// Environment Variables:
//   - TOKEN or LOGS_API_TOKEN: OAuth token (required)
//   - LOGS_API_HOST: API base URL (default: https://api.appmetrica.yandex.ru)
//   - REQUEST_CHUNK_ROWS: rows per processed batch (default: 1000)
type LogsAPIConfig struct {
	Host    string        `koanf:"host" validate:"required,url"`
	Token   string        `koanf:"token" validate:"required"`
	// Timeout bounds waiting for response headers; streaming a ready
	// export body is not limited.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`

	// RequestsPerSecond paces outgoing requests; 0 disables pacing.
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gte=0"`
	Burst             int     `koanf:"burst" validate:"gte=1"`

	ChunkRows     int    `koanf:"chunk_rows" validate:"min=1,max=1000000"`
	DateDimension string `koanf:"date_dimension" validate:"oneof=default receive"`

	// ShortBackoff is slept when an export is still being prepared (HTTP 202).
	ShortBackoff time.Duration `koanf:"short_backoff" validate:"gt=0"`
	// LongBackoff is slept after a rate-limit response (HTTP 429).
	LongBackoff time.Duration `koanf:"long_backoff" validate:"gt=0"`

	// MaxPartsCount caps the parts-count escalation for oversized exports.
	MaxPartsCount int `koanf:"max_parts_count" validate:"min=1"`

	// BreakerTimeout is how long the circuit breaker stays open.
	BreakerTimeout time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// SourcesConfig selects which Logs API tables are mirrored.
type SourcesConfig struct {
	// Enabled lists source names; empty means every known source.
	Enabled []string `koanf:"enabled" validate:"dive,oneof=events crashes errors installations sessions_starts push_tokens"`

	// Fields lists optional fields to request per source; required fields
	// are always loaded. A missing entry loads every field.
	Fields map[string][]string `koanf:"fields"`

	// MinPartsCount is the initial parts count per source (default 1).
	MinPartsCount map[string]int `koanf:"min_parts_count"`
}

// SyncConfig holds scheduler settings.
//
// Environment Variables:
//   - UPDATE_LIMIT: days behind today that are kept refreshed (default: 30)
//   - FRESH_LIMIT: age after which a date is archived (default: 168h)
//   - UPDATE_INTERVAL: minimum time between reloads of one date (default: 12h)
type SyncConfig struct {
	UpdateLimitDays int           `koanf:"update_limit_days" validate:"min=1,max=3650"`
	FreshLimit      time.Duration `koanf:"fresh_limit" validate:"gt=0"`
	UpdateInterval  time.Duration `koanf:"update_interval" validate:"gt=0"`
	ErrorDelay      time.Duration `koanf:"error_delay" validate:"gt=0"`
	Timezone        string        `koanf:"timezone" validate:"required,timezone"`

	// FetchCreationDate limits the window to dates after the app was created
	// in AppMetrica (looked up through the management API).
	FetchCreationDate bool `koanf:"fetch_creation_date"`
}

// StateConfig selects where the sync state is persisted.
type StateConfig struct {
	Backend string `koanf:"backend" validate:"oneof=file badger"`
	Path    string `koanf:"path" validate:"required"`
}

// DatabaseConfig holds DuckDB settings
type DatabaseConfig struct {
	Path                   string `koanf:"path" validate:"required"`
	Schema                 string `koanf:"schema" validate:"required"`
	MaxMemory              string `koanf:"max_memory" validate:"required"`
	Threads                int    `koanf:"threads" validate:"gte=0"` // 0 = use NumCPU
	PreserveInsertionOrder bool   `koanf:"preserve_insertion_order"`
}

// ServerConfig holds the status HTTP server settings
type ServerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`

	// StatsTTL is how long /api/v1/sources results are reused.
	StatsTTL time.Duration `koanf:"stats_ttl" validate:"gte=0"`
}

// LoggingConfig holds logging settings for zerolog.
//
// Environment Variables:
//   - LOG_LEVEL: trace, debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, console (default: json)
//   - DEBUG: true forces debug level
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
	Debug  bool   `koanf:"debug"`
}

// ToLogging converts the section into a logging.Config.
func (l LoggingConfig) ToLogging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = l.Level
	if l.Debug {
		cfg.Level = "debug"
	}
	cfg.Format = l.Format
	cfg.Caller = l.Caller
	return cfg
}

// Location returns the configured sync time zone. Validate guarantees the
// name loads; UTC is returned if it somehow does not.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Sync.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MinPartsCount returns the configured initial parts count for a source.
func (c *Config) MinPartsCount(source string) int {
	if n, ok := c.Sources.MinPartsCount[source]; ok && n > 0 {
		return n
	}
	return 1
}

// Load reads configuration from configPath (or the default search paths
// when empty), the environment and built-in defaults.
func Load(configPath string) (*Config, error) {
	return LoadWithKoanf(configPath)
}
