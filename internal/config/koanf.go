// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
var DefaultConfigPaths = []string{
	"logmirror.yaml",
	"logmirror.yml",
	"config.yaml",
	"/etc/logmirror/config.yaml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultLogsAPIHost is the public AppMetrica API endpoint.
const DefaultLogsAPIHost = "https://api.appmetrica.yandex.ru"

func defaultConfig() *Config {
	return &Config{
		LogsAPI: LogsAPIConfig{
			Host:              DefaultLogsAPIHost,
			Timeout:           5 * time.Minute,
			RequestsPerSecond: 1,
			Burst:             1,
			ChunkRows:         1000,
			DateDimension:     "default",
			ShortBackoff:      10 * time.Second,
			LongBackoff:       60 * time.Second,
			MaxPartsCount:     1024,
			BreakerTimeout:    2 * time.Minute,
		},
		Sync: SyncConfig{
			UpdateLimitDays:   30,
			FreshLimit:        7 * 24 * time.Hour,
			UpdateInterval:    12 * time.Hour,
			ErrorDelay:        10 * time.Second,
			Timezone:          "UTC",
			FetchCreationDate: true,
		},
		State: StateConfig{
			Backend: "file",
			Path:    "state.json",
		},
		Database: DatabaseConfig{
			Path:                   "data/logmirror.duckdb",
			Schema:                 "mobile",
			MaxMemory:              "2GB",
			Threads:                0,
			PreserveInsertionOrder: true,
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8089,
			Timeout:         30 * time.Second,
			RateLimitReqs:   60,
			RateLimitWindow: time.Minute,
			StatsTTL:        30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadWithKoanf loads configuration with layered sources:
//  1. Defaults: built-in values
//  2. Config File: optional YAML file (configPath, CONFIG_PATH, or a default path)
//  3. .env file: loaded into the environment without overriding it
//  4. Environment Variables: override any setting
func LoadWithKoanf(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" {
		configPath = findConfigFile()
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// A missing .env is the common case.
	_ = godotenv.Load()

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated strings or JSON arrays.
var sliceConfigPaths = []string{
	"apps",
	"sources.enabled",
}

// processSliceFields normalizes list values coming from env vars. Both
// `123,456` and `["123", 456]` are accepted for APP_IDS.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		var items []string

		switch val := k.Get(path).(type) {
		case nil:
			continue
		case []string:
			continue
		case []interface{}:
			items = stringifyAll(val)
		case string:
			parsed, err := splitList(val)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			items = parsed
		default:
			items = []string{fmt.Sprint(val)}
		}

		if err := k.Set(path, items); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

func splitList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}, nil
	}
	if strings.HasPrefix(raw, "[") {
		var decoded []interface{}
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, fmt.Errorf("invalid JSON list: %w", err)
		}
		return stringifyAll(decoded), nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func stringifyAll(values []interface{}) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		switch n := v.(type) {
		case float64:
			out = append(out, fmt.Sprintf("%.0f", n))
		case json.Number:
			out = append(out, n.String())
		default:
			out = append(out, strings.TrimSpace(fmt.Sprint(v)))
		}
	}
	return out
}

// envMappings maps lowercased environment variable names to config keys.
// Unmapped variables are ignored.
var envMappings = map[string]string{
	"token":               "logs_api.token",
	"logs_api_token":      "logs_api.token",
	"logs_api_host":       "logs_api.host",
	"logs_api_timeout":    "logs_api.timeout",
	"logs_api_rps":        "logs_api.requests_per_second",
	"logs_api_burst":      "logs_api.burst",
	"request_chunk_rows":  "logs_api.chunk_rows",
	"date_dimension":      "logs_api.date_dimension",
	"short_backoff":       "logs_api.short_backoff",
	"long_backoff":        "logs_api.long_backoff",
	"max_parts_count":     "logs_api.max_parts_count",
	"breaker_timeout":     "logs_api.breaker_timeout",
	"app_ids":             "apps",
	"sources":             "sources.enabled",
	"update_limit":        "sync.update_limit_days",
	"fresh_limit":         "sync.fresh_limit",
	"update_interval":     "sync.update_interval",
	"error_delay":         "sync.error_delay",
	"sync_timezone":       "sync.timezone",
	"fetch_creation_date": "sync.fetch_creation_date",
	"state_backend":       "state.backend",
	"state_file_path":     "state.path",
	"duckdb_path":         "database.path",
	"duckdb_schema":       "database.schema",
	"ch_database":         "database.schema",
	"duckdb_max_memory":   "database.max_memory",
	"duckdb_threads":      "database.threads",
	"http_enabled":        "server.enabled",
	"http_host":           "server.host",
	"http_port":           "server.port",
	"http_timeout":        "server.timeout",
	"http_stats_ttl":      "server.stats_ttl",
	"log_level":           "logging.level",
	"log_format":          "logging.format",
	"log_caller":          "logging.caller",
	"debug":               "logging.debug",
}

func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
