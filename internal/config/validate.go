// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package config

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/tomtom215/logmirror/internal/logging"
	"github.com/tomtom215/logmirror/internal/validation"
)

// KnownSources lists the source names the catalog can mirror.
var KnownSources = []string{"events", "crashes", "errors", "installations", "sessions_starts", "push_tokens"}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks tag rules first, then the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	if err := c.validateApps(); err != nil {
		return err
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateApps() error {
	seen := make(map[string]struct{}, len(c.Apps))
	for _, app := range c.Apps {
		if _, dup := seen[app]; dup {
			return fmt.Errorf("apps: application id %s listed twice", app)
		}
		seen[app] = struct{}{}
	}
	return nil
}

func (c *Config) validateSources() error {
	for name, fields := range c.Sources.Fields {
		if !slices.Contains(KnownSources, name) {
			return fmt.Errorf("sources.fields: unknown source %q", name)
		}
		for _, f := range fields {
			if f == "" {
				return fmt.Errorf("sources.fields.%s: empty field name", name)
			}
		}
	}
	for name, n := range c.Sources.MinPartsCount {
		if !slices.Contains(KnownSources, name) {
			return fmt.Errorf("sources.min_parts_count: unknown source %q", name)
		}
		if n < 1 || n > c.LogsAPI.MaxPartsCount {
			return fmt.Errorf("sources.min_parts_count.%s must be between 1 and %d, got %d",
				name, c.LogsAPI.MaxPartsCount, n)
		}
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if !identifierPattern.MatchString(c.Database.Schema) {
		return fmt.Errorf("database.schema %q is not a valid identifier", c.Database.Schema)
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	return nil
}

// SelectedSources returns the enabled sources in catalog order.
func (c *Config) SelectedSources() []string {
	if len(c.Sources.Enabled) == 0 {
		return slices.Clone(KnownSources)
	}
	out := make([]string, 0, len(c.Sources.Enabled))
	for _, name := range KnownSources {
		if slices.Contains(c.Sources.Enabled, name) {
			out = append(out, name)
		}
	}
	return out
}
