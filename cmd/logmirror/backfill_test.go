// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseBound(t *testing.T) {
	loc := time.FixedZone("MSK", 3*3600)

	from, err := parseBound("2024-03-01", loc, false)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, loc), from)

	to, err := parseBound("2024-03-01", loc, true)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 1, 23, 59, 59, 0, loc), to)

	ts, err := parseBound("2024-03-01T10:00:00Z", loc, false)
	require.NoError(t, err)
	require.True(t, ts.Equal(time.Date(2024, 3, 1, 13, 0, 0, 0, loc)))
	require.Equal(t, loc, ts.Location())

	_, err = parseBound("yesterday", loc, false)
	require.Error(t, err)
}

func TestBackfillRejectsInvalidApp(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"backfill", "--app", "my-app", "--from", "2024-03-01", "--to", "2024-03-02"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		backfillApp = ""
	})

	err := rootCmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid --app")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	require.Equal(t, "logmirror version dev\n", out.String())
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"run", "once", "backfill", "state", "sources", "version"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		require.Equal(t, name, cmd.Name())
	}
}
