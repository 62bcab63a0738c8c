package cli

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/detgraph/internal/app"
)

func TestParse(t *testing.T) {
	t.Run("all flags", func(t *testing.T) {
		// --- Arrange ---
		args := []string{
			"--config", "a.hcl", "-c", "conf.d",
			"--script", "run.txt",
			"--log-level", "DEBUG",
			"--log-format", "json",
			"--healthcheck-port", "8080",
			"--audit-db", "audit.db",
			"--export-url", "http://localhost:3000",
			"--telemetry-interval", "250ms",
			"extra.hcl",
		}

		// --- Act ---
		cfg, exit, err := Parse(args, &bytes.Buffer{})

		// --- Assert ---
		require.NoError(t, err)
		assert.False(t, exit)
		assert.Equal(t, &app.Config{
			ConfigPaths:       []string{"a.hcl", "conf.d", "extra.hcl"},
			ScriptPath:        "run.txt",
			LogFormat:         "json",
			LogLevel:          "debug",
			HealthcheckPort:   8080,
			AuditDB:           "audit.db",
			ExportURL:         "http://localhost:3000",
			TelemetryInterval: 250 * time.Millisecond,
		}, cfg)
	})

	t.Run("no arguments runs interactively", func(t *testing.T) {
		cfg, exit, err := Parse(nil, &bytes.Buffer{})

		require.NoError(t, err)
		assert.False(t, exit)
		assert.Empty(t, cfg.ConfigPaths)
		assert.Equal(t, "text", cfg.LogFormat)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("help exits cleanly", func(t *testing.T) {
		out := &bytes.Buffer{}

		cfg, exit, err := Parse([]string{"-h"}, out)

		require.NoError(t, err)
		assert.True(t, exit)
		assert.Nil(t, cfg)
		assert.Contains(t, out.String(), "Usage:")
		assert.Contains(t, out.String(), "--telemetry-interval")
	})

	cases := []struct {
		name string
		args []string
		want string
	}{
		{"unknown flag", []string{"--nope"}, "unknown flag: --nope"},
		{"bad duration", []string{"--telemetry-interval", "soon"}, "invalid argument"},
		{"bad log level", []string{"--log-level", "loud"}, "invalid log-level"},
		{"bad log format", []string{"--log-format", "xml"}, "invalid log-format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Parse(tc.args, &bytes.Buffer{})

			var exitErr *ExitError
			require.True(t, errors.As(err, &exitErr), "want *ExitError, got %v", err)
			assert.Equal(t, 2, exitErr.Code)
			assert.Contains(t, exitErr.Message, tc.want)
		})
	}
}
