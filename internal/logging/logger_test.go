package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/config"
)

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]slog.Level{
		"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, " error ": slog.LevelError,
	} {
		got, err := parseLevel(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestNew_FileOutputJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sim.log")
	logger, closeFn, err := New("sim-engine", config.LogConfig{Level: "warn", Format: "json", Output: "file", FilePath: path})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("tick failed", "phase", "sweep")
	require.NoError(t, closeFn())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "tick failed", rec["msg"])
	assert.Equal(t, "sim-engine", rec["service"])
	assert.Equal(t, "sweep", rec["phase"])
}

func TestNew_InvalidSettings(t *testing.T) {
	_, _, err := New("sim", config.LogConfig{Format: "xml"})
	assert.ErrorContains(t, err, "log format")

	_, _, err = New("sim", config.LogConfig{Output: "syslog"})
	assert.ErrorContains(t, err, "log output")
}
