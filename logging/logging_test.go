package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/pst-export/config"
)

func TestNewWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(config.Config{LogLevel: "info", LogFormat: "json", LogDir: dir})
	require.NoError(t, err)
	require.NotEmpty(t, logger.LogFile)

	logger.Debug("hidden")
	logger.Info("batch summary", "filesProcessed", 2)
	_ = logger.Sync()

	data, err := os.ReadFile(logger.LogFile)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "batch summary", entry["msg"])
	assert.Equal(t, float64(2), entry["filesProcessed"])
}

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		logger, err := New(config.Config{LogLevel: tt.level, LogFormat: "console"})
		require.NoError(t, err)
		ctx := context.Background()
		assert.True(t, logger.Enabled(ctx, tt.want), tt.level)
		if tt.want > slog.LevelDebug {
			assert.False(t, logger.Enabled(ctx, tt.want-1), tt.level)
		}
		assert.Empty(t, logger.LogFile)
	}
}
