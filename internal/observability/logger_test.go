package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
	}{
		{name: "json format", config: LoggingConfig{Level: "info", Format: "json"}},
		{name: "text format", config: LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}},
		{name: "default format", config: LoggingConfig{Level: "warn"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotNil(t, NewLogger(tt.config))
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.name), "ParseLevel(%q)", tt.name)
	}
}

func TestNewLoggerWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Info("committed file", "path", "topics/orders/0/0-2", "end_offset", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log line is not JSON: %s", buf.String())
	assert.Equal(t, "committed file", entry["msg"])
	assert.Equal(t, "topics/orders/0/0-2", entry["path"])
}

func TestNewLoggerWithWriter_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("hidden")
	logger.Debug("hidden")
	logger.Warn("backing off", "partition", 3)

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, "backing off")
	assert.Contains(t, output, "partition=3")
}
