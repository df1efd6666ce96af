package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m), buf.String())
	return m
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "tetherd", slog.LevelInfo, FormatJSON)

	logger.With("component", "server").Info("session created",
		"session_id", "abc",
		"count", 3,
		"took", 2*time.Second,
		"error", errors.New("boom"))

	m := decodeLine(t, &buf)
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "session created", m["message"])
	assert.Equal(t, "tetherd", m["service"])
	assert.Equal(t, "server", m["component"])
	assert.Equal(t, "abc", m["session_id"])
	assert.Equal(t, float64(3), m["count"])
	assert.Equal(t, "2s", m["took"])
	assert.Equal(t, "boom", m["error"])
	assert.Contains(t, m, "time")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "", slog.LevelWarn, FormatJSON)

	logger.Info("hidden")
	logger.Debug("hidden")
	assert.Zero(t, buf.Len())

	logger.Error("shown")
	m := decodeLine(t, &buf)
	assert.Equal(t, "error", m["level"])
}

func TestGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "", slog.LevelDebug, FormatJSON)

	logger.WithGroup("sync").With("baseline", 4).Debug("tick",
		slog.Group("world", "version", 9))

	m := decodeLine(t, &buf)
	assert.Equal(t, "debug", m["level"])
	assert.Equal(t, float64(4), m["sync.baseline"])
	assert.Equal(t, float64(9), m["sync.world.version"])
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "", slog.LevelInfo, FormatConsole)
	logger.Info("listening", "addr", ":8080")

	out := buf.String()
	assert.Contains(t, out, "listening")
	assert.Contains(t, out, "addr=")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
