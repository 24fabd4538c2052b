package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelInfo), WithService("svc"))
	logger.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.FixedZone("x", 3600)) }

	logger.Debug("skip")
	assert.Zero(t, buf.Len(), "debug is below info")

	logger.Info("account synced", "correlation_id", "abc", "account_id", "acc-1", "units", 3)
	entry := decodeLastLog(t, buf.Bytes())

	assert.Equal(t, "account synced", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "svc", entry["service"])
	assert.Equal(t, "abc", entry["correlation_id"])
	assert.Equal(t, "2026-03-02T11:00:00Z", entry["timestamp"])

	fields := entry["fields"].(map[string]any)
	assert.Equal(t, "acc-1", fields["account_id"])
	assert.Equal(t, float64(3), fields["units"])
	assert.NotContains(t, fields, "correlation_id")
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf))

	logger.Warn("refresh failed: access_token=abc123secret",
		"error", errors.New("upstream said refresh_token=xyz789"),
		"header", "Bearer sk-live-0123456789")

	out := buf.String()
	assert.NotContains(t, out, "abc123secret")
	assert.NotContains(t, out, "xyz789")
	assert.NotContains(t, out, "sk-live-0123456789")
}

func TestLoggerKeepsMessageWhenFieldCannotEncode(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelDebug))

	logger.Error("bad field", "callback", func() {})
	entry := decodeLastLog(t, buf.Bytes())
	assert.Equal(t, "bad field", entry["message"])
	fields := entry["fields"].(map[string]any)
	assert.Contains(t, fields, "marshal_error")
}

func TestSplitFields(t *testing.T) {
	cid, fields := splitFields([]any{"correlation_id", "cid", "units", 1, 42, "skipped", "dangling"})
	assert.Equal(t, "cid", cid)
	assert.Equal(t, map[string]any{"units": 1}, fields)

	cid, fields = splitFields(nil)
	assert.Empty(t, cid)
	assert.Nil(t, fields)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":    LevelDebug,
		" WARNING": LevelWarn,
		"warn":     LevelWarn,
		"Error":    LevelError,
		"":         LevelInfo,
		"verbose":  LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
	assert.Equal(t, "unknown", LogLevel(9).String())
	assert.True(t, NewLogger(WithLevel(LevelWarn)).Enabled(LevelError))
	assert.False(t, NewLogger(WithLevel(LevelWarn)).Enabled(LevelInfo))
}

func decodeLastLog(t *testing.T, data []byte) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.NotEmpty(t, lines[len(lines)-1], "no log output")
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}
