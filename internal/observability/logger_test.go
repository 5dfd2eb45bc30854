package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubrelay/dubrelay/internal/config"
)

func newTestLogger(t *testing.T, level, format string) (*slog.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: level, Format: format}, &buf)
	return logger, &buf
}

func TestLoggerLevels(t *testing.T) {
	logger, buf := newTestLogger(t, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerJSONFormat(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "json")

	logger.Info("hello", slog.String("stream_id", "demo"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, "demo", record["stream_id"])
}

func TestLoggerTextFormat(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "text")

	logger.Info("hello")

	assert.Contains(t, buf.String(), "msg=hello")
}

type stsCredentials struct {
	URL         string
	Credentials string
}

func TestLoggerRedactsCredentials(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "json")

	logger.Info("connecting", slog.Any("sts", stsCredentials{
		URL:         "http://sts:3000",
		Credentials: "super-secret-token",
	}))

	out := buf.String()
	assert.NotContains(t, out, "super-secret-token")
	assert.Contains(t, out, "http://sts:3000")
}

func TestWithHelpers(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "json")

	WithStream(WithComponent(WithApp(logger, "dubrelay"), "worker"), "demo").Info("up")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "dubrelay", record["app"])
	assert.Equal(t, "worker", record["component"])
	assert.Equal(t, "demo", record["stream_id"])
}

func TestWithErrorNil(t *testing.T) {
	logger, _ := newTestLogger(t, "info", "json")
	assert.Same(t, logger, WithError(logger, nil))
}

func TestParseLevelFallback(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
}
