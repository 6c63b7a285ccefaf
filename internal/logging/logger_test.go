package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevels(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LevelFatal, "FATAL"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"fatal", LevelFatal},
		{"unknown", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func newBufferLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(&Config{Level: level})
	l.SetOutput(&buf)
	return l, &buf
}

func TestLoggerOutput(t *testing.T) {
	logger, buf := newBufferLogger(LevelDebug)

	logger.Info("test message %d", 42)

	out := buf.String()
	assert.Contains(t, out, "INF")
	assert.Contains(t, out, "test message 42")
}

func TestLoggerLevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(LevelWarn)

	logger.Debug("hidden debug")
	logger.Info("hidden info")
	logger.Warn("visible warn")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible warn")
}

func TestSetLevel(t *testing.T) {
	logger, buf := newBufferLogger(LevelInfo)

	logger.Debug("before")
	logger.SetLevel(LevelDebug)
	logger.Debug("after")

	out := buf.String()
	assert.NotContains(t, out, "before")
	assert.Contains(t, out, "after")
}

func TestWithComponentAndFields(t *testing.T) {
	logger, buf := newBufferLogger(LevelDebug)

	logger.WithComponent("router").
		WithField("request_id", "r-1").
		WithFields(map[string]interface{}{"provider": "local"}).
		Info("selected")

	out := buf.String()
	assert.Contains(t, out, "component=router")
	assert.Contains(t, out, "request_id=r-1")
	assert.Contains(t, out, "provider=local")
	assert.Contains(t, out, "selected")
}

func TestDerivedLoggerDoesNotMutateParent(t *testing.T) {
	logger, buf := newBufferLogger(LevelDebug)

	_ = logger.WithField("leak", "yes")
	logger.Info("parent line")

	assert.NotContains(t, buf.String(), "leak=yes")
}

func TestDerivedLoggersShareOutput(t *testing.T) {
	logger, _ := newBufferLogger(LevelDebug)
	child := logger.WithComponent("child")

	var redirected bytes.Buffer
	logger.SetOutput(&redirected)
	child.Info("after redirect")

	assert.Contains(t, redirected.String(), "after redirect")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agentcore.log")

	logger, _ := newBufferLogger(LevelInfo)
	require.NoError(t, logger.SetFileOutput(path))
	logger.Info("persisted line")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "persisted line")
	assert.False(t, strings.Contains(string(data), "\x1b["), "file output should carry no ANSI codes")
}

func TestSQLTruncates(t *testing.T) {
	logger, buf := newBufferLogger(LevelDebug)

	logger.SQL("SELECT   *\n FROM sessions WHERE id = ?", "s1")

	assert.Contains(t, buf.String(), "SQL: SELECT * FROM sessions WHERE id = ?")
}
