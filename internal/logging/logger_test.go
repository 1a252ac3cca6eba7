package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{
		Level:   level,
		Format:  "text",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{"default config", nil},
		{"json format", &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}}},
		{"text format", &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, NewLogger(tt.config))
		})
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	diskLogger := logger.WithDisk("mem0")
	diskLogger.Info("test message")
	assert.Contains(t, buf.String(), "disk=mem0")

	buf.Reset()
	diskLogger.WithHctx(3).Info("hctx message")
	out := buf.String()
	assert.Contains(t, out, "disk=mem0")
	assert.Contains(t, out, "hctx=3")
}

func TestLoggerWithRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithRequest(17, "write").Debug("processing request")

	out := buf.String()
	assert.Contains(t, out, "tag=17")
	assert.Contains(t, out, "op=write")
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithError(errors.New("test error")).Error("operation failed")
	assert.Contains(t, buf.String(), "test error")
}

func TestLoggerKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.Warn("refcount", "refs", 0, "cause", errors.New("underflow"), "dangling")

	out := buf.String()
	assert.Contains(t, out, "refs=0")
	assert.Contains(t, out, "underflow")
	assert.NotContains(t, out, "dangling")
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelWarn)

	logger.Info("hidden")
	logger.Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	logger.Errorf("shown %d", 2)
	assert.True(t, strings.Contains(buf.String(), "shown 2"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
}

func TestSetDefault(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	logger := newTestLogger(&buf, LevelDebug)
	SetDefault(logger)
	defer SetDefault(prev)

	assert.Same(t, logger, Default())
	Default().Debug("debug message", "key", "value")
	out := buf.String()
	assert.Contains(t, out, "debug message")
	assert.Contains(t, out, "key=value")
}

func TestViolation(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelError)

	logger.Violation("queue_rq", 2, 17, errors.New("boom"))
	out := buf.String()
	assert.Contains(t, out, "dispatch contract violated")
	assert.Contains(t, out, "op=queue_rq")
	assert.Contains(t, out, "hctx=2")
	assert.Contains(t, out, "tag=17")
	assert.Contains(t, out, "error=boom")

	buf.Reset()
	logger.Violation("exit_hctx", 1, -1, errors.New("busy"))
	out = buf.String()
	assert.Contains(t, out, "hctx=1")
	assert.NotContains(t, out, "tag=")
}

func TestAsyncWriterClose(t *testing.T) {
	var buf bytes.Buffer
	aw := newAsyncWriter(&buf, 4)

	n, err := aw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, aw.Close())
	assert.Equal(t, "hello", buf.String())

	_, err = aw.Write([]byte("late"))
	assert.Error(t, err)
}
