package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulbase/haulbase/pkg/contextkeys"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("debug suppressed at info", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug message")
		assert.Zero(t, buf.Len())
	})

	t.Run("info written as json", func(t *testing.T) {
		buf.Reset()
		logger.Info("info message")
		entry := decodeLogLine(t, &buf)
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, "info message", entry["msg"])
	})

	t.Run("warn and error written", func(t *testing.T) {
		buf.Reset()
		logger.Warnf("warn %d", 1)
		assert.Contains(t, buf.String(), `"warn 1"`)

		buf.Reset()
		logger.Errorf("error %s", "two")
		assert.Contains(t, buf.String(), `"error two"`)
	})

	t.Run("set level applies to derived loggers", func(t *testing.T) {
		child := logger.WithField("component", "resolver")
		logger.SetLevel(DebugLevel)
		defer logger.SetLevel(InfoLevel)

		buf.Reset()
		child.Debugf("now %s", "visible")
		assert.Contains(t, buf.String(), "now visible")
		assert.Equal(t, DebugLevel, child.Level())
	})
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithField("user_id", 42).
		WithFields(map[string]interface{}{"role": "dispatcher", "company_id": 7}).
		WithError(errors.New("boom")).
		Info("resolved")

	entry := decodeLogLine(t, &buf)
	assert.Equal(t, float64(42), entry["user_id"])
	assert.Equal(t, "dispatcher", entry["role"])
	assert.Equal(t, float64(7), entry["company_id"])
	assert.Equal(t, "boom", entry["error"])

	assert.Same(t, logger, logger.WithError(nil))
}

func TestNewTextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTextLogger(InfoLevel, &buf)
	logger.WithField("scope", "all").Info("cache cleared")

	out := buf.String()
	assert.True(t, strings.Contains(out, "level=info"), out)
	assert.Contains(t, out, `msg="cache cleared"`)
	assert.Contains(t, out, "scope=all")
}

func TestNewDiscardLogger(t *testing.T) {
	logger := NewDiscardLogger()
	assert.NotPanics(t, func() {
		logger.Error("dropped")
	})
	assert.Equal(t, ErrorLevel, logger.Level())
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("missing logger falls back", func(t *testing.T) {
		assert.NotNil(t, GetLogger(context.Background()))
	})

	t.Run("stored logger returned", func(t *testing.T) {
		ctx := WithLogger(context.Background(), logger)
		assert.Same(t, logger, GetLogger(ctx))
	})

	t.Run("from context adds request and user ids", func(t *testing.T) {
		ctx := WithLogger(context.Background(), logger)
		ctx = contextkeys.WithRequestID(ctx, "req-123")
		ctx = contextkeys.WithUserID(ctx, 99)

		buf.Reset()
		FromContext(ctx).Info("checked")
		entry := decodeLogLine(t, &buf)
		assert.Equal(t, "req-123", entry["request_id"])
		assert.Equal(t, float64(99), entry["user_id"])
	})

	t.Run("from context without ids", func(t *testing.T) {
		buf.Reset()
		FromContext(WithLogger(context.Background(), logger)).Info("plain")
		entry := decodeLogLine(t, &buf)
		assert.NotContains(t, entry, "request_id")
		assert.NotContains(t, entry, "user_id")
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DebugLevel},
		{" DEBUG ", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.in))
		})
	}
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "debug", DebugLevel.String())
	assert.Equal(t, "info", InfoLevel.String())
	assert.Equal(t, "warn", WarnLevel.String())
	assert.Equal(t, "error", ErrorLevel.String())
	assert.Equal(t, "info", LogLevel(42).String())
}
