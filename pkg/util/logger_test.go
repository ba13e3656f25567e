package util

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&buf, "logfmt", "info")
	require.NoError(t, err)

	ctx := InjectRequestID(context.Background(), "req-1")
	level.Info(LoggerWithContext(ctx, l)).Log("msg", "hello")
	assert.Contains(t, buf.String(), "request_id=req-1")
	assert.Contains(t, buf.String(), "msg=hello")

	buf.Reset()
	level.Info(LoggerWithContext(context.Background(), l)).Log("msg", "hello")
	assert.NotContains(t, buf.String(), "request_id")
}

func TestNewLoggerFiltersLevels(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&buf, "json", "warn")
	require.NoError(t, err)

	level.Info(l).Log("msg", "dropped")
	assert.Zero(t, buf.Len())
	level.Warn(l).Log("msg", "kept")
	assert.Contains(t, buf.String(), `"msg":"kept"`)
}

func TestNewLoggerRejectsUnknownOptions(t *testing.T) {
	_, err := NewLogger(&bytes.Buffer{}, "xml", "info")
	require.Error(t, err)
	_, err = NewLogger(&bytes.Buffer{}, "logfmt", "trace")
	require.Error(t, err)
}
