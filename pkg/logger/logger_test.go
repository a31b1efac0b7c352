package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug").Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn").Desugar().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("not-a-level").Desugar().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, New("not-a-level").Desugar().Core().Enabled(zapcore.DebugLevel))
}

func TestContextLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithTraceID(ctx, "trace-1")
	cl.LogInfo(ctx, "hello")

	entries := logs.All()
	assert.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "trace-1", fields["trace_id"])
}

func TestContextLogger_NoFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)
	cl := NewContextLogger(base)

	cl.LogRequest(context.Background(), "GET", "/health", 200, 3)
	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "GET", logs.All()[0].ContextMap()["method"])
}
