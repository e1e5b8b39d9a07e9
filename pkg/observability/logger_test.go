package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerEmitsEvent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))
	logger.now = func() time.Time { return time.Unix(100, 0).UTC() }

	event := Event{
		Level:     LevelWarn,
		Node:      "scheduler-a",
		Component: "scheduler",
		Event:     "offer_declined",
		Message:   "offer declined",
		Fields: map[string]interface{}{
			"reason": "insufficient_resources",
			"node":   "agent-1",
		},
	}
	require.NoError(t, logger.Log(context.Background(), event))

	entries := logs.All()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "offer declined", entry.Message)

	ctx := entry.ContextMap()
	assert.Equal(t, "offer_declined", ctx["event"])
	assert.Equal(t, "scheduler", ctx["component"])
	assert.Equal(t, "insufficient_resources", ctx["reason"])
	assert.Equal(t, time.Unix(100, 0).UTC(), ctx["event_ts"])
}

func TestZapLoggerUsesEventNameWithoutMessage(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := NewZapLogger(zap.New(core))

	require.NoError(t, logger.Log(context.Background(), Event{Event: "state_saved"}))
	// debug entries are filtered by the core
	require.NoError(t, logger.Log(context.Background(), Event{Level: LevelDebug, Event: "offer_evaluated"}))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "state_saved", entries[0].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
}

func TestZapLoggerRequiresBase(t *testing.T) {
	logger := NewZapLogger(nil)
	require.Error(t, logger.Log(context.Background(), Event{Event: "test"}))
}

func TestNewZap(t *testing.T) {
	logger, err := NewZap("debug", "json")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = NewZap("warn", "console")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = NewZap("loud", "json")
	require.Error(t, err)
	_, err = NewZap("info", "xml")
	require.Error(t, err)
}

func TestEventWithDoesNotMutateOriginal(t *testing.T) {
	base := Event{Event: "x", Fields: map[string]interface{}{"a": 1}}
	derived := base.With("b", 2)
	assert.Len(t, base.Fields, 1)
	assert.Len(t, derived.Fields, 2)
}
