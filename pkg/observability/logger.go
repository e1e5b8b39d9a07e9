package observability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger emits structured events to an underlying sink.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// ZapLogger writes events through a zap logger, one entry per event.
type ZapLogger struct {
	base *zap.Logger
	now  func() time.Time
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(base *zap.Logger) *ZapLogger {
	return &ZapLogger{base: base, now: time.Now}
}

// NewZap builds a zap logger for the given level and format. Format "json"
// selects the production encoder; "console" the development one.
func NewZap(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Log implements Logger by mapping the event onto a zap entry.
func (l *ZapLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.base == nil {
		return fmt.Errorf("zap logger is not configured")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	fields := make([]zap.Field, 0, len(event.Fields)+4)
	fields = append(fields, zap.String("event", event.Event), zap.Time("event_ts", event.Timestamp))
	if event.Node != "" {
		fields = append(fields, zap.String("node", event.Node))
	}
	if event.Component != "" {
		fields = append(fields, zap.String("component", event.Component))
	}
	keys := make([]string, 0, len(event.Fields))
	for k := range event.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, event.Fields[k]))
	}

	msg := event.Message
	if msg == "" {
		msg = event.Event
	}
	if ce := l.base.Check(zapLevel(event.Level), msg); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	if l == nil || l.base == nil {
		return nil
	}
	return l.base.Sync()
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

var _ Logger = (*ZapLogger)(nil)
var _ Logger = LoggerFunc(nil)
