// Package logger provides a zap-based application logger.
package logger

import (
	"context"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the minimum severity a Logger emits.
type Level = zapcore.Level

// Supported log levels.
const (
	LevelDebug = zapcore.DebugLevel
	LevelInfo  = zapcore.InfoLevel
	LevelWarn  = zapcore.WarnLevel
	LevelError = zapcore.ErrorLevel
)

// TraceIDFn extracts the active trace id from a context, or "" when none.
type TraceIDFn func(ctx context.Context) string

// Logger wraps a sugared zap logger and stamps every record with the trace
// id found in the call's context.
type Logger struct {
	sugar     *zap.SugaredLogger
	traceIDFn TraceIDFn
}

// New builds a JSON logger writing to w.
func New(w io.Writer, minLevel Level, serviceName string, traceIDFn TraceIDFn) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	return newLogger(zapcore.NewJSONEncoder(encCfg), w, minLevel, serviceName, traceIDFn)
}

// NewDevelopment builds a human-readable console logger writing to w.
func NewDevelopment(w io.Writer, minLevel Level, serviceName string, traceIDFn TraceIDFn) *Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = "time"

	return newLogger(zapcore.NewConsoleEncoder(encCfg), w, minLevel, serviceName, traceIDFn)
}

func newLogger(enc zapcore.Encoder, w io.Writer, minLevel Level, serviceName string, traceIDFn TraceIDFn) *Logger {
	core := zapcore.NewCore(enc, zapcore.AddSync(w), minLevel)
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).
		With(zap.String("service", serviceName))

	return &Logger{sugar: z.Sugar(), traceIDFn: traceIDFn}
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// ParseLevel maps a textual level to a Level, falling back to info.
func ParseLevel(s string) Level {
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return LevelInfo
	}
	return lvl
}

// Debug logs at debug level with alternating key/value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, keysAndValues ...any) {
	l.write(ctx, LevelDebug, msg, keysAndValues)
}

// Info logs at info level with alternating key/value pairs.
func (l *Logger) Info(ctx context.Context, msg string, keysAndValues ...any) {
	l.write(ctx, LevelInfo, msg, keysAndValues)
}

// Warn logs at warn level with alternating key/value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, keysAndValues ...any) {
	l.write(ctx, LevelWarn, msg, keysAndValues)
}

// Error logs at error level with alternating key/value pairs.
func (l *Logger) Error(ctx context.Context, msg string, keysAndValues ...any) {
	l.write(ctx, LevelError, msg, keysAndValues)
}

// Sync flushes buffered records.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

func (l *Logger) write(ctx context.Context, lvl Level, msg string, kv []any) {
	if l == nil {
		return
	}
	if l.traceIDFn != nil && ctx != nil {
		if id := l.traceIDFn(ctx); id != "" {
			kv = append(kv, "trace_id", id)
		}
	}
	switch lvl {
	case LevelDebug:
		l.sugar.Debugw(msg, kv...)
	case LevelWarn:
		l.sugar.Warnw(msg, kv...)
	case LevelError:
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}
