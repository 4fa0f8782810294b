// Package logging wraps a process-wide zap logger for docvault.
//
// Backup workers log concurrently, so the logger is swapped atomically.
// Lines written for a run carry its run id; see WithRunID.
package logging

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var (
	current atomic.Pointer[zap.Logger]
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path (stderr is kept alongside a file)
}

// Init builds the process logger. An unknown level falls back to info.
func Init(cfg Config) error {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = outputs(cfg.OutputPath)

	l, err := zc.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	current.Store(l)
	return nil
}

func outputs(p string) []string {
	switch p {
	case "", "stderr":
		return []string{"stderr"}
	case "stdout":
		return []string{"stdout"}
	default:
		return []string{"stderr", p}
	}
}

// SetLogger replaces the process logger.
func SetLogger(l *zap.Logger) {
	current.Store(l)
}

// Sync flushes buffered entries.
func Sync() error {
	if l := current.Load(); l != nil {
		return l.Sync()
	}
	return nil
}

func get() *zap.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	// Nothing initialized yet: write plain production JSON to stderr.
	l, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	current.CompareAndSwap(nil, l)
	return current.Load()
}

// WithContext returns the logger stored in ctx, or the process logger.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return get()
}

// WithRunID returns a context whose logger tags every line with runID.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, WithContext(ctx).With(zap.String("run_id", runID)))
}

func Debug(msg string, fields ...zap.Field) { get().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { get().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { get().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { get().Error(msg, fields...) }

// Field helpers, so callers need not import zap.
func String(key, val string) zap.Field { return zap.String(key, val) }
func Int(key string, val int) zap.Field { return zap.Int(key, val) }
func Int64(key string, val int64) zap.Field { return zap.Int64(key, val) }
func Duration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
func Any(key string, val any) zap.Field { return zap.Any(key, val) }
func Err(err error) zap.Field { return zap.Error(err) }
