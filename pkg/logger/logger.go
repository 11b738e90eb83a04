// Package logger holds the process-wide zap logger. Until Init runs it
// discards everything, so packages can log freely from tests.
package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"callsignal/pkg/config"
)

// Log is the global logger instance
var Log = zap.NewNop()

// Build creates a logger from cfg without installing it. Unknown levels
// fall back to info.
func Build(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if cfg.Output == "file" && cfg.FilePath != "" {
		zc.OutputPaths = []string{cfg.FilePath}
		zc.ErrorOutputPaths = []string{cfg.FilePath}
	} else {
		zc.OutputPaths = []string{"stdout"}
		zc.ErrorOutputPaths = []string{"stderr"}
	}

	return zc.Build(
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
}

// Init builds a logger from cfg and installs it globally
func Init(cfg config.LogConfig) error {
	l, err := Build(cfg)
	if err != nil {
		return err
	}
	Replace(l)
	return nil
}

// Replace installs l as the global logger
func Replace(l *zap.Logger) {
	Log = l
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FromContext returns the global logger tagged with the request id in ctx
func FromContext(ctx context.Context) *zap.Logger {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return Log.With(zap.String("request_id", requestID))
	}
	return Log
}

func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Log.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Log.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }

// Fatal logs and exits the process
func Fatal(msg string, fields ...zap.Field) { Log.Fatal(msg, fields...) }

// Named returns a child of the global logger for one component
func Named(name string) *zap.Logger {
	return Log.Named(name)
}

// With creates a child logger with additional fields
func With(fields ...zap.Field) *zap.Logger {
	return Log.With(fields...)
}

// Sync flushes any buffered log entries
func Sync() error {
	return Log.Sync()
}
