// Package log builds the zap loggers the library and its CLI use.
//
// Two variants:
//   - New: structured JSON logger for long-running processes
//   - NewDevelopment: console logger for the CLI and debugging
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger writing to stderr at the given level.
func New(level zapcore.Level) *zap.Logger {
	return newWithWriter(level, os.Stderr)
}

// NewDevelopment returns a human-readable console logger, debug level.
func NewDevelopment() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// WithWriter returns a JSON logger writing to w. Used by tests to capture
// output.
func WithWriter(level zapcore.Level, w io.Writer) *zap.Logger {
	return newWithWriter(level, w)
}

func newWithWriter(level zapcore.Level, w io.Writer) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		level,
	)
	return zap.New(core)
}
