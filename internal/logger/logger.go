// Package logger provides the gateway's process-wide structured logger.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the global logger. It is a safe no-op until Initialize is called,
// so packages that log at init time never panic on a nil logger.
var Log = zap.NewNop().Sugar()

// Initialize replaces the global logger with a console or JSON logger
// depending on jsonOutput.
func Initialize(jsonOutput bool, level zapcore.Level) error {
	var zl *zap.Logger
	var err error

	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		zl, err = cfg.Build()
	} else {
		zl = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleEncoderConfig()),
			zapcore.Lock(zapcore.AddSync(os.Stdout)),
			level,
		))
	}
	if err != nil {
		return err
	}

	Log = zl.Sugar()
	return nil
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.TimeKey = "ts"
	return cfg
}

// Named returns a child logger tagged with the given component name,
// e.g. logger.Named("upstream").
func Named(name string) *zap.SugaredLogger {
	return Log.Named(name)
}

// VerbosityToLevel maps a CLI -v count (0-4) to a zap level, following the
// same convention across every gateway component.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= 0:
		return zapcore.WarnLevel
	case verbosity == 1:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
