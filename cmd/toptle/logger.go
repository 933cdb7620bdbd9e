package main

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Guliveer/toptle/internal/config"
)

// parseLevel maps a config level name to a zap level.
func parseLevel(name string) zapcore.Level {
	switch name {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}

// initLogger creates a zap logger based on the configuration.
// It writes human-readable lines to console and, if configured, JSON lines to
// a log file. stdout is left to the child.
func initLogger(cfg *config.Config, console io.Writer) (*zap.Logger, func()) {
	level := parseLevel(cfg.Logging.Level)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(console),
		level,
	)
	cores := []zapcore.Core{consoleCore}

	closeFile := func() {}
	var fileErr error
	if cfg.Logging.File != "" {
		file, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			fileErr = err
		} else {
			cores = append(cores, zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(file),
				level,
			))
			closeFile = func() { file.Close() }
		}
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if fileErr != nil {
		logger.Warn("Failed to open log file", zap.String("path", cfg.Logging.File), zap.Error(fileErr))
	}
	return logger, func() {
		_ = logger.Sync()
		closeFile()
	}
}
