package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/dhcgn/pst-export/config"
)

// Logger is the application logger together with the zap core behind it.
type Logger struct {
	*slog.Logger
	zap     *zap.Logger
	LogFile string
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// New builds a slog logger on top of zap. Console output uses zap's
// development encoder with coloured levels, json its production encoder.
// With a log dir every entry is also written to a timestamped file there.
func New(cfg config.Config) (*Logger, error) {
	var level zapcore.Level
	switch cfg.LogLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var logConfig zap.Config
	if cfg.LogFormat == "json" {
		logConfig = zap.NewProductionConfig()
	} else {
		logConfig = zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	logConfig.Level = zap.NewAtomicLevelAt(level)
	logConfig.DisableStacktrace = true

	var logFile string
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		logFile = filepath.Join(cfg.LogDir, fmt.Sprintf("pst-export-%s.log", time.Now().Format("20060102T150405")))
		logConfig.OutputPaths = append(logConfig.OutputPaths, logFile)
	}

	zl, err := logConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return &Logger{
		Logger:  slog.New(zapslog.NewHandler(zl.Core())),
		zap:     zl,
		LogFile: logFile,
	}, nil
}
