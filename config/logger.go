// ABOUTME: Builds the process zap logger from the app config
// ABOUTME: JSON output in production, console output in dev mode, always on stderr
package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger(app *AppConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(app.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", app.LogLevel, err)
	}

	cfg := zap.NewProductionConfig()
	if app.DevMode {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
