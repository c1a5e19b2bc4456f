package engine

import (
	"fmt"

	"github.com/pallet-run/palletd/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from the logging config, defaulting to JSON
// production encoding with the configured level.
func NewLogger(cfg config.LoggingConfig) (*zap.SugaredLogger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = cfg.Encoding

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("engine: parse log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("engine: build logger: %w", err)
	}
	return logger.Sugar(), nil
}
