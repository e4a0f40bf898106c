package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/common/config"
	"github.com/kandev/streambridge/internal/common/logger"
)

func bootstrap(opts *rootOptions) (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return cfg, log, nil
}

// cleanups runs release functions in reverse order of acquisition.
type cleanups []func() error

func (c *cleanups) add(fn func() error) {
	if fn != nil {
		*c = append(*c, fn)
	}
}

func (c *cleanups) run(log *logger.Logger) {
	for i := len(*c) - 1; i >= 0; i-- {
		if err := (*c)[i](); err != nil {
			log.Warn("cleanup failed", zap.Error(err))
		}
	}
}
