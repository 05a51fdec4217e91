package main

import (
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/config"
)

func newLogger(cfg *config.Config) (ectologger.Logger, func(), error) {
	var (
		zapLogger *zap.Logger
		err       error
	)
	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapCfg := zap.NewProductionConfig()
		level, parseErr := zap.ParseAtomicLevel(cfg.LogLevel)
		if parseErr != nil {
			return nil, nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, parseErr)
		}
		zapCfg.Level = level
		zapCfg.InitialFields = map[string]any{"service": cfg.AppName}
		zapLogger, err = zapCfg.Build()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), func() { _ = zapLogger.Sync() }, nil
}
