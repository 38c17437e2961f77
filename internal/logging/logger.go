// Package logging wires the proxy's structured logging: call sites
// use log/slog, the sink is zap's production or development encoder,
// following Aidin1998-finalex's services/marketfeeds/common/logger
// wrapping of zap behind zapslog.
package logging

import (
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// New builds a slog.Logger over zap's production encoder (prod=true)
// or a colorized development encoder (prod=false), returning a sync
// func callers should defer at process shutdown.
func New(prod bool) (*slog.Logger, func() error) {
	var zapLogger *zap.Logger

	if prod {
		zapLogger = zap.Must(zap.NewProduction())
	} else {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapLogger = zap.Must(cfg.Build())
	}

	return slog.New(zapslog.NewHandler(zapLogger.Core())), zapLogger.Sync
}
