// Package main runs the user record HTTP service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/a-poor/userdb/config"
	"github.com/a-poor/userdb/service"
	"github.com/a-poor/userdb/telemetry"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("USERDB_CONFIG"), "path to a YAML config file (default: USERDB_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		config.Exitf("load config: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		config.Exitf("create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "userd", cfg.OTelEndpoint)
	if err != nil {
		logger.Fatal("set up tracing", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("shut down tracing", zap.Error(err))
		}
	}()

	svc, err := service.New(cfg, logger)
	if err != nil {
		logger.Fatal("start service", zap.Error(err))
	}
	if err := svc.Run(ctx); err != nil {
		logger.Error("service stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("service stopped")
}
