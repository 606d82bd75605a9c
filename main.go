package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/app"
	"github.com/Kocoro-lab/research-copilot/internal/config"
)

func main() {
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configDir := config.Dir()
	cfgMgr, err := config.NewManager(configDir, logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.String("config_dir", configDir), zap.Error(err))
	}
	cfg := cfgMgr.Current()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build research service", zap.Error(err))
	}
	a.Watch(cfgMgr)

	// Hot reload is best effort; the service runs on the loaded config without it.
	if err := cfgMgr.Start(ctx); err != nil {
		logger.Warn("Config manager start failed", zap.Error(err))
	}

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	a.Start(bgCtx)

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: event streams stay open for the whole session.
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Research service listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down research service")
	case err := <-serveErr:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Drain sessions first so their terminal events reach open streams.
	if err := cfgMgr.Stop(); err != nil {
		logger.Warn("Config manager stop failed", zap.Error(err))
	}
	cancelBackground()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("Research service shutdown incomplete", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("RESEARCH_ENV") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
