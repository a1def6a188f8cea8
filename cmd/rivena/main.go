package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/chikingsley/rivena/internal/app"
	"github.com/chikingsley/rivena/internal/config"
	"github.com/chikingsley/rivena/internal/coordinator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(2)
	}
	logger := app.NewLogger(os.Stderr, cfg)
	slog.SetDefault(logger)

	res, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: res.API.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	res.Coordinator.StartStatusPoller(runCtx, cfg.StatusPollInterval)

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "voicebot_url", cfg.VoicebotURL, "rtvi_client", cfg.RTVIClient)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-listenErr:
		logger.Error("listen error", "error", err)
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	if err := res.Coordinator.EndSession(shutdownCtx); err != nil && !errors.Is(err, coordinator.ErrNoActiveSession) {
		logger.Warn("end session on shutdown failed", "error", err)
	}

	logger.Info("shutdown complete")
}
