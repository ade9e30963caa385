package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"knowledge-agent/handler"
	"knowledge-agent/internal/app"
	"knowledge-agent/internal/config"
	"knowledge-agent/internal/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.New(false).Error("config_load_failed", zap.Error(err))
		return err
	}
	log := logger.New(cfg.Debug)
	defer func() { _ = log.Sync() }()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("app_build_failed", zap.Error(err))
		return err
	}

	router, err := handler.NewRouter(handler.RouterDeps{
		Asker:    a.Gate,
		Sessions: a.Sessions,
		Health:   a.Health,
		Logger:   log.Named("http"),
	})
	if err != nil {
		log.Error("router_create_failed", zap.Error(err))
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http_server_started", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("http_server_failed", zap.Error(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_shutdown_incomplete", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.Warn("app_close_incomplete", zap.Error(err))
	}
	log.Info("http_server_stopped")
	return nil
}
