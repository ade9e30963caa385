package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"knowledge-agent/handler"
	"knowledge-agent/internal/app"
	"knowledge-agent/internal/config"
	"knowledge-agent/internal/logger"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		boot := logger.New(false)
		boot.Error("config_load_failed", zap.Error(err))
		os.Exit(1)
	}

	log := logger.New(cfg.Debug)
	defer func() { _ = log.Sync() }()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("app_build_failed", zap.Error(err))
		os.Exit(1)
	}

	h, err := handler.NewHandler(a.Gate, a.Sessions, log.Named("handler"))
	if err != nil {
		log.Error("handler_create_failed", zap.Error(err))
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
