package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/buddiz/checkout/internal/app"
	"github.com/buddiz/checkout/internal/config"
	"github.com/buddiz/checkout/internal/observability"
	"github.com/buddiz/checkout/internal/orders"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.ServiceName, cfg.Development)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	shutdown, err := observability.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build checkout", zap.Error(err))
	}
	defer a.Close()

	handler := orders.NewFunctionURLHandler(a.Dispatcher, cfg.AllowedOrigin)
	lambda.Start(handler.Handle)
}
