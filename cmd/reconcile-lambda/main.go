// Command reconcile-lambda consumes the reconciliation queue and alerts the operator.
package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/buddiz/checkout/internal/app"
	"github.com/buddiz/checkout/internal/config"
	"github.com/buddiz/checkout/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.ServiceName+"-reconcile", cfg.Development)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to build reconciliation intake", zap.Error(err))
	}
	defer a.Close()

	lambda.Start(a.Intake.HandleSQSEvent)
}
