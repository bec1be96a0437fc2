// Command migrate creates the PostgreSQL schema when that backend is selected and
// seeds the beer catalogue into the configured store.
package main

import (
	"context"
	"database/sql"
	"log"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/buddiz/checkout/internal/app"
	"github.com/buddiz/checkout/internal/config"
	"github.com/buddiz/checkout/internal/observability"
	"github.com/buddiz/checkout/internal/orders"
	"github.com/buddiz/checkout/internal/store/postgres"
)

const initialStock = 100

var beers = []orders.Product{
	{ID: "1", Name: "Golden Retriever Ale", Price: decimal.RequireFromString("6.50")},
	{ID: "2", Name: "Barking Stout", Price: decimal.RequireFromString("7.50")},
	{ID: "3", Name: "Hoppy Hound IPA", Price: decimal.RequireFromString("7.00")},
	{ID: "4", Name: "Pug Porter", Price: decimal.RequireFromString("6.80")},
	{ID: "5", Name: "Husky Lager", Price: decimal.RequireFromString("5.50")},
	{ID: "6", Name: "Bulldog Bitter", Price: decimal.RequireFromString("6.00")},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.ServiceName+"-migrate", cfg.Development)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	if cfg.StoreBackend == config.BackendPostgres {
		if err := createSchema(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal("failed to create schema", zap.Error(err))
		}
		logger.Info("schema ready")
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer a.Close()

	for _, beer := range beers {
		beer.Stock = initialStock
		if err := a.Store.PutProduct(ctx, &beer); err != nil {
			logger.Error("failed to seed product", zap.String("product_id", beer.ID), zap.Error(err))
			continue
		}
		logger.Info("product seeded", zap.String("product_id", beer.ID), zap.String("name", beer.Name))
	}
}

func createSchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, postgres.Schema)
	return err
}
