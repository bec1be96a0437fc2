// Package app assembles the checkout components from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/buddiz/checkout/internal/config"
	"github.com/buddiz/checkout/internal/lock"
	"github.com/buddiz/checkout/internal/notify"
	"github.com/buddiz/checkout/internal/orders"
	"github.com/buddiz/checkout/internal/payment"
	"github.com/buddiz/checkout/internal/reconcile"
	"github.com/buddiz/checkout/internal/store/dynamo"
	"github.com/buddiz/checkout/internal/store/memory"
	"github.com/buddiz/checkout/internal/store/postgres"
)

// App holds the wired components.
type App struct {
	Store      orders.Store
	Dispatcher *orders.Dispatcher
	Intake     *reconcile.Intake

	closers []func()
}

// Close releases connections opened by Build.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Build wires the checkout from cfg. AWS clients are created only when a component needs them.
func Build(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*App, error) {
	a := &App{}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	store, err := a.buildStore(ctx, cfg, logger, loadAWS)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store

	var sender orders.Notifier = notify.NewLogNotifier(logger)
	if cfg.SenderEmail != "" {
		awsc, err := loadAWS()
		if err != nil {
			a.Close()
			return nil, err
		}
		sender = notify.NewSESNotifier(sesv2.NewFromConfig(awsc), cfg.SenderEmail, logger)
	}

	var reporter orders.Reporter = reconcile.NewLogReporter(logger)
	switch {
	case cfg.DTMServer != "" && cfg.ReconcileCallbackURL != "":
		reporter = reconcile.NewDTMReporter(cfg.DTMServer, cfg.ReconcileCallbackURL, logger)
	case cfg.ReconcileQueueURL != "":
		awsc, err := loadAWS()
		if err != nil {
			a.Close()
			return nil, err
		}
		reporter = reconcile.NewSQSReporter(sqs.NewFromConfig(awsc), cfg.ReconcileQueueURL, logger)
	}

	var locker orders.SettlementLock
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		locker = lock.NewRedis(rdb, cfg.SettleLockTTL)
	}

	payments := payment.NewClient(payment.Config{
		BaseURL:      cfg.PayPalBaseURL,
		ClientID:     cfg.PayPalClientID,
		ClientSecret: cfg.PayPalClientSecret,
		Timeout:      cfg.PayPalTimeout,
	}, logger)

	useCase := orders.NewCheckoutUseCase(store, payments, sender, reporter, locker, orders.Options{
		Currency:      cfg.Currency,
		ServiceFee:    cfg.ServiceFee,
		OperatorEmail: cfg.OperatorEmail,
		LegacyCapture: cfg.LegacyCapture,
	}, logger)

	a.Dispatcher = orders.NewDispatcher(useCase, otel.Tracer(cfg.ServiceName), logger)
	a.Intake = reconcile.NewIntake(sender, cfg.OperatorEmail, logger)
	return a, nil
}

func (a *App) buildStore(ctx context.Context, cfg config.AppConfig, logger *zap.Logger, loadAWS func() (aws.Config, error)) (orders.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil

	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		return postgres.New(pool, logger), nil

	default:
		awsc, err := loadAWS()
		if err != nil {
			return nil, err
		}
		return dynamo.New(dynamodb.NewFromConfig(awsc), cfg.OrdersTable, cfg.ProductsTable, logger), nil
	}
}
