// Package app wires configuration into the store, gateway, brokers and
// services shared by the server and the paysync tool.
package app

import (
	"context"
	"fmt"

	"greencart/config"
	"greencart/internal/broker"
	"greencart/internal/gateway"
	"greencart/internal/redisclient"
	"greencart/internal/service"
	"greencart/internal/store"
	"greencart/internal/util"

	"go.uber.org/zap"
)

// App holds the long-lived dependencies of one process
type App struct {
	Config    *config.Config
	Store     *store.Store
	Redis     *redisclient.Client
	Producer  *broker.Producer
	Publisher *broker.EventPublisher

	Cart       *service.CartService
	Checkout   *service.CheckoutService
	Orders     *service.OrderService
	Payments   *service.PaymentService
	Refunds    *service.RefundService
	Webhooks   *service.WebhookProcessor
	Reconciler *service.Reconciler

	closers []func() error
}

// New connects to Postgres, Redis and Kafka and builds the services
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := util.GetLogger()
	a := &App{Config: cfg}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	a.Store = db
	a.closers = append(a.closers, db.Close)
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.WebhookTTL, cfg.Redis.LockTTL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Redis = rc
	a.closers = append(a.closers, rc.Close)
	logger.Info("Redis connected")

	a.Producer = broker.NewProducer(cfg.Kafka.Brokers)
	a.closers = append(a.closers, a.Producer.Close)
	a.Publisher = broker.NewEventPublisher(a.Producer, broker.Topics{
		Order:   cfg.Kafka.TopicOrder,
		Payment: cfg.Kafka.TopicPayment,
		Replay:  cfg.Kafka.TopicReplay,
	})
	logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

	currencies := gateway.NewCurrencyConfig(cfg.Gateway.Currency, cfg.Gateway.ZeroDecimalCurrencies)
	gw := gateway.NewStripeGateway(gateway.StripeConfig{
		SecretKey:         cfg.Gateway.SecretKey,
		WebhookSecret:     cfg.Gateway.WebhookSecret,
		Timeout:           cfg.Gateway.Timeout,
		MaxNetworkRetries: cfg.Gateway.MaxNetworkRetries,
		APIURL:            cfg.Gateway.APIURL,
		Currencies:        currencies,
	})

	ledger := service.NewInventoryLedger()
	a.Cart = service.NewCartService(db)
	a.Checkout = service.NewCheckoutService(db, ledger, a.Publisher, cfg.Business.OrderNumberPrefix, cfg.Business.Location)
	a.Orders = service.NewOrderService(db, ledger, a.Publisher)
	a.Payments = service.NewPaymentService(db, gw, cfg.Gateway.Currency, a.Publisher, a.Orders)
	a.Refunds = service.NewRefundService(db, gw, a.Payments, currencies, a.Publisher)
	a.Webhooks = service.NewWebhookProcessor(db, gw, a.Payments, a.Refunds, rc, a.Publisher)
	a.Reconciler = service.NewReconciler(db, gw, a.Payments, a.Refunds, rc, a.Publisher)

	return a, nil
}

// Close releases connections in reverse order of creation
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			util.GetLogger().Warn("Error during shutdown", zap.Error(err))
		}
	}
	a.closers = nil
}

// LoadConfig loads and validates configuration
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
