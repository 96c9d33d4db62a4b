package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/one2onelove/billing-sync/api/auth"
	"github.com/one2onelove/billing-sync/api/config"
	"github.com/one2onelove/billing-sync/api/database"
	"github.com/one2onelove/billing-sync/api/metrics"
	stripeapp "github.com/one2onelove/billing-sync/api/services/stripe/app"
	stripedb "github.com/one2onelove/billing-sync/api/services/stripe/db"
	"github.com/one2onelove/billing-sync/api/services/stripe/dedupe"
	stripegw "github.com/one2onelove/billing-sync/api/services/stripe/gateway/stripe"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc/health"
)

var (
	stripeService stripeapp.Service
	store         *stripedb.Store
	verifier      *auth.Verifier
	collector     = metrics.New()
	healthServer  = health.NewServer()
	redisClient   *redis.Client

	initOnce sync.Once
	initErr  error
)

// Init initializes config, database, and third-party clients, and wires services.
func Init() error {
	// If a service has already been injected (e.g., tests), do not override or init heavy deps.
	if stripeService != nil {
		return nil
	}
	var err error
	if config.AppConfig == nil {
		config.AppConfig, err = config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := config.AppConfig

	if err := database.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	store = stripedb.New(database.GetDB())

	var deduper dedupe.Deduper = dedupe.Noop{}
	if cfg.RedisURL != "" {
		redisClient, err = dedupe.Connect(context.Background(), cfg.RedisURL)
		if err != nil {
			// The event ledger still de-duplicates replays without Redis.
			slog.Warn("redis unavailable, webhook claims disabled", "err", err)
		} else {
			deduper = dedupe.NewRedis(redisClient, dedupe.DefaultOptions())
		}
	}

	stripegw.SetKey(cfg.StripeSecretKey)
	verifier = auth.NewVerifier(cfg.SupabaseJWTSecret)

	prices := stripeapp.PlanPricesFromConfig(cfg.PriceIDs())
	if len(prices) == 0 {
		slog.Warn("no plan prices configured, checkout will reject every plan")
	}
	stripeService = stripeapp.NewService(store, stripegw.New(), stripeapp.Options{
		WebhookSecret: cfg.StripeWebhookSecret,
		Prices:        prices,
		SuccessURL:    cfg.CheckoutSuccessURL,
		CancelURL:     cfg.CheckoutCancelURL,
		Deduper:       deduper,
		Metrics:       collector,
	})
	return nil
}

func GetStripeService() stripeapp.Service { return stripeService }

// SetStripeService allows tests to inject a stub implementation.
func SetStripeService(s stripeapp.Service) { stripeService = s }

// GetStore returns the database store, nil until Init succeeds.
func GetStore() *stripedb.Store { return store }

// GetVerifier returns the session token verifier. Before Init it rejects every token.
func GetVerifier() *auth.Verifier {
	if verifier == nil {
		return auth.NewVerifier("")
	}
	return verifier
}

// SetVerifier allows tests to inject a verifier with a known secret.
func SetVerifier(v *auth.Verifier) { verifier = v }

func GetMetrics() *metrics.Collector { return collector }

func GetHealthServer() *health.Server { return healthServer }

// GetRedis returns the Redis client backing webhook claims, or nil.
func GetRedis() *redis.Client { return redisClient }

// Ensure runs Init() once per process and returns any initialization error.
func Ensure() error {
	initOnce.Do(func() {
		initErr = Init()
	})
	return initErr
}

// Close releases clients opened by Init.
func Close() {
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if db := database.GetDB(); db != nil {
		_ = db.Close()
	}
}
