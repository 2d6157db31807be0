package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/storefront/internal/config"
	"github.com/vasiliy-maslov/storefront/internal/db"
	"github.com/vasiliy-maslov/storefront/internal/handler"
	"github.com/vasiliy-maslov/storefront/internal/idempotency"
	"github.com/vasiliy-maslov/storefront/internal/identity"
	"github.com/vasiliy-maslov/storefront/internal/order"
	"github.com/vasiliy-maslov/storefront/internal/payments"
)

func main() {
	log.Logger = log.With().Str("service", "order-service").Logger()
	log.Info().Msg("Order service starting...")

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"), ".env")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg.App)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConn, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbConn.Close()

	if cfg.Postgres.MigrateOnStart {
		if err := dbConn.ApplyMigrations(ctx, cfg.Postgres); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
	}

	serviceOpts := []order.ServiceOption{
		order.WithAccountResolver(identity.NewAccountResolver(dbConn.Pool)),
		order.WithReturnWindow(cfg.ReturnWindow()),
	}

	confirmer, err := payments.NewStripeConfirmer(cfg.Stripe.SecretKey, nil)
	switch {
	case errors.Is(err, payments.ErrNotConfigured):
		log.Warn().Msg("Stripe is not configured, payment references will not be verified")
	case err != nil:
		log.Fatal().Err(err).Msg("Failed to set up Stripe")
	default:
		serviceOpts = append(serviceOpts, order.WithPaymentConfirmer(confirmer))
	}

	orderSvc := order.NewService(order.NewRepository(dbConn.Pool), serviceOpts...)

	deps := handler.RouterDeps{
		Orders: orderSvc,
		DB:     dbConn,
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTAlg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to set up token verifier")
		}
		deps.Authenticate = verifier.Optional
	} else {
		log.Warn().Msg("JWT_SECRET is empty, all callers are treated as guests")
	}

	store, closeStore := idempotencyStore(ctx, cfg.Redis)
	defer closeStore()
	deps.Idempotency = idempotency.Middleware(store, cfg.Redis.IdempotencyTTL)

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	log.Info().Msg("Order service stopped gracefully")
}

func setupLogger(cfg config.AppConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("env", cfg.Env).Logger()
}

// idempotencyStore returns the Redis store when REDIS_ADDR is set and the in-memory one otherwise.
func idempotencyStore(ctx context.Context, cfg config.RedisConfig) (idempotency.Store, func()) {
	if cfg.Addr == "" {
		log.Info().Msg("Idempotency keys kept in memory")
		return idempotency.NewMemoryStore(), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Addr).Msg("Failed to connect to Redis")
	}
	log.Info().Str("addr", cfg.Addr).Msg("Idempotency keys kept in Redis")

	return idempotency.NewRedisStore(rdb), func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
}
