/**
 * @description
 * This is the main entry point for the reward-service.
 * It serves the pool and payout HTTP API and runs the scheduled close,
 * settlement and retry jobs in the same process.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Per-family settlement lock.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - pkg/rabbitmq: Publisher for payout outcome events.
 * - pkg/payments: Venmo and PayPal provider bindings.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/habithero/reward-service/internal/api"
	"github.com/habithero/reward-service/internal/app"
	"github.com/habithero/reward-service/internal/config"
	"github.com/habithero/reward-service/internal/store"
	"github.com/habithero/reward-service/pkg/payments"
	"github.com/habithero/reward-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, relying on environment variables")
	}

	// Load application configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Establish database connection with connection pool configuration
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	if cfg.RunMigrations {
		if err := store.RunMigrations(ctx, dbpool); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("database migrations applied")
	}

	var locker app.SettlementLocker
	if redisClient := connectRedis(logger, cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		locker = app.NewRedisSettlementLocker(redisClient, cfg.RedisLockPrefix, 0)
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		} else {
			publisher = producer
			logger.Info("rabbitmq producer connected")
		}
	}
	defer publisher.Close()

	dispatcher := payments.NewDispatcher(
		payments.NewVenmoClient(cfg.VenmoAPIBaseURL, cfg.VenmoAccessToken),
		payments.NewPayPalClient(cfg.PayPalAPIBaseURL, cfg.PayPalClientID, cfg.PayPalClientSecret, cfg.PayoutCurrency),
	)

	// Initialize dependencies
	repository := store.NewPostgresRepository(dbpool)
	service := app.NewService(repository, dispatcher, publisher, locker, logger, app.Options{
		MaxRetryAttempts:      cfg.MaxRetryAttempts,
		ContributionAmount:    cfg.WeeklyContributionCents,
		SettlementConcurrency: cfg.SettlementConcurrency,
		EventsExchange:        cfg.EventsExchange,
	})

	jobs := app.NewJobs(service, logger)
	scheduler := app.NewScheduler(jobs, logger, *cfg)
	scheduler.Start()
	logger.Info("scheduler started")

	handler := api.NewHandler(service, logger)
	router := api.NewRouter(handler, cfg.MemberJWTSecret, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}

	stopCtx := scheduler.Stop()
	<-stopCtx.Done() // Wait for running jobs to finish
	logger.Info("reward service stopped gracefully")
}

func connectRedis(logger *slog.Logger, redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		logger.Warn("redis url missing; settlement locking disabled", "env", "REDIS_URL")
		return nil
	}

	options, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; settlement locking disabled", "error", err)
		return nil
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; settlement locking disabled", "error", err)
		client.Close()
		return nil
	}

	logger.Info("redis connected")
	return client
}
