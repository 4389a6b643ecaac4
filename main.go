package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-enrollment/internal/auth"
	"ms-enrollment/internal/config"
	"ms-enrollment/internal/database/migrations"
	"ms-enrollment/internal/gateway"
	"ms-enrollment/internal/kafka"
	"ms-enrollment/internal/logger"
	"ms-enrollment/internal/reconcile"
	"ms-enrollment/internal/reconcile/api"
	"ms-enrollment/internal/reconcile/db"
	rediswrap "ms-enrollment/internal/reconcile/redis"
)

func verifyConnections(ctx context.Context, cfg *config.Config, logger *logger.Logger) (*bun.DB, *redis.Client) {
	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		logger.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.Ping()
		if err == nil {
			break
		}

		logger.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}

	if err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	logger.Info("DATABASE", "✅ PostgreSQL connection successful")

	bunDB := bun.NewDB(sqldb, pgdialect.New())

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	logger.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s", cfg.Redis.Addr))

	return bunDB, redisClient
}

func main() {
	logger := logger.NewLogger()
	defer logger.Close()

	logger.Info("APP", "Starting Enrollment Service initialization")

	if err := godotenv.Load(); err != nil {
		logger.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		logger.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	ctx := context.Background()

	logger.Info("APP", "Verifying database connections")
	bunDB, redisClient := verifyConnections(ctx, cfg, logger)
	defer bunDB.Close()
	defer redisClient.Close()

	if cfg.Database.AutoMigrate {
		logger.Info("DATABASE", "Auto-migration enabled, applying schema")
		runner := migrations.NewRunner(bunDB, migrations.DefaultOptions())
		if err := runner.Run(); err != nil {
			logger.Fatal("DATABASE", fmt.Sprintf("Migration failed: %v", err))
		}
	}

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics)
		logger.Info("KAFKA", "Kafka producer initialized successfully")

		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, kafka.TopicList(cfg.Kafka.Topics)); err != nil {
			logger.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			logger.Info("KAFKA", "Required topics ensured successfully")
		}
	} else {
		producer = kafka.NewDisabledProducer()
		logger.Warn("KAFKA", "Kafka disabled, lifecycle events will be dropped")
	}
	defer producer.Close()

	gatewayClient, err := gateway.NewClient(cfg.Gateway, logger)
	if err != nil {
		logger.Fatal("GATEWAY", fmt.Sprintf("Failed to create gateway client: %v", err))
	}

	if cfg.Gateway.WebhookSecret == "" {
		logger.Warn("GATEWAY", "GATEWAY_WEBHOOK_SECRET not set, all webhook deliveries will be rejected")
	}

	service := reconcile.NewService(
		&db.DB{Bun: bunDB},
		gatewayClient,
		producer,
		rediswrap.NewDedupe(redisClient),
		logger,
	)

	handler := api.NewHandler(service, cfg.Gateway.WebhookSecret, logger)

	logger.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()

	var authMiddleware func(http.Handler) http.Handler
	if os.Getenv("AUTH_DEV_MODE") == "true" {
		logger.Warn("AUTH", "Dev-mode auth enabled, tokens are NOT verified")
		authMiddleware = auth.DevMiddleware()
	} else {
		authMiddleware = auth.Middleware()
		logger.Info("AUTH", "OIDC middleware applied to protected API routes")
	}
	handler.Routes(r, authMiddleware)
	logger.Info("ROUTER", "Checkout and order routes registered under /api")

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP", fmt.Sprintf("🚀 Enrollment Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	logger.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	}
	logger.Info("APP", "Enrollment Service stopped")
}
