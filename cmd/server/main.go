package main

import (
	"chat-ledger/internal/api/handlers"
	"chat-ledger/internal/app"
	"chat-ledger/internal/config"
	"chat-ledger/internal/events"
	"chat-ledger/internal/logger"
	"chat-ledger/internal/metrics"
	"chat-ledger/internal/ratelimit"
	"chat-ledger/internal/repository/db"
	"chat-ledger/internal/repository/memory"
	"chat-ledger/internal/repository/postgres"
	chatService "chat-ledger/internal/service/chat"
	"chat-ledger/internal/service/llm"
	"chat-ledger/internal/service/tokens"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		logger.Log.Debug("No .env file found, using environment")
	}

	appConfig, err := config.LoadConfig()
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load configuration")
	}
	logger.SetLevel(appConfig.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, appConfig); err != nil {
		logger.Log.WithError(err).Fatal("Server stopped with error")
	}
}

func run(ctx context.Context, appConfig *config.AppConfig) error {
	database, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer database.Close()

	if appConfig.Auth.Optional {
		if err := database.EnsureUser(ctx, appConfig.Auth.DefaultUserID, appConfig.Auth.DefaultUserEmail); err != nil {
			return fmt.Errorf("seeding default user: %w", err)
		}
		logger.Log.WithField("user_id", appConfig.Auth.DefaultUserID).Info("Auth optional, default identity enabled")
	}

	provider, err := llm.NewProvider(ctx, &appConfig.LLM, appConfig.Models)
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}

	counter, err := tokens.NewCounter(appConfig.Tokens.Counter, appConfig.Models.GetDefaultModel())
	if err != nil && counter == nil {
		return fmt.Errorf("creating token counter: %w", err)
	}
	if err != nil {
		logger.Log.WithError(err).Warn("Tokenizer unavailable, estimating token counts")
	}

	opts := []app.Option{
		app.WithProvider(provider),
		app.WithMetrics(metrics.New()),
		app.WithCounter(counter),
	}

	if len(appConfig.Kafka.Brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(appConfig.Kafka.Brokers, appConfig.Kafka.UsageTopic)
		if err != nil {
			return fmt.Errorf("connecting to kafka: %w", err)
		}
		defer publisher.Close()
		opts = append(opts, app.WithPublisher(publisher))
	} else {
		logger.Log.Info("No Kafka brokers configured, usage events disabled")
	}

	if appConfig.Redis.Addr != "" && appConfig.Redis.RateLimitPerMinute > 0 {
		client, err := ratelimit.NewRedisClient(appConfig.Redis.Addr, appConfig.Redis.Password, appConfig.Redis.DB)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer client.Close()
		limiter, err := ratelimit.NewFixedWindowLimiter(client, "", appConfig.Redis.RateLimitPerMinute, time.Minute)
		if err != nil {
			return err
		}
		opts = append(opts, app.WithLimiter(limiter))
	}

	cfg := app.NewConfig(database, appConfig, opts...)
	chat := chatService.NewChatService(database, cfg)

	srv := &http.Server{
		Addr:              ":" + appConfig.Server.Port,
		Handler:           handlers.NewRouter(cfg, chat),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.WithFields(logrus.Fields{
			"port":     appConfig.Server.Port,
			"provider": appConfig.LLM.Provider,
			"store":    appConfig.Database.Driver,
		}).Info("Server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Log.Warn("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Shutdown error")
	}

	// streams finish persisting after their response is written
	chat.Wait()
	logger.Log.Info("Server stopped")
	return nil
}

func openStore(ctx context.Context, appConfig *config.AppConfig) (db.Database, error) {
	if appConfig.Database.Driver == "memory" {
		logger.Log.Warn("Using in-memory store, data is lost on restart")
		return memory.NewStore(), nil
	}

	logger.Log.Info("Initializing database...")
	pg, err := postgres.NewPostgresDB(ctx, appConfig.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pg.RunMigrations(); err != nil {
		pg.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return pg, nil
}
