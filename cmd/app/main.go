package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notetaker/internal/botprovider"
	"notetaker/internal/bus"
	"notetaker/internal/cache"
	"notetaker/internal/config"
	"notetaker/internal/handlers"
	"notetaker/internal/httpserver"
	"notetaker/internal/logging"
	"notetaker/internal/metrics"
	"notetaker/internal/nlu"
	"notetaker/internal/notifier"
	"notetaker/internal/poller"
	"notetaker/internal/repo"
	"notetaker/internal/scheduler"
	"notetaker/internal/wa"
	"notetaker/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting notetaker", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	if err := repository.SyncGeminiKeys(ctx, cfg.GeminiAPIKeys); err != nil {
		return fmt.Errorf("sync gemini keys: %w", err)
	}

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	eventBus, err := bus.Connect(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer eventBus.Close()

	providerClient := botprovider.New(botprovider.Config{
		BaseURL: cfg.BotProviderBaseURL,
		APIKey:  cfg.BotProviderAPIKey,
		Timeout: cfg.BotProviderTimeout,
	}, logger, metricRegistry)

	nluClient := nlu.New(repository, eventBus, logger, metricRegistry, nlu.Config{
		Model:    cfg.GeminiModel,
		Timeout:  cfg.GeminiTimeout,
		Cooldown: cfg.GeminiCooldown,
	})

	signalProcessor := handlers.NewSignalProcessor(repository, nluClient, logger, metricRegistry)
	webhookHandler := botprovider.NewWebhookHandler(logger, metricRegistry, cfg.BotProviderWebhookSecret, signalProcessor)

	botScheduler := scheduler.New(repository, providerClient, logger, metricRegistry)

	statusPoller := poller.New(repository, providerClient, signalProcessor, logger, metricRegistry, poller.Config{
		Interval: cfg.PollInterval,
		Grace:    cfg.PollGrace,
		Batch:    cfg.PollBatch,
	})
	go statusPoller.Run(ctx)

	waClient, err := wa.New(ctx, wa.Config{
		StorePath: cfg.WhatsAppStorePath,
		LogLevel:  cfg.WhatsAppLogLevel,
		Metrics:   metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init whatsapp client: %w", err)
	}
	defer waClient.Close()

	waCtx, waCancel := context.WithCancel(ctx)
	defer waCancel()
	go func() {
		if err := waClient.Start(waCtx); err != nil {
			logger.Error("whatsapp client stopped", "error", err)
			stop()
		}
	}()

	summaryNotifier := notifier.New(repository, waClient, redisClient, logger, metricRegistry, notifier.Config{
		Delay:       cfg.NotifyDelay,
		Tick:        cfg.NotifyTick,
		MaxAttempts: cfg.NotifyMaxAttempts,
	})
	insightsSub, err := eventBus.SubscribeInsightsReady("notifier", summaryNotifier.HandleInsightsReady)
	if err != nil {
		return fmt.Errorf("subscribe insights ready: %w", err)
	}
	defer func() {
		if err := insightsSub.Unsubscribe(); err != nil {
			logger.Warn("failed unsubscribing insights ready", "error", err)
		}
	}()
	go summaryNotifier.Run(ctx)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		ProviderWebhook: webhookHandler,
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Repository: repository,
		Scheduler:  botScheduler,
		Poller:     statusPoller,
		NLU:        nluClient,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
