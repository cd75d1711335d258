package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coldchain/config"
	"coldchain/log"
	"coldchain/models"
	"coldchain/services"

	"go.uber.org/zap"
)

func main() {
	// Initialize structured logger
	logger := log.GetInstance()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize timezone; the weekday-dependent limits depend on it
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatal("Failed to load timezone", zap.String("timezone", cfg.Timezone), zap.Error(err))
	}
	time.Local = loc

	// Table store client
	store := services.NewStore(cfg.StoreURL, cfg.StoreKey, logger)

	// Outbound alert webhook
	webhook := services.NewWebhookDispatcher(cfg.WebhookURL, cfg.WebhookInterval, cfg.WebhookMaxAttempts, loc, logger)

	// Optional operator notifications
	var telegram *services.TelegramNotifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		telegram, err = services.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, logger)
		if err != nil {
			logger.Warn("Telegram notifier disabled", zap.Error(err))
			telegram = nil
		}
	}

	dispatchAlert := func(alert models.Alert) {
		webhook.Enqueue(alert)
		if telegram != nil &&
			(alert.Priority == models.PriorityCritica || alert.Priority == models.PrioritySistema) {
			go func() { _ = telegram.NotifyAlert(alert) }()
		}
	}

	alerts := services.NewAlertEngine(cfg, loc, dispatchAlert, logger)

	// Batched persistence queues
	telemetryWriter := services.NewBatchWriter("telemetry_logs", cfg.TelemetryFlushInterval,
		func(ctx context.Context, batch []interface{}) error {
			rows := make([]models.TelemetryRecord, 0, len(batch))
			for _, item := range batch {
				if row, ok := item.(models.TelemetryRecord); ok {
					rows = append(rows, row)
				}
			}
			return store.InsertTelemetry(ctx, rows)
		}, logger)

	doorWriter := services.NewBatchWriter("door_logs", cfg.DoorFlushInterval,
		func(ctx context.Context, batch []interface{}) error {
			rows := make([]models.DoorRecord, 0, len(batch))
			for _, item := range batch {
				if row, ok := item.(models.DoorRecord); ok {
					rows = append(rows, row)
				}
			}
			return store.InsertDoorEvents(ctx, rows)
		}, logger)

	states := services.NewStateManager(cfg, alerts, telemetryWriter, doorWriter, logger)
	cache := services.NewConfigCache(store, logger)
	gateways := services.NewGatewayMonitor(cfg, store, dispatchAlert, loc, logger)
	ingestor := services.NewIngestor(cfg, cache, states, gateways, loc, logger)
	health := services.NewHealthServer(cfg, states, gateways, cache, alerts, telemetryWriter, doorWriter, webhook, logger)

	// Bootstrap from the store before consuming
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := cache.Refresh(bootCtx); err != nil {
		logger.Warn("Starting with empty config cache", zap.Error(err))
	}
	if err := gateways.Reseed(bootCtx); err != nil {
		logger.Warn("Starting without reseeded gateway heartbeats", zap.Error(err))
	}
	if doorStates, err := store.FetchLastDoorStates(bootCtx); err != nil {
		logger.Warn("Starting without persisted door states", zap.Error(err))
	} else {
		states.SeedDoorStates(doorStates)
	}
	bootCancel()

	// Bus consumer
	rabbitMQ, err := services.NewRabbitMQService(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize RabbitMQ service", zap.Error(err))
	}

	if telegram != nil {
		if err := telegram.SendStartupMessage(); err != nil {
			logger.Warn("Failed to send startup message", zap.Error(err))
		}
	}

	logger.Info("Cold-chain telemetry processor started",
		zap.String("queue", cfg.RabbitMQQueue),
		zap.String("timezone", cfg.Timezone),
		zap.Float64("temp_max_default", cfg.TempMaxDefault),
		zap.Float64("temp_min_default", cfg.TempMinDefault),
		zap.Int("port", cfg.Port))

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background schedulers
	go cache.Run(ctx, cfg.ConfigRefreshInterval)
	go gateways.Run(ctx)
	go telemetryWriter.Run(ctx)
	go doorWriter.Run(ctx)
	go webhook.Run(ctx)
	go alerts.RunGC(ctx)
	go states.RunGC(ctx)
	go health.Run(ctx)

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- rabbitMQ.Consume(ctx, ingestor.HandlePayload)
	}()

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, stopping services")
	case err := <-consumerDone:
		if err != nil {
			logger.Error("Bus consumer stopped", zap.Error(err))
		}
	}

	// Stop the subscription first, then let the drains finish their final
	// flush. The telemetry queue gets one last write; the outbound alert
	// and door queues may be abandoned.
	cancel()
	_ = rabbitMQ.Close()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	telemetryWriter.Flush(flushCtx)
	flushCancel()

	logger.Info("Cold-chain telemetry processor stopped")
}
