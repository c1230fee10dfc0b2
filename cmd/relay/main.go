package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/valinor-ai/relay/internal/cache"
	"github.com/valinor-ai/relay/internal/channels"
	"github.com/valinor-ai/relay/internal/channels/whatsapp"
	"github.com/valinor-ai/relay/internal/deadletter"
	"github.com/valinor-ai/relay/internal/dispatch"
	"github.com/valinor-ai/relay/internal/events"
	"github.com/valinor-ai/relay/internal/platform/config"
	"github.com/valinor-ai/relay/internal/platform/database"
	"github.com/valinor-ai/relay/internal/platform/server"
	"github.com/valinor-ai/relay/internal/platform/telemetry"
	"github.com/valinor-ai/relay/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logging
	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)

	slog.Info("relay starting",
		"version", "0.1.0",
		"port", cfg.Server.Port,
	)

	if cfg.Database.URL == "" {
		return errors.New("database url is required (RELAY_DATABASE_URL)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("connecting to database")
	pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	migrationsURL := fmt.Sprintf("file://%s", cfg.Database.MigrationsPath)
	if err := database.RunMigrations(cfg.Database.URL, migrationsURL); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("migrations complete")

	// Dead letters
	deadLetters := deadletter.NewAsyncLog(pool, deadletter.NewStore(), deadletter.LoggerConfig{
		BufferSize:    cfg.DeadLetter.BufferSize,
		BatchSize:     cfg.DeadLetter.BatchSize,
		FlushInterval: time.Duration(cfg.DeadLetter.FlushIntervalMS) * time.Millisecond,
		Logger:        logger,
	})
	defer deadLetters.Close()

	// Events
	bus := events.NewBus(cfg.Events.BufferSize, logger)
	defer bus.Close()

	var broker *events.AMQPPublisher
	if cfg.Events.AMQPURL != "" {
		broker, err = events.DialAMQP(cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
		if err != nil {
			return fmt.Errorf("connecting to broker: %w", err)
		}
		defer broker.Close()
		slog.Info("event broker connected", "exchange", cfg.Events.Exchange)
	}

	// Channels
	var storeOpts []channels.StoreOption
	if cfg.Channels.CredentialKey != "" {
		crypto, err := channels.NewCredentialCrypto(cfg.Channels.CredentialKey)
		if err != nil {
			return fmt.Errorf("loading credential key: %w", err)
		}
		storeOpts = append(storeOpts, channels.WithCredentialCrypto(crypto))
	} else {
		slog.Warn("channel credentials are stored unencrypted", "hint", "set RELAY_CHANNELS_CREDENTIALKEY")
	}
	store := channels.NewStore(pool, storeOpts...)
	resolver := channels.NewResolver(store,
		cache.NewLRU[channels.Connection](cfg.Resolver.CacheSize, time.Duration(cfg.Resolver.CacheTTLSeconds)*time.Second),
		channels.ProviderWhatsAppCloud,
		logger,
	)
	manager := channels.NewManager(channels.ManagerConfig{
		Source: store,
		Factories: map[channels.ProviderType]channels.Factory{
			channels.ProviderWhatsAppCloud: whatsapp.NewFactory(whatsapp.Config{
				APIBaseURL:         cfg.WhatsApp.APIBaseURL,
				APIVersion:         cfg.WhatsApp.APIVersion,
				Timeout:            time.Duration(cfg.WhatsApp.TimeoutSeconds) * time.Second,
				DefaultCountryCode: cfg.WhatsApp.DefaultCountryCode,
				TemplateLanguage:   cfg.WhatsApp.TemplateLanguage,
				Logger:             logger,
			}),
		},
		Publisher:   bus,
		Invalidator: resolver,
		Logger:      logger,
	})

	// Webhook ingest
	router := webhook.NewEventRouter(webhook.RouterConfig{
		Resolver:    resolver,
		Channels:    manager,
		Logger:      logger,
		MarkTimeout: time.Duration(cfg.Webhook.MarkTimeoutSeconds) * time.Second,
	})
	pipeline := webhook.NewPipeline(webhook.PipelineConfig{
		Resolver:  resolver,
		Router:    router,
		Validator: webhook.NewPayloadValidator(logger),
		AppSecret: cfg.WhatsApp.AppSecret,
		Logger:    logger,
	})
	processor := webhook.NewProcessor(webhook.ProcessorConfig{
		Workers:     cfg.Webhook.Workers,
		BufferSize:  cfg.Webhook.BufferSize,
		Handle:      pipeline.Process,
		DeadLetters: deadLetters,
		Logger:      logger,
	})
	verifyTokens := webhook.VerifyTokenLookupFunc(func(ctx context.Context, token string) (bool, error) {
		return store.HasVerifyToken(ctx, channels.ProviderWhatsAppCloud, token)
	})
	webhookHandler := webhook.NewHandler(webhook.HandlerConfig{
		Processor:     processor,
		Authenticator: pipeline,
		VerifyTokens:  verifyTokens,
		VerifyToken:   cfg.WhatsApp.VerifyToken,
		Throttle: webhook.NewThrottle(webhook.ThrottleConfig{
			PerSecond: cfg.Webhook.RateLimitPerSecond,
			Burst:     cfg.Webhook.RateLimitBurst,
		}),
		TrustForwardedFor: cfg.Webhook.TrustForwardedFor,
		VerifyBeforeAck:   cfg.Webhook.VerifyBeforeAck,
		MaxBodyBytes:      cfg.Webhook.MaxBodyBytes,
		DeadLetters:       deadLetters,
		Logger:            logger,
	})

	// Outbound dispatch
	queue := dispatch.NewQueue(queueConfig(cfg.Queue, dispatch.Config{
		Sender:      manager,
		Store:       dispatch.NewStore(pool),
		Publisher:   bus,
		DeadLetters: deadLetters,
		Logger:      logger,
	}))
	dispatchHandler := dispatch.NewHandler(queue, store, dispatch.NewValidator(), logger)

	// Create and start server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, server.Dependencies{
		DB:                 pool,
		WebhookHandler:     webhookHandler,
		DispatchHandler:    dispatchHandler,
		ChannelHandler:     channels.NewHandler(manager, logger),
		StreamHandler:      events.NewStreamHandler(bus, cfg.Server.CORSOrigins, logger),
		Logger:             logger,
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return queue.Run(gctx) })
	if broker != nil {
		sub := bus.Subscribe("amqp", nil)
		g.Go(func() error { return events.Forward(gctx, sub, broker, deadLetters, logger) })
	}
	g.Go(func() error { return srv.Start(gctx) })

	slog.Info("server ready", "addr", addr, "verify_before_ack", cfg.Webhook.VerifyBeforeAck)
	runErr := g.Wait()

	// The server and the processor have drained; finish in-flight sends and
	// mark-as-read calls before closing providers.
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	router.Wait()
	if err := queue.Shutdown(shutdownCtx); err != nil {
		slog.Warn("queue shutdown incomplete", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Warn("channel shutdown incomplete", "error", err)
	}

	slog.Info("relay stopped")
	return runErr
}

// queueConfig maps queue settings onto the dispatch configuration.
func queueConfig(qc config.QueueConfig, base dispatch.Config) dispatch.Config {
	base.Default = dispatch.RateLimitConfig{
		MessagesPerSecond: qc.MessagesPerSecond,
		BurstSize:         qc.BurstSize,
		Concurrency:       qc.Concurrency,
	}
	if len(qc.Classes) > 0 {
		base.Classes = make(map[string]dispatch.RateLimitConfig, len(qc.Classes))
		for name, c := range qc.Classes {
			base.Classes[name] = dispatch.RateLimitConfig{
				MessagesPerSecond: c.MessagesPerSecond,
				BurstSize:         c.BurstSize,
				Concurrency:       c.Concurrency,
			}
		}
	}
	base.MaxAttempts = qc.MaxAttempts
	base.BackoffBase = time.Duration(qc.BackoffMS) * time.Millisecond
	base.MaxDelay = time.Duration(qc.MaxDelayMS) * time.Millisecond
	base.KeepCompleted = qc.KeepCompleted
	base.KeepFailed = qc.KeepFailed
	return base
}
