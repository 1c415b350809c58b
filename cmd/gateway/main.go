package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/stockalert/internal/api"
	"github.com/lalithlochan/stockalert/internal/circuitbreaker"
	"github.com/lalithlochan/stockalert/internal/config"
	"github.com/lalithlochan/stockalert/internal/db"
	"github.com/lalithlochan/stockalert/internal/metrics"
	"github.com/lalithlochan/stockalert/internal/notify"
	"github.com/lalithlochan/stockalert/internal/observ"
	"github.com/lalithlochan/stockalert/internal/redis"
	"github.com/lalithlochan/stockalert/internal/sns"
	"github.com/lalithlochan/stockalert/internal/sqs"
	"github.com/lalithlochan/stockalert/internal/worker"
)

const version = "v1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting stockalert gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("version", version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observ.SetupTracing(ctx, observ.TracingConfig{
		Endpoint: cfg.OTLPEndpoint,
		Insecure: !cfg.IsProduction(),
		Version:  version,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)
	settings := db.NewCachedSettings(repo, cfg.SettingsCacheTTL)

	// Redis backs webhook dedupe and subscribe rate limiting; both are optional
	handlerOpts := []api.Option{api.WithHealthCheck("postgres", database.Health)}
	var rateLimiter *redis.RateLimiter
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, webhook dedupe and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.SubscribeRateLimit,
			Window: cfg.SubscribeRateWindow,
		})
		handlerOpts = append(handlerOpts,
			api.WithWebhookDeduper(redis.NewWebhookDeduper(redisClient, logger)),
			api.WithHealthCheck("redis", redisClient.Ping),
		)
	}

	sender, err := newMailSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var dispatcherOpts []worker.DispatcherOption
	if cfg.AlertsTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, sns.Config{Region: cfg.AWSRegion, TopicARN: cfg.AlertsTopicARN}, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, failure alerts disabled", zap.Error(err))
		} else {
			dispatcherOpts = append(dispatcherOpts, worker.WithFailureNotifier(publisher))
		}
	}
	if cfg.DeliveryEventsQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{Region: cfg.AWSRegion, QueueURL: cfg.DeliveryEventsQueueURL}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, delivery events will not be exported", zap.Error(err))
		} else {
			dispatcherOpts = append(dispatcherOpts, worker.WithDeliveryExporter(producer))
		}
	}

	dispatcher := worker.NewDispatcher(repo, repo, settings, sender, worker.DispatcherConfig{
		BatchSize:   cfg.QueueBatchSize,
		RetryDelay:  cfg.QueueRetryDelay,
		Concurrency: cfg.QueueConcurrency,
	}, logger, dispatcherOpts...)

	driver := worker.NewDriver(dispatcher, repo, worker.DriverConfig{
		PollInterval:    cfg.QueuePollInterval,
		CleanupInterval: cfg.QueueCleanupInterval,
		Retention:       cfg.QueueRetention,
		StaleAfter:      cfg.QueueStaleAfter,
		CronCleanupHour: cfg.QueueCronCleanupHour,
	}, logger)

	service := notify.NewService(repo, settings, logger)
	handler := api.NewHandler(logger, service, driver, handlerOpts...)
	router := api.NewRouter(handler, api.RouterConfig{
		CronSecret:    cfg.CronSecret,
		WebhookSecret: cfg.ShopifyWebhookSecret,
		CORSOrigins:   cfg.CORSAllowedOrigins,
		RateLimiter:   rateLimiter,
		ServiceName:   observ.ServiceName,
	}, logger)

	if cfg.ShopifyWebhookSecret == "" {
		logger.Warn("SHOPIFY_WEBHOOK_SECRET not set, webhook signatures are not verified")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	driver.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := srv.Shutdown(sctx)
		driver.Stop()
		if err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

// newMailSender picks the transport (SES, then the HTTP mail API, then the log
// sender for development) and wraps it with the breaker, throttle, timeout and
// metrics decorators.
func newMailSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.MailSender, error) {
	var (
		base worker.MailSender
		name string
	)
	switch {
	case cfg.SESFromAddress != "":
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromAddress,
			FromName:  cfg.SESFromName,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES mail sender: %w", err)
		}
		base, name = ses, "ses"
	case cfg.MailAPIURL != "":
		base = worker.NewHTTPMailSender(worker.HTTPMailConfig{
			Endpoint: cfg.MailAPIURL,
			Token:    cfg.MailAPIToken,
			From:     cfg.MailAPIFrom,
			Timeout:  cfg.MailSendTimeout,
		}, logger)
		name = "mail-api"
	default:
		if cfg.IsProduction() {
			return nil, errors.New("no mail transport configured: set SES_FROM_ADDRESS or MAIL_API_URL")
		}
		logger.Warn("no mail transport configured, notifications are only logged")
		base, name = worker.NewLogSender(logger), "log"
	}

	breakerCfg := circuitbreaker.DefaultConfig(name)
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	breaker := circuitbreaker.New(breakerCfg, logger)

	var sender worker.MailSender = worker.NewProtectedSender(base, breaker)
	sender = worker.NewThrottledSender(sender, cfg.MailRatePerSecond)
	sender = worker.NewTimeoutSender(sender, cfg.MailSendTimeout)
	sender = worker.NewInstrumentedSender(sender)

	logger.Info("mail transport configured",
		zap.String("transport", name),
		zap.Float64("rate_per_second", cfg.MailRatePerSecond),
	)
	return sender, nil
}
