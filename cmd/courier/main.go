package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cgk-platform/courier/internal/api"
	"github.com/cgk-platform/courier/internal/circuitbreaker"
	"github.com/cgk-platform/courier/internal/config"
	"github.com/cgk-platform/courier/internal/db"
	"github.com/cgk-platform/courier/internal/events"
	"github.com/cgk-platform/courier/internal/metrics"
	"github.com/cgk-platform/courier/internal/observ"
	"github.com/cgk-platform/courier/internal/redis"
	"github.com/cgk-platform/courier/internal/template"
	"github.com/cgk-platform/courier/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Int("workers", cfg.WorkerCount),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repositories
	messages := db.NewMessageRepository(database, logger)
	optOuts := db.NewOptOutRepository(database, logger)
	settings := db.NewSettingsRepository(database, logger, cfg.MessagesPerSecond, cfg.DailyLimit)
	resolver := template.NewResolver(settings, logger)

	// Redis backs the rate limiter and idempotency keys. Both workers
	// and the API share the limiter state.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	rateLimiter := redis.NewRateLimiter(redisClient, logger)
	idempotencyService := redis.NewIdempotencyService(redisClient, logger)

	// Lifecycle event stream (optional)
	var publisher worker.EventPublisher
	if cfg.SQSQueueURL != "" {
		p, err := events.NewPublisher(ctx, events.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs publisher unavailable, lifecycle events disabled",
				zap.Error(err),
			)
		} else {
			publisher = p
		}
	}

	// Providers, each behind its own circuit breaker so a wedged
	// provider fails fast instead of eating attempts.
	sesSender, err := worker.NewSESSender(ctx, cfg.AWSRegion, cfg.SESFromEmail, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES email sender: %w", err)
	}
	emailSender := circuitbreaker.NewProtectedSender(
		sesSender,
		circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger),
		logger,
	)

	var smsSender worker.Sender
	snsSender, err := worker.NewSNSSender(ctx, cfg.SNSRegion, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS delivery disabled",
			zap.Error(err),
		)
	} else {
		smsSender = circuitbreaker.NewProtectedSender(
			snsSender,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger),
			logger,
		)
	}

	var multiSender worker.Sender
	if smsSender != nil {
		multiSender = worker.NewMultiSender(logger, emailSender, smsSender)
	} else {
		multiSender = worker.NewMultiSender(logger, emailSender)
	}

	logger.Info("initialized delivery providers",
		zap.Bool("email_enabled", true),
		zap.Bool("sms_enabled", smsSender != nil),
	)

	// Start the worker pool
	pool := worker.NewPool(worker.Config{
		Workers:       cfg.WorkerCount,
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.BatchSize,
		BackoffBase:   cfg.BackoffBase,
		BackoffCap:    cfg.BackoffCap,
		StaleClaimAge: cfg.StaleClaimAge,
	}, messages, optOuts, settings, rateLimiter, multiSender, publisher, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	pool.Start(workerCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, messages, optOuts, resolver, idempotencyService, cfg.MaxAttempts)
	r.Route("/v1", func(r chi.Router) {
		// Producer-facing routes are rate limited per tenant.
		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, 100, logger, api.TenantKeyFunc))

			r.Post("/messages", handler.EnqueueMessage)
			r.Get("/messages", handler.ListMessages)
			r.Get("/messages/{id}", handler.GetMessage)
			r.Post("/messages/{id}/cancel", handler.CancelMessage)
			r.Post("/opt-outs", handler.CreateOptOut)
		})

		// Provider callbacks must not be throttled.
		r.Post("/callbacks/delivery", handler.DeliveryCallback)
		r.Post("/callbacks/inbound", handler.InboundCallback)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop claiming new work, then drain in-flight requests.
		workerCancel()
		pool.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
