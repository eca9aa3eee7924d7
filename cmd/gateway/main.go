package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/abtest"
	"github.com/heraldhq/herald/internal/analytics"
	"github.com/heraldhq/herald/internal/api"
	"github.com/heraldhq/herald/internal/behavior"
	"github.com/heraldhq/herald/internal/channel"
	"github.com/heraldhq/herald/internal/circuitbreaker"
	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/metrics"
	"github.com/heraldhq/herald/internal/observ"
	"github.com/heraldhq/herald/internal/queue"
	"github.com/heraldhq/herald/internal/redis"
	"github.com/heraldhq/herald/internal/scheduler"
	"github.com/heraldhq/herald/internal/scoring"
	"github.com/heraldhq/herald/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// contactDirectory adapts the repository's contact lookup to the dispatcher
// Directory interface.
type contactDirectory struct {
	repo *db.Repository
}

func (d *contactDirectory) Recipient(ctx context.Context, userID uuid.UUID) (*channel.Recipient, error) {
	contact, err := d.repo.GetUserContact(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &channel.Recipient{
		UserID: contact.UserID,
		Email:  contact.Email,
		Phone:  contact.Phone,
	}, nil
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

	logger.Info("starting herald gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis carries the realtime in-app transport plus idempotency and rate
	// limiting. The gateway runs without it, degraded.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, realtime delivery and idempotency disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var (
		idempotencyService *redis.IdempotencyService
		rateLimiter        *redis.RateLimiter
		realtime           channel.RealtimePublisher
	)
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: 1 * time.Minute,
		})
		realtime = redis.NewRealtime(redisClient, logger)
		defer redisClient.Close()
	}

	directory := &contactDirectory{repo: repo}

	emailDispatcher, err := channel.NewEmailDispatcher(ctx, channel.EmailConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, directory, logger)
	if err != nil {
		return fmt.Errorf("failed to create email dispatcher: %w", err)
	}

	smsDispatcher, err := channel.NewSMSDispatcher(ctx, channel.SMSConfig{
		Region:  cfg.SNSRegion,
		Enabled: cfg.SMSEnabled,
	}, directory, logger)
	if err != nil {
		return fmt.Errorf("failed to create sms dispatcher: %w", err)
	}

	pushDispatcher, err := channel.NewPushDispatcher(ctx, channel.PushConfig{
		Region:      cfg.SNSRegion,
		PlatformARN: cfg.PushPlatformARN,
	}, repo, logger)
	if err != nil {
		return fmt.Errorf("failed to create push dispatcher: %w", err)
	}

	// Outbound channels sit behind circuit breakers; in-app stays direct
	// since its transport failure is already non-fatal.
	router := channel.NewRouter(logger,
		channel.NewInAppDispatcher(realtime, logger),
		circuitbreaker.NewProtectedDispatcher(emailDispatcher,
			circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger), logger),
		circuitbreaker.NewProtectedDispatcher(smsDispatcher,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sms"), logger), logger),
		circuitbreaker.NewProtectedDispatcher(pushDispatcher,
			circuitbreaker.New(circuitbreaker.DefaultConfig("push"), logger), logger),
	)

	logger.Info("dispatchers initialized",
		zap.Bool("email_enabled", cfg.SESFromEmail != ""),
		zap.Bool("sms_enabled", cfg.SMSEnabled),
		zap.Bool("push_enabled", cfg.PushPlatformARN != ""),
		zap.Bool("realtime_enabled", realtime != nil),
	)

	behaviorStore := behavior.New(repo, logger)
	scorer := scoring.New(repo, behaviorStore, logger)
	assigner := abtest.New(repo, logger)
	sched := scheduler.New(repo, scorer, assigner, router, logger)
	track := tracker.New(repo, behaviorStore, logger)
	aggregator := analytics.New(repo, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	sweeper := scheduler.NewSweeper(repo, router, scheduler.SweeperConfig{
		PollInterval: time.Duration(cfg.SweepInterval) * time.Second,
		BatchSize:    cfg.SweepBatch,
	}, logger)
	go sweeper.Start(bgCtx)

	// Email engagement events (SES -> SNS -> SQS) feed the tracker.
	if cfg.SQSEventsURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SQSRegion))
		if err != nil {
			logger.Warn("aws config unavailable, engagement ingestion disabled", zap.Error(err))
		} else {
			consumer := queue.NewConsumer(awssqs.NewFromConfig(awsCfg), track, repo,
				queue.Config{QueueURL: cfg.SQSEventsURL}, logger)
			go consumer.Start(bgCtx)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

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

	r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

	handler := api.NewHandler(logger, repo, sched, track, aggregator, database)
	if idempotencyService != nil {
		handler = handler.WithIdempotency(idempotencyService)
	}
	handler.Routes(r)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

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
