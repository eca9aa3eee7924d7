package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/metrics"
)

// SweepRepo is the slice of the repository the sweeper uses. Claiming moves
// rows from pending to processing under FOR UPDATE SKIP LOCKED, so a row is
// handed to exactly one sweeper even with several replicas polling.
type SweepRepo interface {
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*db.Delivery, error)
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, status string, errMsg *string, deliveredAt *time.Time) error
}

// SweeperConfig tunes the deferred-delivery poll loop.
type SweeperConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// Sweeper drains deferred deliveries whose scheduled time has arrived.
// Deferral is durable: the schedule lives in the database, so deliveries
// planned before a restart are still sent after one.
type Sweeper struct {
	repo   SweepRepo
	router Router
	config SweeperConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewSweeper(repo SweepRepo, router Router, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}

	return &Sweeper{
		repo:   repo,
		router: router,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the sweeper's clock. Used in tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start polls until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.logger.Info("delivery sweeper started",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Int("batch_size", s.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("delivery sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep claims one batch of due deliveries and dispatches each.
func (s *Sweeper) Sweep(ctx context.Context) {
	deliveries, err := s.repo.ClaimDueDeliveries(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to claim due deliveries", zap.Error(err))
		return
	}
	metrics.SetDeferredClaimed(len(deliveries))
	if len(deliveries) == 0 {
		return
	}

	s.logger.Info("claimed due deliveries", zap.Int("count", len(deliveries)))

	for _, delivery := range deliveries {
		s.process(ctx, delivery)
	}
}

func (s *Sweeper) process(ctx context.Context, delivery *db.Delivery) {
	notif, err := s.repo.GetNotification(ctx, delivery.NotificationID)
	if err != nil {
		s.logger.Error("failed to load notification for due delivery",
			zap.Error(err),
			zap.String("delivery_id", delivery.ID.String()),
		)
		errMsg := err.Error()
		_ = s.repo.UpdateDeliveryStatus(ctx, delivery.ID, db.StatusFailed, &errMsg, nil)
		metrics.RecordDispatch(delivery.Channel, db.StatusFailed)
		return
	}

	err = s.router.Dispatch(ctx, delivery.Channel, notif)
	now := s.now()

	if err != nil {
		s.logger.Error("deferred dispatch failed",
			zap.Error(err),
			zap.String("delivery_id", delivery.ID.String()),
			zap.String("channel", delivery.Channel),
		)
		errMsg := err.Error()
		_ = s.repo.UpdateDeliveryStatus(ctx, delivery.ID, db.StatusFailed, &errMsg, nil)
		metrics.RecordDispatch(delivery.Channel, db.StatusFailed)
		return
	}

	s.logger.Info("deferred delivery sent",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("channel", delivery.Channel),
	)
	_ = s.repo.UpdateDeliveryStatus(ctx, delivery.ID, db.StatusDelivered, nil, &now)
	metrics.RecordDispatch(delivery.Channel, db.StatusDelivered)
}
