// Package scheduler turns a scored notification into a delivery: it decides
// the channel and timing, persists the delivery record, and either
// dispatches immediately or leaves the row for the sweeper to claim when
// due.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/metrics"
	"github.com/heraldhq/herald/internal/scoring"
)

// Repo is the slice of the repository the scheduler writes.
type Repo interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
	CreateDelivery(ctx context.Context, d *db.Delivery) error
	UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, status string, errMsg *string, deliveredAt *time.Time) error
}

// Scorer produces a relevance decision. It is total, never failing.
type Scorer interface {
	Score(ctx context.Context, userID uuid.UUID, notifType string) *scoring.Result
}

// Assigner buckets a user into an experiment variant.
type Assigner interface {
	Assign(ctx context.Context, testName, userID string) string
}

// Router dispatches a notification over a named channel.
type Router interface {
	Dispatch(ctx context.Context, channelName string, notif *db.Notification) error
	Supports(channelName string) bool
}

// Request is a delivery request for one notification.
type Request struct {
	Notification *db.Notification
	ForceChannel string // overrides the recommended channel when set
	SkipScoring  bool   // bypass the scorer entirely
	ABTestName   string // assign a variant when set
}

// Decision records what the scheduler did with a request.
type Decision struct {
	Delivery *db.Delivery
	Score    *scoring.Result // nil when scoring was skipped
	Variant  string
}

// Scheduler owns the deliver-or-defer decision.
type Scheduler struct {
	repo     Repo
	scorer   Scorer
	assigner Assigner
	router   Router
	logger   *zap.Logger
	now      func() time.Time
}

func New(repo Repo, scorer Scorer, assigner Assigner, router Router, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		repo:     repo,
		scorer:   scorer,
		assigner: assigner,
		router:   router,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the scheduler's clock. Used in tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Schedule persists the notification, decides channel and timing, and
// dispatches now or defers. The returned decision always carries the
// delivery record; its status reflects what happened.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*Decision, error) {
	notif := req.Notification
	if notif.ID == uuid.Nil {
		notif.ID = uuid.New()
	}

	if err := s.repo.CreateNotification(ctx, notif); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	channelName, delay, result := s.decide(ctx, req)
	now := s.now()

	delivery := &db.Delivery{
		ID:             uuid.New(),
		NotificationID: notif.ID,
		UserID:         notif.UserID,
		Channel:        channelName,
		Status:         db.StatusPending,
		ScheduledAt:    now.Add(delay),
	}
	if result != nil {
		delivery.RelevanceScore = result.Score
		delivery.Factors = result.Factors
	} else {
		neutral := scoring.Neutral()
		delivery.RelevanceScore = neutral.Score
		delivery.Factors = neutral.Factors
	}

	variant := ""
	if req.ABTestName != "" {
		variant = s.assigner.Assign(ctx, req.ABTestName, notif.UserID.String())
		delivery.ABVariant = &variant
	}

	if err := s.repo.CreateDelivery(ctx, delivery); err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}

	metrics.RecordScoringDecision(channelName, delay > 0, delivery.RelevanceScore)

	if delay > 0 {
		s.logger.Info("delivery deferred",
			zap.String("delivery_id", delivery.ID.String()),
			zap.String("channel", channelName),
			zap.Time("scheduled_at", delivery.ScheduledAt),
		)
		return &Decision{Delivery: delivery, Score: result, Variant: variant}, nil
	}

	s.dispatch(ctx, delivery, notif)
	return &Decision{Delivery: delivery, Score: result, Variant: variant}, nil
}

// decide resolves the channel, delay, and (possibly nil) scoring result for
// a request. A forced channel overrides the recommendation but not the
// recommended timing.
func (s *Scheduler) decide(ctx context.Context, req Request) (string, time.Duration, *scoring.Result) {
	if req.SkipScoring {
		channelName := db.ChannelInApp
		if req.ForceChannel != "" {
			channelName = req.ForceChannel
		}
		return channelName, 0, nil
	}

	result := s.scorer.Score(ctx, req.Notification.UserID, req.Notification.Type)
	channelName := result.Channel
	if req.ForceChannel != "" {
		channelName = req.ForceChannel
	}

	// Urgent notifications never wait.
	delay := result.Delay
	if req.Notification.Priority == db.PriorityUrgent {
		delay = 0
	}

	return channelName, delay, result
}

// dispatch sends one delivery and records the terminal status. Dispatch
// failures are captured on the delivery row, never returned: the
// notification exists regardless of channel outcome.
func (s *Scheduler) dispatch(ctx context.Context, delivery *db.Delivery, notif *db.Notification) {
	if err := s.repo.UpdateDeliveryStatus(ctx, delivery.ID, db.StatusProcessing, nil, nil); err != nil {
		s.logger.Error("failed to mark delivery processing",
			zap.Error(err),
			zap.String("delivery_id", delivery.ID.String()),
		)
	}
	delivery.Status = db.StatusProcessing

	err := s.router.Dispatch(ctx, delivery.Channel, notif)
	now := s.now()

	if err != nil {
		s.logger.Error("dispatch failed",
			zap.Error(err),
			zap.String("delivery_id", delivery.ID.String()),
			zap.String("channel", delivery.Channel),
		)
		errMsg := err.Error()
		if updErr := s.repo.UpdateDeliveryStatus(ctx, delivery.ID, db.StatusFailed, &errMsg, nil); updErr != nil {
			s.logger.Error("failed to record delivery failure",
				zap.Error(updErr),
				zap.String("delivery_id", delivery.ID.String()),
			)
		}
		delivery.Status = db.StatusFailed
		delivery.ErrorMessage = &errMsg
		metrics.RecordDispatch(delivery.Channel, db.StatusFailed)
		return
	}

	if updErr := s.repo.UpdateDeliveryStatus(ctx, delivery.ID, db.StatusDelivered, nil, &now); updErr != nil {
		s.logger.Error("failed to record delivery success",
			zap.Error(updErr),
			zap.String("delivery_id", delivery.ID.String()),
		)
	}
	delivery.Status = db.StatusDelivered
	delivery.DeliveredAt = &now
	metrics.RecordDispatch(delivery.Channel, db.StatusDelivered)
}
