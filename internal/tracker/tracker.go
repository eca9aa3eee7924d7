// Package tracker records user interactions with delivered notifications
// and feeds them back into the behavior model.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/metrics"
)

// Repo is the slice of the repository the tracker uses.
type Repo interface {
	GetDelivery(ctx context.Context, id uuid.UUID) (*db.Delivery, error)
	SetInteractionTimestamp(ctx context.Context, deliveryID uuid.UUID, interactionType string, at time.Time) error
	MarkNotificationRead(ctx context.Context, id uuid.UUID) error
}

// BehaviorUpdater folds an interaction into the user's behavior pattern.
type BehaviorUpdater interface {
	UpdateFromInteraction(ctx context.Context, userID uuid.UUID, channelName, interactionType string, responseSeconds *float64) error
}

// Interaction is one observed user reaction to a delivery.
type Interaction struct {
	DeliveryID      uuid.UUID
	Type            string   // opened, clicked, dismissed, ignored
	ResponseSeconds *float64 // measured from delivery when nil
}

// Tracker applies interactions to deliveries and the behavior model.
type Tracker struct {
	repo     Repo
	behavior BehaviorUpdater
	logger   *zap.Logger
	now      func() time.Time
}

func New(repo Repo, behavior BehaviorUpdater, logger *zap.Logger) *Tracker {
	return &Tracker{
		repo:     repo,
		behavior: behavior,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the tracker's clock. Used in tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Record stamps the interaction on the delivery and updates the behavior
// model. Stamping the same interaction twice just rewrites the timestamp.
// A failed behavior update is logged but does not fail the recording: the
// model is an optimization, the interaction log is the record.
func (t *Tracker) Record(ctx context.Context, in Interaction) error {
	if !db.ValidInteraction(in.Type) {
		return fmt.Errorf("unknown interaction type %q", in.Type)
	}

	delivery, err := t.repo.GetDelivery(ctx, in.DeliveryID)
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}

	now := t.now()
	if err := t.repo.SetInteractionTimestamp(ctx, delivery.ID, in.Type, now); err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}

	metrics.RecordInteraction(in.Type, delivery.Channel)

	if in.Type == db.InteractionOpened || in.Type == db.InteractionClicked {
		if err := t.repo.MarkNotificationRead(ctx, delivery.NotificationID); err != nil {
			t.logger.Warn("failed to mark notification read",
				zap.Error(err),
				zap.String("notification_id", delivery.NotificationID.String()),
			)
		}
	}

	responseSeconds := in.ResponseSeconds
	if responseSeconds == nil && delivery.DeliveredAt != nil {
		elapsed := now.Sub(*delivery.DeliveredAt).Seconds()
		if elapsed >= 0 {
			responseSeconds = &elapsed
		}
	}

	if err := t.behavior.UpdateFromInteraction(ctx, delivery.UserID, delivery.Channel, in.Type, responseSeconds); err != nil {
		t.logger.Warn("behavior update failed",
			zap.Error(err),
			zap.String("user_id", delivery.UserID.String()),
			zap.String("interaction", in.Type),
		)
	}

	return nil
}
