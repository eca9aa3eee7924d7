package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

const (
	broadcastBatchSize = 50
	broadcastPause     = 100 * time.Millisecond
)

// BroadcastResult is the per-recipient outcome of a broadcast. Recipients
// are independent: one failing never stops the rest.
type BroadcastResult struct {
	UserID         uuid.UUID `json:"user_id"`
	NotificationID uuid.UUID `json:"notification_id,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
}

// Broadcast schedules a copy of the notification for every recipient,
// working in batches with a short pause between them so a large fan-out
// cannot saturate the providers. Each recipient gets their own notification
// row and their own scoring decision.
func (s *Scheduler) Broadcast(ctx context.Context, template *db.Notification, userIDs []uuid.UUID, req Request) []BroadcastResult {
	results := make([]BroadcastResult, 0, len(userIDs))

	for start := 0; start < len(userIDs); start += broadcastBatchSize {
		end := start + broadcastBatchSize
		if end > len(userIDs) {
			end = len(userIDs)
		}

		for _, userID := range userIDs[start:end] {
			results = append(results, s.broadcastOne(ctx, template, userID, req))
		}

		if end < len(userIDs) {
			select {
			case <-ctx.Done():
				s.logger.Warn("broadcast cancelled",
					zap.Int("scheduled", len(results)),
					zap.Int("total", len(userIDs)),
				)
				return results
			case <-time.After(broadcastPause):
			}
		}
	}

	s.logger.Info("broadcast complete",
		zap.Int("recipients", len(userIDs)),
	)
	return results
}

func (s *Scheduler) broadcastOne(ctx context.Context, template *db.Notification, userID uuid.UUID, req Request) BroadcastResult {
	notif := *template
	notif.ID = uuid.New()
	notif.UserID = userID

	perUser := req
	perUser.Notification = &notif

	decision, err := s.Schedule(ctx, perUser)
	if err != nil {
		s.logger.Error("broadcast recipient failed",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		return BroadcastResult{
			UserID: userID,
			Status: db.StatusFailed,
			Error:  err.Error(),
		}
	}

	return BroadcastResult{
		UserID:         userID,
		NotificationID: notif.ID,
		Channel:        decision.Delivery.Channel,
		Status:         decision.Delivery.Status,
	}
}
