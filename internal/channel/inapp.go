package channel

import (
	"context"

	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/redis"
)

// RealtimePublisher is the realtime transport for in-app delivery.
type RealtimePublisher interface {
	Publish(ctx context.Context, userID string, msg *redis.RealtimeMessage) error
}

// InAppDispatcher pushes notifications onto the user's private realtime
// channel. The notification row is already the durable in-app record, so a
// transport failure is logged and swallowed — the user still sees the
// notification next time the feed loads.
type InAppDispatcher struct {
	realtime RealtimePublisher
	logger   *zap.Logger
}

// NewInAppDispatcher creates the in-app dispatcher. realtime may be nil when
// Redis is unavailable; dispatch then degrades to feed-only delivery.
func NewInAppDispatcher(realtime RealtimePublisher, logger *zap.Logger) *InAppDispatcher {
	return &InAppDispatcher{realtime: realtime, logger: logger}
}

func (d *InAppDispatcher) Channel() string {
	return db.ChannelInApp
}

func (d *InAppDispatcher) Dispatch(ctx context.Context, notif *db.Notification) error {
	if d.realtime == nil {
		d.logger.Warn("realtime transport unavailable, in-app delivery is feed-only",
			zap.String("notification_id", notif.ID.String()),
		)
		return nil
	}

	msg := &redis.RealtimeMessage{
		NotificationID: notif.ID.String(),
		Title:          notif.Title,
		Body:           notif.Body,
		Type:           notif.Type,
		Priority:       notif.Priority,
		Metadata:       notif.Metadata,
	}
	if notif.ActionURL != nil {
		msg.ActionURL = *notif.ActionURL
	}
	if notif.ActionText != nil {
		msg.ActionText = *notif.ActionText
	}

	if err := d.realtime.Publish(ctx, notif.UserID.String(), msg); err != nil {
		d.logger.Warn("realtime publish failed, in-app delivery is feed-only",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return nil
	}

	return nil
}
