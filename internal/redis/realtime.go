package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// RealtimeMessage is what subscribers of a user's private channel receive
// when a notification is delivered in-app.
type RealtimeMessage struct {
	NotificationID string          `json:"notification_id"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Type           string          `json:"type"`
	Priority       string          `json:"priority"`
	ActionURL      string          `json:"action_url,omitempty"`
	ActionText     string          `json:"action_text,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Realtime publishes in-app notifications over Redis Pub/Sub. Each user has
// a private channel; web/mobile clients hold a subscription through the
// frontend gateway.
type Realtime struct {
	client *Client
	logger *zap.Logger
}

// NewRealtime creates the realtime publisher.
func NewRealtime(client *Client, logger *zap.Logger) *Realtime {
	return &Realtime{client: client, logger: logger}
}

// UserChannel returns the Pub/Sub channel name for a user's notifications.
func UserChannel(userID string) string {
	return fmt.Sprintf("user:%s:notifications", userID)
}

// Publish pushes a message onto the user's private channel. A zero receiver
// count is normal — the user simply has no live session.
func (rt *Realtime) Publish(ctx context.Context, userID string, msg *RealtimeMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal realtime message: %w", err)
	}

	receivers, err := rt.client.rdb.Publish(ctx, UserChannel(userID), body).Result()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}

	rt.logger.Debug("realtime message published",
		zap.String("user_id", userID),
		zap.Int64("receivers", receivers),
	)

	return nil
}
