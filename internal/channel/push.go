package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

// EndpointSource yields the SNS platform endpoint ARNs registered for a
// user's devices.
type EndpointSource interface {
	DeviceEndpoints(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// PushDispatcher sends mobile push notifications through SNS platform
// endpoints (the FCM/APNS bridge).
type PushDispatcher struct {
	client    snsAPI
	endpoints EndpointSource
	logger    *zap.Logger
}

// PushConfig holds the SNS platform settings.
type PushConfig struct {
	Region      string
	PlatformARN string
}

// NewPushDispatcher creates the push dispatcher. An empty PlatformARN leaves
// the channel unconfigured; dispatch then fails explicitly.
func NewPushDispatcher(ctx context.Context, cfg PushConfig, endpoints EndpointSource, logger *zap.Logger) (*PushDispatcher, error) {
	d := &PushDispatcher{endpoints: endpoints, logger: logger}

	if cfg.PlatformARN == "" {
		return d, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	d.client = sns.NewFromConfig(awsCfg)

	return d, nil
}

func (d *PushDispatcher) Channel() string {
	return db.ChannelPush
}

// pushPayload is the message body sent to each device endpoint.
type pushPayload struct {
	NotificationID string `json:"notification_id"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Type           string `json:"type"`
	Priority       string `json:"priority"`
	ActionURL      string `json:"action_url,omitempty"`
}

func (d *PushDispatcher) Dispatch(ctx context.Context, notif *db.Notification) error {
	if d.client == nil {
		return fmt.Errorf("push: %w", ErrNotConfigured)
	}

	arns, err := d.endpoints.DeviceEndpoints(ctx, notif.UserID)
	if err != nil {
		return fmt.Errorf("resolve device endpoints: %w", err)
	}
	if len(arns) == 0 {
		return fmt.Errorf("user %s has no registered devices", notif.UserID)
	}

	payload := pushPayload{
		NotificationID: notif.ID.String(),
		Title:          notif.Title,
		Body:           notif.Body,
		Type:           notif.Type,
		Priority:       notif.Priority,
	}
	if notif.ActionURL != nil {
		payload.ActionURL = *notif.ActionURL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	var lastErr error
	sent := 0
	for _, arn := range arns {
		input := &sns.PublishInput{
			TargetArn: aws.String(arn),
			Message:   aws.String(string(body)),
		}
		if _, err := d.client.Publish(ctx, input); err != nil {
			d.logger.Warn("push publish failed for endpoint",
				zap.Error(err),
				zap.String("notification_id", notif.ID.String()),
				zap.String("endpoint_arn", arn),
			)
			lastErr = err
			continue
		}
		sent++
	}

	// The push succeeds if any device received it.
	if sent == 0 {
		return fmt.Errorf("sns publish failed for all %d endpoints: %w", len(arns), lastErr)
	}

	d.logger.Info("push sent via SNS",
		zap.String("notification_id", notif.ID.String()),
		zap.Int("devices", sent),
	)

	return nil
}
