// Package queue consumes engagement events from SQS. SES publishes email
// open and click events through SNS into a queue; this consumer folds them
// back into the interaction tracker so email engagement feeds the behavior
// model the same way in-app interactions do.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/channel"
	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/tracker"
)

// sqsAPI is the slice of the SQS client the consumer uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Recorder applies one interaction. Implemented by tracker.Tracker.
type Recorder interface {
	Record(ctx context.Context, in tracker.Interaction) error
}

// Repo resolves the delivery behind an emailed notification.
type Repo interface {
	GetDeliveryByNotification(ctx context.Context, notificationID uuid.UUID) (*db.Delivery, error)
}

// snsEnvelope is the wrapper SNS puts around messages it forwards to SQS.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// sesEvent is the subset of the SES event stream the consumer reads. The
// notification ID rides on a message tag set at send time.
type sesEvent struct {
	EventType string `json:"eventType"`
	Mail      struct {
		Tags map[string][]string `json:"tags"`
	} `json:"mail"`
}

// Engagement is a parsed open/click event from the email stream.
type Engagement struct {
	NotificationID uuid.UUID
	Type           string
}

// sesInteractions maps SES event types to interaction types. Events outside
// this map are dropped.
var sesInteractions = map[string]string{
	"Open":  db.InteractionOpened,
	"Click": db.InteractionClicked,
}

// Config holds the engagement queue settings.
type Config struct {
	QueueURL string
}

// Consumer long-polls the engagement queue and records interactions.
type Consumer struct {
	client   sqsAPI
	recorder Recorder
	repo     Repo
	queueURL string
	logger   *zap.Logger
}

func NewConsumer(client sqsAPI, recorder Recorder, repo Repo, cfg Config, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:   client,
		recorder: recorder,
		repo:     repo,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}
}

// Start polls until the context is cancelled. Receive errors back off
// briefly instead of spinning.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("engagement consumer started", zap.String("queue_url", c.queueURL))

	for {
		if ctx.Err() != nil {
			c.logger.Info("engagement consumer stopping")
			return
		}
		if err := c.Poll(ctx); err != nil {
			c.logger.Error("engagement poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// Poll receives one batch and processes every message in it. Messages are
// deleted whether or not they produce an interaction: a malformed or
// irrelevant event redelivered forever helps nobody.
func (c *Consumer) Poll(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return fmt.Errorf("sqs receive: %w", err)
	}

	for _, msg := range out.Messages {
		if msg.Body != nil {
			c.handle(ctx, *msg.Body)
		}
		if msg.ReceiptHandle == nil {
			continue
		}
		if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			c.logger.Warn("failed to delete engagement message", zap.Error(err))
		}
	}

	return nil
}

func (c *Consumer) handle(ctx context.Context, body string) {
	event, ok := ParseEngagement(body)
	if !ok {
		return
	}

	delivery, err := c.repo.GetDeliveryByNotification(ctx, event.NotificationID)
	if err != nil {
		c.logger.Warn("engagement event for unknown delivery",
			zap.Error(err),
			zap.String("notification_id", event.NotificationID.String()),
		)
		return
	}

	in := tracker.Interaction{DeliveryID: delivery.ID, Type: event.Type}
	if err := c.recorder.Record(ctx, in); err != nil {
		c.logger.Warn("failed to record engagement event",
			zap.Error(err),
			zap.String("delivery_id", delivery.ID.String()),
			zap.String("type", event.Type),
		)
		return
	}

	c.logger.Debug("engagement event recorded",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("type", event.Type),
	)
}

// ParseEngagement extracts an engagement from a raw queue message body. The
// body is either a bare SES event or one wrapped in an SNS envelope. It
// returns false for events that are not open/click or that carry no
// resolvable notification tag.
func ParseEngagement(body string) (Engagement, bool) {
	raw := body

	var envelope snsEnvelope
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Type == "Notification" && envelope.Message != "" {
		raw = envelope.Message
	}

	var event sesEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return Engagement{}, false
	}

	interactionType, ok := sesInteractions[event.EventType]
	if !ok {
		return Engagement{}, false
	}

	tags := event.Mail.Tags[channel.NotificationTag]
	if len(tags) == 0 {
		return Engagement{}, false
	}
	notificationID, err := uuid.Parse(tags[0])
	if err != nil {
		return Engagement{}, false
	}

	return Engagement{NotificationID: notificationID, Type: interactionType}, true
}
