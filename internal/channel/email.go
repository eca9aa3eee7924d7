package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

// NotificationTag is the SES message tag carrying the notification ID, so
// the engagement event stream can be correlated back to a delivery.
const NotificationTag = "herald_notification_id"

// sesAPI is the slice of the SES client the dispatcher uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailDispatcher sends notifications via AWS SES. The body is templated
// from the notification: title as subject, body as message, action link as a
// call-to-action when present.
type EmailDispatcher struct {
	client    sesAPI
	from      string
	directory Directory
	logger    *zap.Logger
}

// EmailConfig holds the SES settings.
type EmailConfig struct {
	Region    string
	FromEmail string
}

// NewEmailDispatcher creates the email dispatcher. An empty FromEmail leaves
// the channel unconfigured; dispatch then fails explicitly.
func NewEmailDispatcher(ctx context.Context, cfg EmailConfig, directory Directory, logger *zap.Logger) (*EmailDispatcher, error) {
	d := &EmailDispatcher{from: cfg.FromEmail, directory: directory, logger: logger}

	if cfg.FromEmail == "" {
		return d, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	d.client = ses.NewFromConfig(awsCfg)

	return d, nil
}

func (d *EmailDispatcher) Channel() string {
	return db.ChannelEmail
}

func (d *EmailDispatcher) Dispatch(ctx context.Context, notif *db.Notification) error {
	if d.client == nil || d.from == "" {
		return fmt.Errorf("email: %w", ErrNotConfigured)
	}

	rec, err := d.directory.Recipient(ctx, notif.UserID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}
	if rec.Email == "" {
		return fmt.Errorf("user %s has no email address", notif.UserID)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(d.from),
		Tags: []types.MessageTag{
			{Name: aws.String(NotificationTag), Value: aws.String(notif.ID.String())},
		},
		Destination: &types.Destination{
			ToAddresses: []string{rec.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(notif.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(ComposeEmailBody(notif)),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := d.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	d.logger.Info("email sent via SES",
		zap.String("notification_id", notif.ID.String()),
		zap.String("to", rec.Email),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// ComposeEmailBody renders the plain-text email body: the message, then the
// action link as a call-to-action when present.
func ComposeEmailBody(notif *db.Notification) string {
	body := notif.Body
	if notif.ActionURL != nil && *notif.ActionURL != "" {
		label := "View"
		if notif.ActionText != nil && *notif.ActionText != "" {
			label = *notif.ActionText
		}
		body = fmt.Sprintf("%s\n\n%s: %s", body, label, *notif.ActionURL)
	}
	return body
}
