package channel

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

// snsAPI is the slice of the SNS client the SMS and push dispatchers use.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// smsMaxLen is the single-segment GSM-7 limit; longer bodies are truncated.
const smsMaxLen = 160

// SMSDispatcher sends notifications as SMS via AWS SNS.
type SMSDispatcher struct {
	client    snsAPI
	directory Directory
	logger    *zap.Logger
}

// SMSConfig holds the SNS settings for SMS.
type SMSConfig struct {
	Region  string
	Enabled bool
}

// NewSMSDispatcher creates the SMS dispatcher. When disabled the channel is
// unconfigured and dispatch fails explicitly.
func NewSMSDispatcher(ctx context.Context, cfg SMSConfig, directory Directory, logger *zap.Logger) (*SMSDispatcher, error) {
	d := &SMSDispatcher{directory: directory, logger: logger}

	if !cfg.Enabled {
		return d, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	d.client = sns.NewFromConfig(awsCfg)

	return d, nil
}

func (d *SMSDispatcher) Channel() string {
	return db.ChannelSMS
}

func (d *SMSDispatcher) Dispatch(ctx context.Context, notif *db.Notification) error {
	if d.client == nil {
		return fmt.Errorf("sms: %w", ErrNotConfigured)
	}

	rec, err := d.directory.Recipient(ctx, notif.UserID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}
	if rec.Phone == "" {
		return fmt.Errorf("user %s has no phone number", notif.UserID)
	}

	phone := NormalizePhone(rec.Phone)

	var actionURL string
	if notif.ActionURL != nil {
		actionURL = *notif.ActionURL
	}
	body := ComposeSMSBody(notif.Title, notif.Body, actionURL)

	input := &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(body),
	}

	result, err := d.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	d.logger.Info("SMS sent via SNS",
		zap.String("notification_id", notif.ID.String()),
		zap.String("phone_number", phone),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// NormalizePhone converts a phone number to international (+-prefixed)
// format: formatting characters are stripped, a 00 prefix becomes +, and a
// bare national number gets a + prepended.
func NormalizePhone(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	n := digits.String()

	if strings.HasPrefix(strings.TrimSpace(phone), "+") {
		return "+" + n
	}
	if strings.HasPrefix(n, "00") {
		return "+" + n[2:]
	}
	return "+" + n
}

// ComposeSMSBody builds the SMS text: the title, the message when it fits
// within 150 characters combined, and then the action URL when the result
// stays within a single segment. Anything longer is truncated with an
// ellipsis.
func ComposeSMSBody(title, message, actionURL string) string {
	body := title
	if message != "" && len(body+": "+message) <= 150 {
		body = body + ": " + message
	}
	if actionURL != "" && len(body+" "+actionURL) <= smsMaxLen {
		body = body + " " + actionURL
	}
	if len(body) > smsMaxLen {
		cut := smsMaxLen - 3
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "..."
	}
	return body
}
