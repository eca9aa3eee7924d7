// Package channel implements the per-channel notification dispatchers.
// Each dispatcher is isolated: a failure updates the delivery record but can
// never affect another channel or the notification's existence.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

// ErrNotConfigured indicates the channel's provider is not set up. Email,
// SMS and push fail explicitly with this error; in-app never does.
var ErrNotConfigured = errors.New("channel provider not configured")

// Dispatcher sends a notification over one channel.
type Dispatcher interface {
	Channel() string
	Dispatch(ctx context.Context, notif *db.Notification) error
}

// Recipient carries the destination addresses for a user.
type Recipient struct {
	UserID uuid.UUID
	Email  string
	Phone  string
}

// Directory resolves a user's contact addresses. Backed by the user store,
// which herald treats as an external collaborator.
type Directory interface {
	Recipient(ctx context.Context, userID uuid.UUID) (*Recipient, error)
}

// Router picks the dispatcher for a channel name.
type Router struct {
	dispatchers map[string]Dispatcher
	logger      *zap.Logger
}

// NewRouter creates a router over the given dispatchers.
func NewRouter(logger *zap.Logger, dispatchers ...Dispatcher) *Router {
	m := make(map[string]Dispatcher, len(dispatchers))
	for _, d := range dispatchers {
		m[d.Channel()] = d
	}
	return &Router{dispatchers: m, logger: logger}
}

// Dispatch routes the notification to the named channel's dispatcher.
func (r *Router) Dispatch(ctx context.Context, channelName string, notif *db.Notification) error {
	d, ok := r.dispatchers[channelName]
	if !ok {
		return fmt.Errorf("no dispatcher for channel %s: %w", channelName, ErrNotConfigured)
	}

	r.logger.Debug("routing notification to dispatcher",
		zap.String("channel", channelName),
		zap.String("notification_id", notif.ID.String()),
	)
	return d.Dispatch(ctx, notif)
}

// Supports reports whether a dispatcher is registered for the channel.
func (r *Router) Supports(channelName string) bool {
	_, ok := r.dispatchers[channelName]
	return ok
}

// LogDispatcher logs instead of sending. Used in development for any channel
// without a configured provider.
type LogDispatcher struct {
	channel string
	logger  *zap.Logger
}

// NewLogDispatcher creates a logging stand-in for the named channel.
func NewLogDispatcher(channel string, logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{channel: channel, logger: logger}
}

func (d *LogDispatcher) Channel() string {
	return d.channel
}

func (d *LogDispatcher) Dispatch(ctx context.Context, notif *db.Notification) error {
	d.logger.Info("notification logged (development mode)",
		zap.String("channel", d.channel),
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID.String()),
		zap.String("title", notif.Title),
	)
	return nil
}
