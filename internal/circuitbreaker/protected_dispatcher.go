package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

// Dispatcher mirrors the channel.Dispatcher interface to avoid a circular
// import.
type Dispatcher interface {
	Channel() string
	Dispatch(ctx context.Context, notif *db.Notification) error
}

// ProtectedDispatcher wraps an outbound channel dispatcher with a circuit
// breaker. When the provider (SES, SNS) starts failing, the circuit opens
// and dispatches fail fast instead of piling up. In-app delivery is not
// wrapped — its transport failures are already swallowed.
type ProtectedDispatcher struct {
	dispatcher Dispatcher
	breaker    *CircuitBreaker
	logger     *zap.Logger
}

// NewProtectedDispatcher wraps a dispatcher with circuit breaker protection.
func NewProtectedDispatcher(dispatcher Dispatcher, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedDispatcher {
	return &ProtectedDispatcher{
		dispatcher: dispatcher,
		breaker:    breaker,
		logger:     logger,
	}
}

// Channel returns the wrapped dispatcher's channel.
func (p *ProtectedDispatcher) Channel() string {
	return p.dispatcher.Channel()
}

// Dispatch attempts delivery through the circuit breaker. When the circuit
// is open it returns ErrCircuitOpen without touching the provider.
func (p *ProtectedDispatcher) Dispatch(ctx context.Context, notif *db.Notification) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected dispatch",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", notif.ID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.dispatcher.Dispatch(ctx, notif)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}
