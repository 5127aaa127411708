package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cgk-platform/courier/internal/db"
	"github.com/cgk-platform/courier/internal/errs"
)

// Sender mirrors the worker.Sender interface to avoid circular imports.
type Sender interface {
	Send(ctx context.Context, msg *db.Message) (string, error)
	SupportsChannel(channel string) bool
}

// ProtectedSender wraps a provider Sender with a CircuitBreaker. An
// open circuit surfaces as a transient provider error, so the worker
// applies its normal backoff instead of consuming a terminal failure.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a provider send through the circuit breaker.
// If the circuit is open, fails fast without calling the provider.
func (p *ProtectedSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("message_id", msg.ID.String()),
			zap.String("channel", msg.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", errs.Transient(fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.breaker.config.Name))
	}

	providerID, err := p.sender.Send(ctx, msg)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return "", err
	}

	p.breaker.RecordSuccess()
	return providerID, nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
