package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// EmailSender mirrors channel.EmailSender to avoid circular imports.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) (string, error)
}

// ProtectedSender wraps an EmailSender with a CircuitBreaker.
// While the provider is failing, calls are rejected with ErrCircuitOpen
// without reaching the provider.
type ProtectedSender struct {
	sender  EmailSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender EmailSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// SendEmail sends through the circuit breaker and returns the provider's
// delivery token on success.
func (p *ProtectedSender) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected request, failing fast",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	token, err := p.sender.SendEmail(ctx, to, subject, body)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return "", err
	}

	p.breaker.RecordSuccess()
	return token, nil
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
