package channel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/retry"
)

// ResilientEmailSender is the email path used for user notifications:
// retries around the circuit breaker around a per-attempt timeout around
// the provider. Every attempt, retries included, counts toward the breaker.
type ResilientEmailSender struct {
	retrier   *retry.Retrier
	protected *circuitbreaker.ProtectedSender
}

func NewResilientEmailSender(
	provider EmailSender,
	breaker *circuitbreaker.CircuitBreaker,
	retrier *retry.Retrier,
	timeout time.Duration,
	logger *zap.Logger,
) *ResilientEmailSender {
	bounded := &timeoutSender{next: provider, timeout: timeout}
	return &ResilientEmailSender{
		retrier:   retrier,
		protected: circuitbreaker.NewProtectedSender(bounded, breaker, logger),
	}
}

func (s *ResilientEmailSender) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	var token string
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		t, err := s.protected.SendEmail(ctx, to, subject, body)
		if err != nil {
			return err
		}
		token = t
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Breaker exposes the shared breaker for health reporting.
func (s *ResilientEmailSender) Breaker() *circuitbreaker.CircuitBreaker {
	return s.protected.Breaker()
}

// timeoutSender bounds a single provider call.
type timeoutSender struct {
	next    EmailSender
	timeout time.Duration
}

func (s *timeoutSender) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	if s.timeout <= 0 {
		return s.next.SendEmail(ctx, to, subject, body)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.SendEmail(ctx, to, subject, body)
}
