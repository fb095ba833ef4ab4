// Package channel holds the delivery channels a notification can go out on.
package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	Email = "email"
	SMS   = "sms"
)

// EmailSender delivers one email and returns the provider's delivery token.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) (string, error)
}

// SMSSender delivers one text message.
type SMSSender interface {
	SendSMS(ctx context.Context, phoneNumber, message string) error
}

// SendError reports a failed attempt on one channel.
type SendError struct {
	Channel string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send failed: %v", e.Channel, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// LogEmailSender logs emails instead of sending them (for development).
type LogEmailSender struct {
	logger *zap.Logger
}

func NewLogEmailSender(logger *zap.Logger) *LogEmailSender {
	return &LogEmailSender{logger: logger}
}

func (s *LogEmailSender) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &SendError{Channel: Email, Err: err}
	}
	token := "log-" + uuid.NewString()
	s.logger.Info("email sent (development mode)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_len", len(body)),
		zap.String("message_id", token),
	)
	return token, nil
}

// MockSMSSender stands in for an SMS gateway. It logs the message after a
// short simulated network delay.
type MockSMSSender struct {
	logger  *zap.Logger
	latency time.Duration
}

func NewMockSMSSender(logger *zap.Logger) *MockSMSSender {
	return &MockSMSSender{logger: logger, latency: 100 * time.Millisecond}
}

func (s *MockSMSSender) SendSMS(ctx context.Context, phoneNumber, message string) error {
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return &SendError{Channel: SMS, Err: ctx.Err()}
	}

	s.logger.Info("sms sent (mock)",
		zap.String("phone_number", phoneNumber),
		zap.Int("message_len", len(message)),
	)
	return nil
}
