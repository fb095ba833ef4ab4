package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

// Escalation reasons.
const (
	ReasonUserNotFound         = "user_not_found"
	ReasonDirectoryUnavailable = "directory_unavailable"
	ReasonSendFailed           = "send_failed"
)

// DeadLetterSink receives permanently failed records.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, n *db.Notification, reason string) (string, error)
}

type EscalatorConfig struct {
	// AdminEmail receives permanent-failure alerts. Empty disables the email.
	AdminEmail string

	// AlertTimeout bounds the alert email and, separately, the dead-letter
	// publish.
	AlertTimeout time.Duration
}

// Escalator reports records that will not be retried again. Every step is
// best effort: failures are logged and never returned.
type Escalator struct {
	cfg    EscalatorConfig
	alerts channel.EmailSender
	dlq    DeadLetterSink
	logger *zap.Logger
}

// NewEscalator creates an Escalator. alerts is the bare email provider so
// an alert is a single attempt with its own deadline. alerts and dlq may
// be nil.
func NewEscalator(cfg EscalatorConfig, alerts channel.EmailSender, dlq DeadLetterSink, logger *zap.Logger) *Escalator {
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Escalator{cfg: cfg, alerts: alerts, dlq: dlq, logger: logger}
}

// Escalate logs the permanent failure at critical severity, emails the
// administrator and publishes the record to the dead-letter queue.
// Neither step follows the caller's cancellation. Each gets its own
// AlertTimeout.
func (e *Escalator) Escalate(ctx context.Context, n *db.Notification, reason string, cause error) {
	ctx = context.WithoutCancel(ctx)
	metrics.RecordEscalation(reason)

	fields := []zap.Field{
		zap.String("severity", "critical"),
		zap.String("notification_id", n.ID.String()),
		zap.String("user_id", n.UserID.String()),
		zap.String("event_type", n.EventType),
		zap.Int("attempts", n.Attempts),
		zap.String("reason", reason),
	}
	if cause != nil {
		fields = append(fields, zap.NamedError("cause", cause))
	}
	e.logger.Error("notification permanently failed", fields...)

	if e.alerts != nil && e.cfg.AdminEmail != "" {
		e.sendAlert(ctx, n, reason, cause)
	}

	if e.dlq != nil {
		e.publish(ctx, n, reason)
	}
}

func (e *Escalator) publish(ctx context.Context, n *db.Notification, reason string) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AlertTimeout)
	defer cancel()

	if _, err := e.dlq.PublishDeadLetter(ctx, n, reason); err != nil {
		e.logger.Warn("failed to publish dead letter",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
	}
}

func (e *Escalator) sendAlert(ctx context.Context, n *db.Notification, reason string, cause error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AlertTimeout)
	defer cancel()

	subject := fmt.Sprintf("[herald] Notification %s permanently failed", n.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "Notification %s could not be delivered and will not be retried.\n\n", n.ID)
	fmt.Fprintf(&b, "User:       %s\n", n.UserID)
	fmt.Fprintf(&b, "Event type: %s\n", n.EventType)
	fmt.Fprintf(&b, "Attempts:   %d\n", n.Attempts)
	fmt.Fprintf(&b, "Reason:     %s\n", reason)
	if cause != nil {
		fmt.Fprintf(&b, "Last error: %v\n", cause)
	}

	if _, err := e.alerts.SendEmail(ctx, e.cfg.AdminEmail, subject, b.String()); err != nil {
		e.logger.Warn("failed to send admin alert",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
	}
}
