// Package sqs reads dispatch requests from a queue and publishes
// permanently failed notifications to a dead-letter queue.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region string
	DLQURL string
}

// DeadLetter is the message body sent to the queue.
type DeadLetter struct {
	NotificationID string     `json:"notification_id"`
	UserID         string     `json:"user_id"`
	EventType      string     `json:"event_type"`
	Attempts       int        `json:"attempts"`
	Reason         string     `json:"reason"`
	Context        db.Context `json:"context"`
	FailedAt       time.Time  `json:"failed_at"`
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DeadLetterPublisher sends escalated notifications to the DLQ.
type DeadLetterPublisher struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewDeadLetterPublisher creates a new SQS dead-letter publisher.
func NewDeadLetterPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*DeadLetterPublisher, error) {
	if cfg.DLQURL == "" {
		return nil, errors.New("dead-letter queue URL is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs dead-letter publisher initialized",
		zap.String("queue_url", cfg.DLQURL),
	)

	return &DeadLetterPublisher{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.DLQURL,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// PublishDeadLetter sends one record to the queue and returns the SQS
// message id.
func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, n *db.Notification, reason string) (string, error) {
	msg := DeadLetter{
		NotificationID: n.ID.String(),
		UserID:         n.UserID.String(),
		EventType:      n.EventType,
		Attempts:       n.Attempts,
		Reason:         reason,
		Context:        n.Context,
		FailedAt:       p.now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.EventType),
			},
		},
	})
	if err != nil {
		p.logger.Error("failed to send dead letter to sqs",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
