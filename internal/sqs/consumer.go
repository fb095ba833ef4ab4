package sqs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DispatchRequest is the message body on the dispatch queue.
type DispatchRequest struct {
	UserID    uuid.UUID      `json:"user_id"`
	EventType string         `json:"event_type"`
	Context   map[string]any `json:"context"`
}

// HandlerFunc processes one request. A nil error deletes the message; an
// error hands it back to the queue for redelivery after RetryDelay.
type HandlerFunc func(ctx context.Context, req DispatchRequest) error

// ConsumerConfig tunes the dispatch queue consumer.
type ConsumerConfig struct {
	Region   string
	QueueURL string

	// MaxMessages per receive, 1 to 10.
	MaxMessages int32
	// WaitTimeSeconds is the long-poll wait.
	WaitTimeSeconds int32
	// VisibilityTimeout hides a received message from other consumers, in
	// seconds. It must outlast one dispatch.
	VisibilityTimeout int32
	// RetryDelay is how long a failed message stays hidden, in seconds.
	RetryDelay int32
	// Workers bounds concurrent dispatches.
	Workers int
	// ErrorDelay is the pause after a failed receive.
	ErrorDelay time.Duration
}

func (c *ConsumerConfig) setDefaults() {
	if c.MaxMessages <= 0 || c.MaxMessages > 10 {
		c.MaxMessages = 10
	}
	if c.WaitTimeSeconds <= 0 {
		c.WaitTimeSeconds = 20
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 120
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30
	}
	if c.Workers <= 0 {
		c.Workers = int(c.MaxMessages)
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = 5 * time.Second
	}
}

type consumerAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// ackTimeout bounds delete and visibility calls, which still run after
// shutdown has begun.
const ackTimeout = 5 * time.Second

// Consumer long-polls the dispatch queue and hands each request to a
// HandlerFunc.
type Consumer struct {
	client consumerAPI
	cfg    ConsumerConfig
	logger *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg ConsumerConfig, logger *zap.Logger) (*Consumer, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("dispatch queue URL is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	cfg.setDefaults()

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.Int("workers", cfg.Workers),
	)

	return &Consumer{
		client: sqs.NewFromConfig(awsCfg),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run receives until ctx is cancelled. In-flight messages finish before it
// returns. Receive errors are logged and retried, so Run only returns nil.
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Workers)
	defer func() { _ = g.Wait() }()

	for ctx.Err() == nil {
		msgs, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("sqs receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.ErrorDelay):
			}
			continue
		}

		for _, m := range msgs {
			g.Go(func() error {
				c.process(ctx, m, handle)
				return nil
			})
		}
	}

	c.logger.Info("sqs consumer stopping")
	return nil
}

func (c *Consumer) receive(ctx context.Context) ([]types.Message, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: c.cfg.MaxMessages,
		WaitTimeSeconds:     c.cfg.WaitTimeSeconds,
		VisibilityTimeout:   c.cfg.VisibilityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}
	return out.Messages, nil
}

func (c *Consumer) process(ctx context.Context, m types.Message, handle HandlerFunc) {
	logger := c.logger.With(zap.String("sqs_message_id", aws.ToString(m.MessageId)))
	receipt := aws.ToString(m.ReceiptHandle)

	req, err := decodeRequest(aws.ToString(m.Body))
	if err != nil {
		// Redelivery cannot fix a bad body.
		logger.Error("dropping malformed dispatch request", zap.Error(err))
		c.delete(ctx, receipt, logger)
		return
	}

	if err := handle(ctx, req); err != nil {
		logger.Warn("dispatch request will be redelivered",
			zap.Error(err),
			zap.String("user_id", req.UserID.String()),
			zap.String("event_type", req.EventType),
		)
		c.changeVisibility(ctx, receipt, c.cfg.RetryDelay, logger)
		return
	}
	c.delete(ctx, receipt, logger)
}

func decodeRequest(body string) (DispatchRequest, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()

	var req DispatchRequest
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid message format: %w", err)
	}
	if req.UserID == uuid.Nil {
		return req, errors.New("user_id is required")
	}
	if req.EventType == "" {
		return req, errors.New("event_type is required")
	}
	return req, nil
}

// delete acknowledges a message.
func (c *Consumer) delete(ctx context.Context, receipt string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		logger.Error("sqs delete failed, message will be redelivered", zap.Error(err))
	}
}

func (c *Consumer) changeVisibility(ctx context.Context, receipt string, seconds int32, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.cfg.QueueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		logger.Warn("sqs change visibility failed", zap.Error(err))
	}
}
