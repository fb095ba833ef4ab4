package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/sqs"
)

type dispatcher interface {
	Dispatch(ctx context.Context, userID uuid.UUID, eventType string, values map[string]any) (*db.Notification, error)
}

// handleQueued runs one queued request through Dispatch. Only a request
// that left no record goes back to the queue; any other outcome is stored
// and the retry sweep owns it from there.
func handleQueued(d dispatcher, logger *zap.Logger) sqs.HandlerFunc {
	return func(ctx context.Context, req sqs.DispatchRequest) error {
		rec, err := d.Dispatch(ctx, req.UserID, req.EventType, req.Context)
		if err == nil {
			return nil
		}
		if errors.Is(err, notify.ErrNotPersisted) {
			return err
		}

		fields := []zap.Field{
			zap.Error(err),
			zap.String("user_id", req.UserID.String()),
			zap.String("event_type", req.EventType),
		}
		if rec != nil {
			fields = append(fields, zap.String("notification_id", rec.ID.String()))
		}
		logger.Warn("queued dispatch not delivered", fields...)
		return nil
	}
}

// dispatchOnce sends a single notification from the command line.
func dispatchOnce(ctx context.Context, d dispatcher, rawUserID, eventType, rawValues string, logger *zap.Logger) error {
	userID, err := uuid.Parse(rawUserID)
	if err != nil {
		return fmt.Errorf("invalid -dispatch-user: %w", err)
	}
	if eventType == "" {
		return errors.New("-event is required with -dispatch-user")
	}
	values, err := parseValues(rawValues)
	if err != nil {
		return err
	}

	rec, err := d.Dispatch(ctx, userID, eventType, values)
	if rec != nil {
		logger.Info("notification dispatched",
			zap.String("notification_id", rec.ID.String()),
			zap.String("status", string(rec.Status)),
		)
	}
	return err
}

func parseValues(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("invalid -values: %w", err)
	}
	if values == nil {
		values = map[string]any{}
	}
	return values, nil
}
