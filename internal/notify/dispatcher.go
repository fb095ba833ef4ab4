package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/templates"
)

// Dispatcher handles one notification request end to end. It is safe for
// concurrent use; each call owns the record it creates.
type Dispatcher struct {
	store     Store
	directory Directory
	pipeline  *pipeline
	logger    *zap.Logger
	now       func() time.Time
	newID     func() uuid.UUID
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps Deps) (*Dispatcher, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.logger()
	return &Dispatcher{
		store:     deps.Store,
		directory: deps.Directory,
		pipeline: &pipeline{
			renderer: deps.Renderer,
			email:    deps.Email,
			sms:      deps.SMS,
			logger:   logger,
		},
		logger: logger,
		now:    time.Now,
		newID:  uuid.New,
	}, nil
}

// Dispatch resolves the user, renders and sends the event, and persists
// exactly one record describing the outcome.
//
// A channel failure is not an error: the record is stored FAILED and the
// retry sweep picks it up. Errors are returned when the user cannot be
// resolved (ErrUserNotFound) or the template cannot be rendered
// (templates.ErrRender); in both cases a FAILED record is still stored and
// returned alongside the error. ErrNotPersisted means no record was written.
func (d *Dispatcher) Dispatch(ctx context.Context, userID uuid.UUID, eventType string, values map[string]any) (*db.Notification, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "notify.Dispatch",
		trace.WithAttributes(
			attribute.String("user_id", userID.String()),
			attribute.String("event_type", eventType),
		),
	)
	defer span.End()

	start := d.now()

	nctx, err := db.NewContext(values)
	if err != nil {
		span.SetStatus(codes.Error, "invalid context")
		return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}

	rec := &db.Notification{
		ID:        d.newID(),
		UserID:    userID,
		EventType: eventType,
		Status:    db.StatusPending,
		Context:   nctx,
		CreatedAt: start,
		UpdatedAt: start,
	}
	span.SetAttributes(attribute.String("notification_id", rec.ID.String()))

	logger := d.logger.With(
		zap.String("notification_id", rec.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("event_type", eventType),
	)

	profile, err := d.directory.Resolve(ctx, userID)
	if err != nil {
		logger.Error("user not resolved, marking as FAILED", zap.Error(err))
		resolveErr := fmt.Errorf("%w: %s: %w", ErrUserNotFound, userID, err)
		if perr := d.persist(ctx, rec, db.StatusFailed, ""); perr != nil {
			resolveErr = errors.Join(resolveErr, perr)
		}
		span.RecordError(resolveErr)
		span.SetStatus(codes.Error, "user not resolved")
		metrics.RecordDispatch(eventType, string(rec.Status), d.now().Sub(start))
		return rec, resolveErr
	}

	token, sendErr := d.pipeline.deliver(ctx, profile, eventType, values)

	status := db.StatusSent
	if sendErr != nil {
		status = db.StatusFailed
	}
	if err := d.persist(ctx, rec, status, token); err != nil {
		logger.Error("failed to persist notification", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, err
	}
	metrics.RecordDispatch(eventType, string(rec.Status), d.now().Sub(start))
	span.SetAttributes(attribute.String("status", string(rec.Status)))

	if sendErr != nil {
		span.RecordError(sendErr)
		if errors.Is(sendErr, templates.ErrRender) {
			logger.Error("template render failed, nothing sent", zap.Error(sendErr))
			span.SetStatus(codes.Error, "render failed")
			return rec, sendErr
		}
		logger.Error("failed to send notification", zap.Error(sendErr))
		return rec, nil
	}

	logger.Info("notification successfully sent")
	return rec, nil
}

// persistTimeout bounds the final insert, which still runs after the
// caller has gone away.
const persistTimeout = 10 * time.Second

// persist stamps the final state on rec and inserts it.
func (d *Dispatcher) persist(ctx context.Context, rec *db.Notification, status db.Status, token string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	now := d.now()
	rec.Status = status
	rec.UpdatedAt = now
	if status == db.StatusSent {
		rec.SentAt = &now
		rec.Context.DeliveryToken = token
	}
	if err := d.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("%w: %w", ErrNotPersisted, err)
	}
	return nil
}

// Get returns one record by id.
func (d *Dispatcher) Get(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return d.store.Get(ctx, id)
}

// List returns records matching f, oldest first.
func (d *Dispatcher) List(ctx context.Context, f db.Filter, limit int) ([]*db.Notification, error) {
	return d.store.Query(ctx, f, limit)
}
