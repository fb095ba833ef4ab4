package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const notificationColumns = `id, user_id, event_type, status, attempts, context, sent_at, created_at, updated_at`

// Repository stores notification records in PostgreSQL.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Insert writes a new record.
func (r *Repository) Insert(ctx context.Context, n *Notification) error {
	data, err := encodeContext(n.Context)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO notifications (
			id, user_id, event_type, status, attempts,
			context, sent_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.Pool().Exec(ctx, query,
		n.ID,
		n.UserID,
		n.EventType,
		string(n.Status),
		n.Attempts,
		data,
		n.SentAt,
		n.CreatedAt,
		n.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("failed to insert notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification inserted",
		zap.String("notification_id", n.ID.String()),
		zap.String("status", string(n.Status)),
	)
	return nil
}

// Update persists status, attempts, context, sent_at and updated_at in a
// single statement. The stored attempts never decrease; n.Attempts is
// refreshed from the stored value.
func (r *Repository) Update(ctx context.Context, n *Notification) error {
	data, err := encodeContext(n.Context)
	if err != nil {
		return err
	}

	query := `
		UPDATE notifications
		SET status = $2,
		    attempts = GREATEST(attempts, $3),
		    context = $4,
		    sent_at = $5,
		    updated_at = $6
		WHERE id = $1
		RETURNING attempts
	`
	err = r.db.Pool().QueryRow(ctx, query,
		n.ID,
		string(n.Status),
		n.Attempts,
		data,
		n.SentAt,
		n.UpdatedAt,
	).Scan(&n.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, n.ID)
	}
	if err != nil {
		r.logger.Error("failed to update notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("update notification: %w", err)
	}
	return nil
}

// ClaimAttempt increments attempts on a FAILED record only if the stored
// count still equals n.Attempts. It reports false when another pass got
// there first or the record left FAILED. On success n.Attempts and
// n.UpdatedAt hold the stored values.
func (r *Repository) ClaimAttempt(ctx context.Context, n *Notification, at time.Time) (bool, error) {
	query := `
		UPDATE notifications
		SET attempts = attempts + 1,
		    updated_at = $3
		WHERE id = $1 AND status = 'FAILED' AND attempts = $2
		RETURNING attempts
	`
	var attempts int
	err := r.db.Pool().QueryRow(ctx, query, n.ID, n.Attempts, at).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.Error("failed to claim notification attempt",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return false, fmt.Errorf("claim attempt: %w", err)
	}
	n.Attempts = attempts
	n.UpdatedAt = at
	return true, nil
}

// Get retrieves a notification by ID
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// Query returns matching records, oldest first.
func (r *Repository) Query(ctx context.Context, f Filter, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	where, args := whereClause(f, func(n int) string { return "$" + strconv.Itoa(n) })
	args = append(args, limit)
	query := `SELECT ` + notificationColumns + ` FROM notifications` + where +
		` ORDER BY created_at ASC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var (
		n      Notification
		status string
		data   []byte
	)
	if err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.EventType,
		&status,
		&n.Attempts,
		&data,
		&n.SentAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	n.Status = Status(status)

	c, err := decodeContext(data)
	if err != nil {
		return nil, err
	}
	n.Context = c
	return &n, nil
}
