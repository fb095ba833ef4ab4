package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// timeLayout keeps lexical and chronological order the same.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// OpenSQLite opens (or creates) a SQLite database and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		dsn = path
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; also keeps :memory: on a single connection.
	sqlDB.SetMaxOpenConns(1)

	if err := initSQLiteSchema(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}

// initSQLiteSchema creates the notifications table if needed.
func initSQLiteSchema(ctx context.Context, sqlDB *sql.DB) error {
	if _, err := sqlDB.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// SQLiteRepository stores notification records in SQLite.
type SQLiteRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteRepository(sqlDB *sql.DB, logger *zap.Logger) *SQLiteRepository {
	return &SQLiteRepository{db: sqlDB, logger: logger}
}

// Health checks if the database is reachable
func (r *SQLiteRepository) Health(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Insert(ctx context.Context, n *Notification) error {
	data, err := encodeContext(n.Context)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, user_id, event_type, status, attempts,
			context, sent_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID.String(),
		n.UserID.String(),
		n.EventType,
		string(n.Status),
		n.Attempts,
		string(data),
		formatNullTime(n.SentAt),
		formatTime(n.CreatedAt),
		formatTime(n.UpdatedAt),
	)
	if err != nil {
		r.logger.Error("failed to insert notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, n *Notification) error {
	data, err := encodeContext(n.Context)
	if err != nil {
		return err
	}

	err = r.db.QueryRowContext(ctx, `
		UPDATE notifications
		SET status = ?,
		    attempts = MAX(attempts, ?),
		    context = ?,
		    sent_at = ?,
		    updated_at = ?
		WHERE id = ?
		RETURNING attempts`,
		string(n.Status),
		n.Attempts,
		string(data),
		formatNullTime(n.SentAt),
		formatTime(n.UpdatedAt),
		n.ID.String(),
	).Scan(&n.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
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

// ClaimAttempt is the SQLite form of Repository.ClaimAttempt.
func (r *SQLiteRepository) ClaimAttempt(ctx context.Context, n *Notification, at time.Time) (bool, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx, `
		UPDATE notifications
		SET attempts = attempts + 1,
		    updated_at = ?
		WHERE id = ? AND status = 'FAILED' AND attempts = ?
		RETURNING attempts`,
		formatTime(at),
		n.ID.String(),
		n.Attempts,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
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

func (r *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id.String())

	n, err := scanSQLiteNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) Query(ctx context.Context, f Filter, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	where, args := whereClause(f, func(int) string { return "?" })
	return r.query(ctx, where, args, limit)
}

func (r *SQLiteRepository) query(ctx context.Context, where string, args []any, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications` + where +
		` ORDER BY created_at ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanSQLiteNotification(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteNotification(row rowScanner) (*Notification, error) {
	var (
		n                           Notification
		id, userID, status, ctxJSON string
		sentAt                      sql.NullString
		createdAt, updatedAt        string
	)
	if err := row.Scan(&id, &userID, &n.EventType, &status, &n.Attempts,
		&ctxJSON, &sentAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if n.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	if n.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	n.Status = Status(status)
	if n.Context, err = decodeContext([]byte(ctxJSON)); err != nil {
		return nil, err
	}
	if sentAt.Valid {
		t, err := time.Parse(timeLayout, sentAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse sent_at: %w", err)
		}
		n.SentAt = &t
	}
	if n.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if n.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
