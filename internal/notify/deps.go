// Package notify delivers notifications, records their outcome and
// retries failed deliveries.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/directory"
	"github.com/lalithlochan/herald/internal/templates"
)

const tracerName = "github.com/lalithlochan/herald/internal/notify"

// Store persists notification records.
type Store interface {
	Insert(ctx context.Context, n *db.Notification) error
	Update(ctx context.Context, n *db.Notification) error
	// ClaimAttempt increments attempts on a FAILED record whose stored
	// count still equals n.Attempts, and reports whether it did.
	ClaimAttempt(ctx context.Context, n *db.Notification, at time.Time) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	Query(ctx context.Context, f db.Filter, limit int) ([]*db.Notification, error)
}

// Directory resolves a user's delivery preferences.
type Directory interface {
	Resolve(ctx context.Context, userID uuid.UUID) (*directory.Profile, error)
}

// Renderer produces localized content for an event.
type Renderer interface {
	Render(eventType, language string, values map[string]any) (templates.Rendered, error)
}

// Deps are the collaborators shared by Dispatcher and Sweeper.
type Deps struct {
	Store     Store
	Directory Directory
	Renderer  Renderer
	Email     channel.EmailSender // retry and breaker already applied
	SMS       channel.SMSSender
	Logger    *zap.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("notify: store is required")
	case d.Directory == nil:
		return errors.New("notify: directory is required")
	case d.Renderer == nil:
		return errors.New("notify: renderer is required")
	case d.Email == nil:
		return errors.New("notify: email sender is required")
	case d.SMS == nil:
		return errors.New("notify: sms sender is required")
	}
	return nil
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
