package db

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no record matches the given id.
var ErrNotFound = errors.New("notification not found")

// Status is the delivery state of a notification record.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// DeliveryTokenKey is the context key reserved for the email provider's
// delivery token.
const DeliveryTokenKey = "delivery_token"

// Notification is one dispatch attempt and its delivery state.
type Notification struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	EventType string     `json:"event_type"`
	Status    Status     `json:"status"`
	Attempts  int        `json:"attempts"`
	Context   Context    `json:"context"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Context is the caller-supplied template values plus the delivery token
// slot. On the wire both share one JSON object, with the token under
// DeliveryTokenKey.
type Context struct {
	Values        map[string]any
	DeliveryToken string
}

// NewContext validates caller values. The reserved key is rejected so a
// caller cannot forge a delivery token.
func NewContext(values map[string]any) (Context, error) {
	if _, ok := values[DeliveryTokenKey]; ok {
		return Context{}, fmt.Errorf("context key %q is reserved", DeliveryTokenKey)
	}
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return Context{Values: copied}, nil
}

// HasDeliveryToken reports whether a provider accepted the email.
func (c Context) HasDeliveryToken() bool {
	return c.DeliveryToken != ""
}

func (c Context) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Values)+1)
	for k, v := range c.Values {
		out[k] = v
	}
	if c.DeliveryToken != "" {
		out[DeliveryTokenKey] = c.DeliveryToken
	}
	return json.Marshal(out)
}

func (c *Context) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode context: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	c.DeliveryToken = ""
	if tok, ok := raw[DeliveryTokenKey]; ok {
		s, isString := tok.(string)
		if !isString {
			return fmt.Errorf("context key %q must be a string", DeliveryTokenKey)
		}
		c.DeliveryToken = s
		delete(raw, DeliveryTokenKey)
	}
	c.Values = raw
	return nil
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	UserID     *uuid.UUID
	EventType  string
	Status     Status
	AttemptsLT int // attempts < AttemptsLT when > 0
}

const defaultQueryLimit = 100
