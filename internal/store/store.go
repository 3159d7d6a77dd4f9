// Package store persists the hub's activity log. The default implementation
// uses SQLite (pure Go, no CGO). Nothing in the log is ever replayed: it is
// an audit trail of registrations, deliveries and drops, not a message queue.
package store

import (
	"context"
	"time"
)

// ActivityKind classifies a hub activity entry.
type ActivityKind string

const (
	ActivityConnected    ActivityKind = "connected"
	ActivityRegistered   ActivityKind = "registered"
	ActivityDisconnected ActivityKind = "disconnected"
	ActivityDelivered    ActivityKind = "delivered"
	ActivityDropped      ActivityKind = "dropped"
)

// Activity is one entry in the hub's activity log.
type Activity struct {
	ID     int64        `json:"id" yaml:"id"`
	At     time.Time    `json:"at" yaml:"at"`
	Kind   ActivityKind `json:"kind" yaml:"kind"`
	ConnID string       `json:"conn_id,omitempty" yaml:"conn_id,omitempty"`
	Role   string       `json:"role,omitempty" yaml:"role,omitempty"`
	Event  string       `json:"event,omitempty" yaml:"event,omitempty"`
	Detail string       `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Store is the hub's activity storage interface. All methods are safe for
// concurrent use.
type Store interface {
	ActivityAppend(ctx context.Context, a Activity) error
	// ActivityList returns the most recent entries, newest first.
	ActivityList(ctx context.Context, limit int) ([]Activity, error)
	ActivityPrune(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources (e.g. closes the database).
	Close() error
}
