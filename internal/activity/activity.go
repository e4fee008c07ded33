// Package activity records what happened to which user: an append-only log
// written as a side effect of service operations and mirrored onto the event
// bus for live consumers.
package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action is the closed set of things an activity can describe.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionView   Action = "view"
	ActionUpload Action = "upload"
)

// Activity is immutable once written. Rows are removed only by the cascade
// on user delete or by the retention sweep.
type Activity struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Action    Action    `json:"action"`
	Detail    string    `json:"detail"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists activity records.
type Store interface {
	Append(ctx context.Context, a Activity) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Activity, error)
	ListRecent(ctx context.Context, limit int) ([]Activity, error)
	CountByUser(ctx context.Context, userID uuid.UUID) (int64, error)
	// DeleteByUser removes all records for a user. Deleting for an absent
	// user is a no-op, which keeps the delete cascade idempotent.
	DeleteByUser(ctx context.Context, userID uuid.UUID) error
	// PurgeBefore is the retention sweep.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
