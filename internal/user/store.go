package user

import (
	"context"

	"github.com/google/uuid"
)

// Store is the narrow persistence interface the service consumes.
// Implementations return sentinel.ErrNotFound and sentinel.ErrConflict
// (optionally wrapped) for row absence and unique-constraint violations.
type Store interface {
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id uuid.UUID) error
	// Page returns up to limit users ordered by creation time descending.
	// A non-empty search matches name or email by case-insensitive substring.
	Page(ctx context.Context, limit, offset int, search string) ([]*User, error)
	Count(ctx context.Context, search string) (int64, error)
}
