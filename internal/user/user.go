// Package user implements the entity service: read-through cached lookups,
// transactional writes with cache invalidation, and event emission.
package user

import (
	"strings"
	"time"

	"github.com/google/uuid"

	dErrors "pulse/pkg/domain-errors"
)

// User is the entity snapshot. ID is server-generated and immutable; Email
// is unique among live users; UpdatedAt never precedes CreatedAt.
type User struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Tag       string    `json:"tag,omitempty"`
	Active    bool      `json:"active"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateRequest is the validated input for Create.
type CreateRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Tag   string `json:"tag"`
}

// Normalize trims the name and lowercases the email so uniqueness is
// case-insensitive.
func (r CreateRequest) Normalize() CreateRequest {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.Tag = strings.TrimSpace(r.Tag)
	return r
}

// Validate assumes Normalize has run.
func (r CreateRequest) Validate() error {
	if r.Name == "" {
		return dErrors.New(dErrors.CodeBadRequest, "name is required")
	}
	if r.Email == "" || !strings.Contains(r.Email, "@") {
		return dErrors.New(dErrors.CodeBadRequest, "a valid email is required")
	}
	return nil
}

// UpdateRequest is a partial patch: nil fields are left unchanged.
type UpdateRequest struct {
	Name      *string `json:"name,omitempty"`
	Email     *string `json:"email,omitempty"`
	Tag       *string `json:"tag,omitempty"`
	Active    *bool   `json:"active,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// NewUser builds a fresh snapshot from a normalized request.
func NewUser(req CreateRequest, now time.Time) *User {
	return &User{
		ID:        uuid.New(),
		Name:      req.Name,
		Email:     req.Email,
		Tag:       req.Tag,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// apply folds a patch into the snapshot. UpdatedAt advancement is the
// caller's job.
func (u *User) apply(patch UpdateRequest) {
	if patch.Name != nil {
		u.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Email != nil {
		u.Email = strings.ToLower(strings.TrimSpace(*patch.Email))
	}
	if patch.Tag != nil {
		u.Tag = strings.TrimSpace(*patch.Tag)
	}
	if patch.Active != nil {
		u.Active = *patch.Active
	}
	if patch.AvatarURL != nil {
		u.AvatarURL = *patch.AvatarURL
	}
}
