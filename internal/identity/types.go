package identity

import (
	"context"
	"time"
)

// User is an external participant identified by a phone number.
type User struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"external_id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists users. Insert must report a lost uniqueness race as errs.ErrConflict.
type Store interface {
	GetByExternalID(ctx context.Context, externalID string) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	Insert(ctx context.Context, externalID, displayName string) (User, error)
	UpdateDisplayName(ctx context.Context, id, displayName string) (User, error)
}
