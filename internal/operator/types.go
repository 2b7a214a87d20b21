package operator

import (
	"context"
	"time"
)

// Operator is an internal concierge staff member.
type Operator struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	Active       bool      `json:"active"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateInput describes a new operator.
type CreateInput struct {
	Username    string `json:"username" yaml:"username" validate:"required,min=3,max=64"`
	DisplayName string `json:"display_name" yaml:"display_name" validate:"required,max=128"`
	Password    string `json:"password" yaml:"password" validate:"required,min=8,max=72"`
	Active      *bool  `json:"active,omitempty" yaml:"active,omitempty"`
}

// Store persists operators. Create reports a taken username as ErrUsernameTaken.
type Store interface {
	Create(ctx context.Context, op Operator) (Operator, error)
	GetByID(ctx context.Context, id string) (Operator, error)
	GetByUsername(ctx context.Context, username string) (Operator, error)
	List(ctx context.Context) ([]Operator, error)
	SetActive(ctx context.Context, id string, active bool) (Operator, error)
}
