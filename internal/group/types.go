package group

import (
	"context"
	"time"

	"github.com/memohai/concierge/internal/operator"
)

// Role tags a membership as external participant or internal operator.
type Role string

const (
	RoleExternalParticipant Role = "external-participant"
	RoleInternalOperator    Role = "internal-operator"
)

// Group is a conversation thread.
type Group struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership links a user or operator to a group. ThreadOwner marks the
// external user whose first contact created the group.
type Membership struct {
	GroupID     string    `json:"group_id"`
	MemberID    string    `json:"member_id"`
	Role        Role      `json:"role"`
	ThreadOwner bool      `json:"thread_owner"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Participant is an external member resolved to its phone number.
type Participant struct {
	UserID      string `json:"user_id"`
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Store persists groups and memberships.
//
// CreateThread inserts a group and its thread-owner membership atomically and
// returns errs.ErrConflict when another writer already created the thread.
// AddMember is idempotent and reports whether a row was inserted.
type Store interface {
	Get(ctx context.Context, groupID string) (Group, error)
	List(ctx context.Context) ([]Group, error)
	FindThread(ctx context.Context, userID string) (Group, error)
	CreateThread(ctx context.Context, userID string) (Group, error)
	AddMember(ctx context.Context, groupID, memberID string, role Role) (bool, error)
	GetMembership(ctx context.Context, groupID, memberID string) (Membership, error)
	ListMembers(ctx context.Context, groupID string) ([]Membership, error)
	ListExternalParticipants(ctx context.Context, groupID string) ([]Participant, error)
	ListGroupsForMember(ctx context.Context, memberID string) ([]Group, error)
}

// OperatorDirectory looks up operators for membership checks.
type OperatorDirectory interface {
	Get(ctx context.Context, id string) (operator.Operator, error)
}

// MembershipListener is told about memberships created after startup.
type MembershipListener interface {
	MemberAdded(groupID, memberID string, role Role)
}
