package handlers

import (
	"context"
	"io"

	"github.com/memohai/concierge/internal/delivery"
	"github.com/memohai/concierge/internal/group"
	"github.com/memohai/concierge/internal/identity"
	"github.com/memohai/concierge/internal/media"
	"github.com/memohai/concierge/internal/message"
	"github.com/memohai/concierge/internal/operator"
	"github.com/memohai/concierge/internal/pipeline"
)

// GroupService is the group surface the console needs.
type GroupService interface {
	Get(ctx context.Context, groupID string) (group.Group, error)
	List(ctx context.Context) ([]group.Group, error)
	ListMembers(ctx context.Context, groupID string) ([]group.Membership, error)
	ListGroupsForMember(ctx context.Context, memberID string) ([]group.Group, error)
	IsActiveOperatorMember(ctx context.Context, groupID, operatorID string) (bool, error)
	AddOperatorToGroup(ctx context.Context, groupID, operatorID string) error
	AddParticipant(ctx context.Context, groupID string, user identity.User) error
}

// UserResolver maps external phone numbers to users.
type UserResolver interface {
	ResolveUser(ctx context.Context, externalID, displayName string) (identity.User, error)
}

type MessageReader interface {
	Get(ctx context.Context, id string) (message.Message, error)
	History(ctx context.Context, groupID string, q message.HistoryQuery) ([]message.Message, error)
}

type AttemptReader interface {
	ListByMessage(ctx context.Context, messageID string) ([]delivery.Attempt, error)
	ListByMessages(ctx context.Context, messageIDs []string) (map[string][]delivery.Attempt, error)
}

type Composer interface {
	HandleOperatorMessage(ctx context.Context, in pipeline.OperatorMessage) (message.Message, error)
}

type AttachmentReader interface {
	Get(ctx context.Context, id string) (media.Attachment, error)
	Open(ctx context.Context, id string) (io.ReadCloser, media.Attachment, error)
}

type OperatorService interface {
	Create(ctx context.Context, input operator.CreateInput) (operator.Operator, error)
	Get(ctx context.Context, id string) (operator.Operator, error)
	List(ctx context.Context) ([]operator.Operator, error)
	SetActive(ctx context.Context, id string, active bool) (operator.Operator, error)
	Authenticate(ctx context.Context, username, password string) (operator.Operator, error)
}
