package pipeline

import (
	"context"
	"io"

	"github.com/memohai/concierge/internal/delivery"
	"github.com/memohai/concierge/internal/group"
	"github.com/memohai/concierge/internal/identity"
	"github.com/memohai/concierge/internal/media"
	"github.com/memohai/concierge/internal/message"
)

// OperatorMessage is a reply composed by an operator in the console.
type OperatorMessage struct {
	GroupID    string
	OperatorID string
	Body       string
	Uploads    []Upload
}

// Upload is one file attached to an operator message.
type Upload struct {
	Reader      io.Reader
	ContentType string
	Name        string
}

type UserResolver interface {
	ResolveUser(ctx context.Context, externalID, displayName string) (identity.User, error)
}

type GroupResolver interface {
	ResolveGroupForUser(ctx context.Context, user identity.User) (group.Group, error)
	IsActiveOperatorMember(ctx context.Context, groupID, operatorID string) (bool, error)
}

type AttachmentPersister interface {
	PersistAttachment(ctx context.Context, input media.PersistInput) (media.Attachment, error)
	Discard(ctx context.Context, atts []media.Attachment)
}

type MessageCommitter interface {
	Commit(ctx context.Context, input message.CommitInput) (message.Message, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg message.Message) []delivery.Attempt
}

type Publisher interface {
	Publish(msg message.Message) int
}

// Deduper suppresses provider redeliveries. Release undoes a claim whose
// message could not be processed.
type Deduper interface {
	Claim(ctx context.Context, channel, providerMessageID string) (bool, error)
	Release(ctx context.Context, channel, providerMessageID string) error
}
