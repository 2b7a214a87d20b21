package message

import (
	"context"
	"time"

	"github.com/memohai/concierge/internal/media"
)

// Provenance records who authored a message.
type Provenance string

const (
	ProvenanceExternalUser     Provenance = "external-user"
	ProvenanceInternalOperator Provenance = "internal-operator"
	ProvenanceSystemGenerated  Provenance = "system-generated"
)

// Valid reports whether p is one of the known provenances.
func (p Provenance) Valid() bool {
	switch p {
	case ProvenanceExternalUser, ProvenanceInternalOperator, ProvenanceSystemGenerated:
		return true
	}
	return false
}

// Message is an immutable committed message. Seq is strictly increasing
// within a group.
type Message struct {
	ID                string             `json:"id"`
	GroupID           string             `json:"group_id"`
	Seq               int64              `json:"seq"`
	Provenance        Provenance         `json:"provenance"`
	SenderID          string             `json:"sender_id,omitempty"`
	Body              string             `json:"body"`
	ExternalMessageID string             `json:"external_message_id,omitempty"`
	Attachments       []media.Attachment `json:"attachments,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// CommitInput is the input for committing a message.
type CommitInput struct {
	GroupID           string
	Provenance        Provenance
	SenderID          string
	Body              string
	AttachmentIDs     []string
	ExternalMessageID string
}

// HistoryQuery pages through a group's messages by sequence.
type HistoryQuery struct {
	AfterSeq int64
	Limit    int
}

// Store persists messages.
//
// Commit allocates the next sequence number, inserts the message and links
// the attachments in a single transaction; it returns only once the
// transaction is durable.
type Store interface {
	Commit(ctx context.Context, input CommitInput) (Message, error)
	Get(ctx context.Context, id string) (Message, error)
	List(ctx context.Context, groupID string, afterSeq int64, limit int) ([]Message, error)
}
