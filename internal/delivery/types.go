package delivery

import (
	"context"
	"io"
	"time"

	"github.com/memohai/concierge/internal/group"
	"github.com/memohai/concierge/internal/media"
	"github.com/memohai/concierge/internal/message"
)

// Outcome is the state recorded by one attempt row.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Status is the derived delivery state of a message.
type Status string

const (
	StatusNone      Status = "none"
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// ReasonInterrupted marks a pending attempt resolved by the sweeper.
const ReasonInterrupted = "attempt interrupted"

// Attempt is one append-only row of the delivery log. An attempt is opened
// with a pending row and resolved by a success or failed row carrying the
// same AttemptNo.
type Attempt struct {
	ID                string    `json:"id"`
	MessageID         string    `json:"message_id"`
	MemberID          string    `json:"member_id"`
	Target            string    `json:"target"`
	AttemptNo         int       `json:"attempt_no"`
	Outcome           Outcome   `json:"outcome"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	AttemptedAt       time.Time `json:"attempted_at"`
}

// Store persists delivery attempts. Append reports a duplicate
// (message, target, attempt, outcome) row as errs.ErrConflict.
type Store interface {
	Append(ctx context.Context, attempt Attempt) (Attempt, error)
	ListByMessage(ctx context.Context, messageID string) ([]Attempt, error)
	ListByMessages(ctx context.Context, messageIDs []string) (map[string][]Attempt, error)
	// ListStalePending returns pending rows older than olderThan that no
	// resolution row answers.
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Attempt, error)
}

// ParticipantLister returns the external members of a group.
type ParticipantLister interface {
	ListExternalParticipants(ctx context.Context, groupID string) ([]group.Participant, error)
}

// AttachmentOpener gives senders access to persisted attachments.
type AttachmentOpener interface {
	Open(ctx context.Context, id string) (io.ReadCloser, media.Attachment, error)
	AccessPath(att media.Attachment) string
}

// FailureReporter is told when a target exhausted its attempts.
type FailureReporter interface {
	ReportDeliveryFailure(ctx context.Context, msg message.Message, final Attempt)
}

// MessageGetter loads committed messages for resumption.
type MessageGetter interface {
	Get(ctx context.Context, id string) (message.Message, error)
}
