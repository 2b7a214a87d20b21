package message

import (
	"context"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/memohai/concierge/internal/errs"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Service is the only writer of messages.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a message service.
func NewService(log *slog.Logger, store Store) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		logger: log.With(slog.String("service", "message")),
	}
}

// Commit validates input and durably records the message.
func (s *Service) Commit(ctx context.Context, input CommitInput) (Message, error) {
	input.GroupID = strings.TrimSpace(input.GroupID)
	input.SenderID = strings.TrimSpace(input.SenderID)
	input.AttachmentIDs = lo.Uniq(lo.Filter(input.AttachmentIDs, func(id string, _ int) bool {
		return strings.TrimSpace(id) != ""
	}))
	if err := validateCommit(input); err != nil {
		return Message{}, err
	}
	msg, err := s.store.Commit(ctx, input)
	if err != nil {
		return Message{}, err
	}
	s.logger.Info("message committed",
		slog.String("message_id", msg.ID),
		slog.String("group_id", msg.GroupID),
		slog.Int64("seq", msg.Seq),
		slog.String("provenance", string(msg.Provenance)),
		slog.Int("attachments", len(msg.Attachments)),
	)
	return msg, nil
}

func validateCommit(input CommitInput) error {
	if input.GroupID == "" {
		return errs.Validation("group id is required")
	}
	if !input.Provenance.Valid() {
		return errs.Validation("unknown provenance %q", input.Provenance)
	}
	if input.Provenance == ProvenanceSystemGenerated {
		if input.SenderID != "" {
			return errs.Validation("system messages have no sender")
		}
		if strings.TrimSpace(input.Body) == "" {
			return errs.Validation("system messages need a body")
		}
		return nil
	}
	if input.SenderID == "" {
		return errs.Validation("sender id is required for %s messages", input.Provenance)
	}
	if strings.TrimSpace(input.Body) == "" && len(input.AttachmentIDs) == 0 {
		return errs.Validation("message needs a body or an attachment")
	}
	return nil
}

// Get returns a message by id.
func (s *Service) Get(ctx context.Context, id string) (Message, error) {
	return s.store.Get(ctx, id)
}

// History returns messages of groupID with seq greater than q.AfterSeq, in
// sequence order.
func (s *Service) History(ctx context.Context, groupID string, q HistoryQuery) ([]Message, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, errs.Validation("group id is required")
	}
	if q.AfterSeq < 0 {
		q.AfterSeq = 0
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultHistoryLimit
	case q.Limit > MaxHistoryLimit:
		q.Limit = MaxHistoryLimit
	}
	return s.store.List(ctx, groupID, q.AfterSeq, q.Limit)
}
