package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/memohai/concierge/internal/errs"
)

const sweepBatch = 200

// Sweeper resolves pending attempts left behind by a crashed process and
// resumes the affected messages.
type Sweeper struct {
	store      Store
	messages   MessageGetter
	dispatcher *Dispatcher
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewSweeper creates a sweeper treating pending rows older than staleAfter
// as interrupted.
func NewSweeper(log *slog.Logger, store Store, messages MessageGetter, dispatcher *Dispatcher, staleAfter time.Duration) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		store:      store,
		messages:   messages,
		dispatcher: dispatcher,
		staleAfter: staleAfter,
		logger:     log.With(slog.String("service", "delivery_sweeper")),
	}
}

// Sweep runs one pass and returns the number of attempts it resolved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.ListStalePending(ctx, time.Now().Add(-s.staleAfter), sweepBatch)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, a := range stale {
		a.ID = ""
		a.AttemptedAt = time.Time{}
		a.Outcome = OutcomeFailed
		a.FailureReason = ReasonInterrupted
		a.ProviderMessageID = ""
		if _, err := s.store.Append(ctx, a); err != nil {
			// A live dispatcher resolved it in the meantime.
			if errors.Is(err, errs.ErrConflict) {
				continue
			}
			return resolved, err
		}
		resolved++
	}

	for _, messageID := range lo.Uniq(lo.Map(stale, func(a Attempt, _ int) string { return a.MessageID })) {
		msg, err := s.messages.Get(ctx, messageID)
		if err != nil {
			s.logger.Warn("load interrupted message failed", slog.String("message_id", messageID), slog.Any("error", err))
			continue
		}
		s.dispatcher.Resume(ctx, msg)
	}
	if resolved > 0 {
		s.logger.Info("interrupted attempts resolved", slog.Int("count", resolved))
	}
	return resolved, nil
}
