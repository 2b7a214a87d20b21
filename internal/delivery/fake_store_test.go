package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/memohai/concierge/internal/errs"
	"github.com/memohai/concierge/internal/group"
	"github.com/memohai/concierge/internal/message"
)

type fakeStore struct {
	mu   sync.Mutex
	rows []Attempt
	seq  int
}

func (s *fakeStore) Append(_ context.Context, a Attempt) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.MessageID == a.MessageID && r.Target == a.Target && r.AttemptNo == a.AttemptNo && r.Outcome == a.Outcome {
			return Attempt{}, errs.Conflict("append attempt", fmt.Errorf("duplicate"))
		}
	}
	s.seq++
	a.ID = fmt.Sprintf("att-%d", s.seq)
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now()
	}
	s.rows = append(s.rows, a)
	return a, nil
}

func (s *fakeStore) ListByMessage(_ context.Context, messageID string) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Attempt
	for _, r := range s.rows {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) ListByMessages(ctx context.Context, ids []string) (map[string][]Attempt, error) {
	out := make(map[string][]Attempt, len(ids))
	for _, id := range ids {
		rows, _ := s.ListByMessage(ctx, id)
		if len(rows) > 0 {
			out[id] = rows
		}
	}
	return out, nil
}

func (s *fakeStore) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Attempt
	for _, p := range s.rows {
		if p.Outcome != OutcomePending || !p.AttemptedAt.Before(olderThan) {
			continue
		}
		answered := false
		for _, r := range s.rows {
			if r.MessageID == p.MessageID && r.Target == p.Target && r.AttemptNo == p.AttemptNo && r.Outcome != OutcomePending {
				answered = true
				break
			}
		}
		if !answered {
			out = append(out, p)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// forTarget returns the rows of one target in append order.
func (s *fakeStore) forTarget(target string) []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Attempt
	for _, r := range s.rows {
		if r.Target == target {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeStore) targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, r := range s.rows {
		if !seen[r.Target] {
			seen[r.Target] = true
			out = append(out, r.Target)
		}
	}
	sort.Strings(out)
	return out
}

type fakeParticipants map[string][]group.Participant

func (f fakeParticipants) ListExternalParticipants(_ context.Context, groupID string) ([]group.Participant, error) {
	return f[groupID], nil
}

type fakeMessages map[string]message.Message

func (f fakeMessages) Get(_ context.Context, id string) (message.Message, error) {
	msg, ok := f[id]
	if !ok {
		return message.Message{}, message.ErrMessageNotFound
	}
	return msg, nil
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []Attempt
}

func (r *recordingReporter) ReportDeliveryFailure(_ context.Context, _ message.Message, final Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, final)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

// brokenStore fails the first failPending pending writes, or every write
// when failAll is set.
type brokenStore struct {
	*fakeStore
	mu          sync.Mutex
	failAll     bool
	failPending int
}

func (s *brokenStore) Append(ctx context.Context, a Attempt) (Attempt, error) {
	s.mu.Lock()
	fail := s.failAll
	if !fail && a.Outcome == OutcomePending && s.failPending > 0 {
		s.failPending--
		fail = true
	}
	s.mu.Unlock()
	if fail {
		return Attempt{}, errs.Storage("append attempt", errors.New("connection reset"))
	}
	return s.fakeStore.Append(ctx, a)
}
