package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/memohai/concierge/internal/delivery"
	"github.com/memohai/concierge/internal/errs"
	"github.com/memohai/concierge/internal/group"
	"github.com/memohai/concierge/internal/identity"
	"github.com/memohai/concierge/internal/media"
	"github.com/memohai/concierge/internal/message"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]identity.User
}

func (f *fakeUsers) ResolveUser(_ context.Context, externalID, displayName string) (identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.users == nil {
		f.users = map[string]identity.User{}
	}
	if u, ok := f.users[externalID]; ok {
		return u, nil
	}
	u := identity.User{ID: fmt.Sprintf("user-%d", len(f.users)+1), ExternalID: externalID, DisplayName: displayName}
	f.users[externalID] = u
	return u, nil
}

type fakeGroups struct {
	mu        sync.Mutex
	threads   map[string]group.Group
	operators map[string]map[string]bool
	external  map[string][]group.Participant
}

func newFakeGroups() *fakeGroups {
	return &fakeGroups{
		threads:   map[string]group.Group{},
		operators: map[string]map[string]bool{},
		external:  map[string][]group.Participant{},
	}
}

func (f *fakeGroups) ResolveGroupForUser(_ context.Context, user identity.User) (group.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.threads[user.ID]; ok {
		return g, nil
	}
	g := group.Group{ID: "group-" + user.ID, CreatedAt: time.Now()}
	f.threads[user.ID] = g
	f.external[g.ID] = append(f.external[g.ID], group.Participant{UserID: user.ID, ExternalID: user.ExternalID})
	return g, nil
}

func (f *fakeGroups) IsActiveOperatorMember(_ context.Context, groupID, operatorID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.operators[groupID][operatorID], nil
}

func (f *fakeGroups) ListExternalParticipants(_ context.Context, groupID string) ([]group.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]group.Participant(nil), f.external[groupID]...), nil
}

func (f *fakeGroups) addOperator(groupID, operatorID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.operators[groupID] == nil {
		f.operators[groupID] = map[string]bool{}
	}
	f.operators[groupID][operatorID] = true
}

func (f *fakeGroups) addExternal(groupID string, p group.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.external[groupID] = append(f.external[groupID], p)
}

// fakeAttachments fails any input named "broken".
type fakeAttachments struct {
	mu        sync.Mutex
	persisted []media.Attachment
	discarded []media.Attachment
}

func (f *fakeAttachments) PersistAttachment(_ context.Context, in media.PersistInput) (media.Attachment, error) {
	if in.OriginalName == "broken" || in.Ref == "broken" {
		return media.Attachment{}, errs.Storage("persist attachment", errors.New("disk full"))
	}
	var size int64
	if in.Reader != nil {
		n, err := io.Copy(io.Discard, in.Reader)
		if err != nil {
			return media.Attachment{}, err
		}
		size = n
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	att := media.Attachment{
		ID:           fmt.Sprintf("att-%d", len(f.persisted)+1),
		ContentType:  in.ContentType,
		OriginalName: in.OriginalName,
		SizeBytes:    size,
	}
	f.persisted = append(f.persisted, att)
	return att, nil
}

func (f *fakeAttachments) Discard(_ context.Context, atts []media.Attachment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, atts...)
}

type fakeMessages struct {
	mu      sync.Mutex
	seq     map[string]int64
	commits []message.Message
	fail    error
}

func (f *fakeMessages) Commit(_ context.Context, in message.CommitInput) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return message.Message{}, f.fail
	}
	if f.seq == nil {
		f.seq = map[string]int64{}
	}
	f.seq[in.GroupID]++
	msg := message.Message{
		ID:                fmt.Sprintf("msg-%d", len(f.commits)+1),
		GroupID:           in.GroupID,
		Seq:               f.seq[in.GroupID],
		Provenance:        in.Provenance,
		SenderID:          in.SenderID,
		Body:              in.Body,
		ExternalMessageID: in.ExternalMessageID,
		CreatedAt:         time.Now(),
	}
	for _, id := range in.AttachmentIDs {
		msg.Attachments = append(msg.Attachments, media.Attachment{ID: id, MessageID: msg.ID})
	}
	f.commits = append(f.commits, msg)
	return msg, nil
}

func (f *fakeMessages) all() []message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Message(nil), f.commits...)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (r *recordingDispatcher) Dispatch(_ context.Context, msg message.Message) []delivery.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (r *recordingPublisher) Publish(msg message.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return 1
}

func (r *recordingPublisher) published() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Message(nil), r.msgs...)
}

type fakeDeduper struct {
	mu      sync.Mutex
	claimed map[string]bool
	err     error
}

func (f *fakeDeduper) Claim(_ context.Context, channel, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.claimed == nil {
		f.claimed = map[string]bool{}
	}
	key := channel + ":" + id
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	return true, nil
}

func (f *fakeDeduper) Release(_ context.Context, channel, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, channel+":"+id)
	return nil
}

// memAttempts is a minimal delivery log for end-to-end dispatcher runs.
type memAttempts struct {
	mu   sync.Mutex
	rows []delivery.Attempt
}

func (m *memAttempts) Append(_ context.Context, a delivery.Attempt) (delivery.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.MessageID == a.MessageID && r.Target == a.Target && r.AttemptNo == a.AttemptNo && r.Outcome == a.Outcome {
			return delivery.Attempt{}, errs.Conflict("append attempt", errors.New("duplicate"))
		}
	}
	a.AttemptedAt = time.Now()
	m.rows = append(m.rows, a)
	return a, nil
}

func (m *memAttempts) ListByMessage(_ context.Context, messageID string) ([]delivery.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []delivery.Attempt
	for _, r := range m.rows {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memAttempts) ListByMessages(ctx context.Context, ids []string) (map[string][]delivery.Attempt, error) {
	out := map[string][]delivery.Attempt{}
	for _, id := range ids {
		rows, _ := m.ListByMessage(ctx, id)
		out[id] = rows
	}
	return out, nil
}

func (m *memAttempts) ListStalePending(context.Context, time.Time, int) ([]delivery.Attempt, error) {
	return nil, nil
}
