package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/concierge/internal/auth"
	"github.com/memohai/concierge/internal/delivery"
	"github.com/memohai/concierge/internal/errs"
	"github.com/memohai/concierge/internal/group"
	"github.com/memohai/concierge/internal/identity"
	"github.com/memohai/concierge/internal/media"
	"github.com/memohai/concierge/internal/message"
	"github.com/memohai/concierge/internal/operator"
	"github.com/memohai/concierge/internal/pipeline"
)

const testSecret = "handlers-test-secret"

type registrar interface {
	Register(e *echo.Echo)
}

func newTestEcho(hs ...registrar) *echo.Echo {
	e := echo.New()
	e.Use(auth.JWTMiddleware(testSecret, func(c echo.Context) bool {
		return c.Path() == "/auth/login"
	}))
	for _, h := range hs {
		h.Register(e)
	}
	return e
}

func tokenFor(t *testing.T, operatorID string) string {
	t.Helper()
	token, _, err := auth.GenerateToken(auth.Identity{OperatorID: operatorID, Username: operatorID}, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, e *echo.Echo, method, target, operatorID string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	if operatorID != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tokenFor(t, operatorID))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type fakeGroups struct {
	mu      sync.Mutex
	groups  map[string]group.Group
	members map[string][]group.Membership
	// inactive operators fail membership checks even when listed.
	inactive map[string]bool
	// afterListForMember runs once a member's groups have been read.
	afterListForMember func(memberID string)
}

func newFakeGroups() *fakeGroups {
	return &fakeGroups{
		groups:   map[string]group.Group{},
		members:  map[string][]group.Membership{},
		inactive: map[string]bool{},
	}
}

func (f *fakeGroups) add(groupID string, operatorIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[groupID] = group.Group{ID: groupID}
	for _, id := range operatorIDs {
		f.members[groupID] = append(f.members[groupID], group.Membership{GroupID: groupID, MemberID: id, Role: group.RoleInternalOperator})
	}
}

func (f *fakeGroups) Get(_ context.Context, groupID string) (group.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return group.Group{}, group.ErrGroupNotFound
	}
	return g, nil
}

func (f *fakeGroups) List(context.Context) ([]group.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]group.Group, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeGroups) ListMembers(_ context.Context, groupID string) ([]group.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]group.Membership(nil), f.members[groupID]...), nil
}

func (f *fakeGroups) ListGroupsForMember(_ context.Context, memberID string) ([]group.Group, error) {
	f.mu.Lock()
	var out []group.Group
	for groupID, members := range f.members {
		for _, m := range members {
			if m.MemberID == memberID {
				out = append(out, f.groups[groupID])
			}
		}
	}
	hook := f.afterListForMember
	f.mu.Unlock()
	if hook != nil {
		hook(memberID)
	}
	return out, nil
}

func (f *fakeGroups) IsActiveOperatorMember(_ context.Context, groupID, operatorID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inactive[operatorID] {
		return false, nil
	}
	for _, m := range f.members[groupID] {
		if m.MemberID == operatorID && m.Role == group.RoleInternalOperator {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeGroups) AddOperatorToGroup(_ context.Context, groupID, operatorID string) error {
	f.mu.Lock()
	if _, ok := f.groups[groupID]; !ok {
		f.mu.Unlock()
		return group.ErrGroupNotFound
	}
	f.mu.Unlock()
	if ok, _ := f.IsActiveOperatorMember(context.Background(), groupID, operatorID); ok {
		return nil
	}
	f.add(groupID, operatorID)
	return nil
}

func (f *fakeGroups) AddParticipant(_ context.Context, groupID string, user identity.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[groupID]; !ok {
		return group.ErrGroupNotFound
	}
	for _, m := range f.members[groupID] {
		if m.MemberID == user.ID {
			return nil
		}
	}
	f.members[groupID] = append(f.members[groupID], group.Membership{GroupID: groupID, MemberID: user.ID, Role: group.RoleExternalParticipant})
	return nil
}

// fakeUsers accepts numbers written with a leading plus.
type fakeUsers struct {
	mu    sync.Mutex
	users map[string]identity.User
}

func (f *fakeUsers) ResolveUser(_ context.Context, externalID, displayName string) (identity.User, error) {
	if len(externalID) < 2 || externalID[0] != '+' {
		return identity.User{}, errs.Validation("invalid phone number %q", externalID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.users == nil {
		f.users = map[string]identity.User{}
	}
	if u, ok := f.users[externalID]; ok {
		return u, nil
	}
	u := identity.User{ID: "user-" + externalID[1:], ExternalID: externalID, DisplayName: displayName}
	f.users[externalID] = u
	return u, nil
}

type fakeMessages struct {
	byID    map[string]message.Message
	byGroup map[string][]message.Message
}

func newFakeMessages(msgs ...message.Message) *fakeMessages {
	f := &fakeMessages{byID: map[string]message.Message{}, byGroup: map[string][]message.Message{}}
	for _, m := range msgs {
		f.byID[m.ID] = m
		f.byGroup[m.GroupID] = append(f.byGroup[m.GroupID], m)
	}
	return f
}

func (f *fakeMessages) Get(_ context.Context, id string) (message.Message, error) {
	m, ok := f.byID[id]
	if !ok {
		return message.Message{}, message.ErrMessageNotFound
	}
	return m, nil
}

func (f *fakeMessages) History(_ context.Context, groupID string, q message.HistoryQuery) ([]message.Message, error) {
	var out []message.Message
	for _, m := range f.byGroup[groupID] {
		if m.Seq > q.AfterSeq && len(out) < q.Limit {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeAttempts map[string][]delivery.Attempt

func (f fakeAttempts) ListByMessage(_ context.Context, messageID string) ([]delivery.Attempt, error) {
	return f[messageID], nil
}

func (f fakeAttempts) ListByMessages(_ context.Context, ids []string) (map[string][]delivery.Attempt, error) {
	out := make(map[string][]delivery.Attempt, len(ids))
	for _, id := range ids {
		if rows, ok := f[id]; ok {
			out[id] = rows
		}
	}
	return out, nil
}

type recordingComposer struct {
	got     []pipeline.OperatorMessage
	uploads [][]byte
	err     error
}

func (r *recordingComposer) HandleOperatorMessage(_ context.Context, in pipeline.OperatorMessage) (message.Message, error) {
	for _, u := range in.Uploads {
		data, _ := io.ReadAll(u.Reader)
		r.uploads = append(r.uploads, data)
	}
	r.got = append(r.got, in)
	if r.err != nil {
		return message.Message{}, r.err
	}
	return message.Message{ID: "m-new", GroupID: in.GroupID, Seq: 1, Provenance: message.ProvenanceInternalOperator, SenderID: in.OperatorID, Body: in.Body}, nil
}

type fakeAttachments struct {
	atts    map[string]media.Attachment
	content map[string][]byte
}

func (f *fakeAttachments) Get(_ context.Context, id string) (media.Attachment, error) {
	att, ok := f.atts[id]
	if !ok {
		return media.Attachment{}, media.ErrAttachmentNotFound
	}
	return att, nil
}

func (f *fakeAttachments) Open(ctx context.Context, id string) (io.ReadCloser, media.Attachment, error) {
	att, err := f.Get(ctx, id)
	if err != nil {
		return nil, media.Attachment{}, err
	}
	return io.NopCloser(bytes.NewReader(f.content[id])), att, nil
}

type fakeOperators struct {
	mu  sync.Mutex
	ops map[string]operator.Operator
	pw  map[string]string
}

func newFakeOperators(ops ...operator.Operator) *fakeOperators {
	f := &fakeOperators{ops: map[string]operator.Operator{}, pw: map[string]string{}}
	for _, op := range ops {
		f.ops[op.ID] = op
	}
	return f
}

func (f *fakeOperators) Create(_ context.Context, in operator.CreateInput) (operator.Operator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range f.ops {
		if op.Username == in.Username {
			return operator.Operator{}, operator.ErrUsernameTaken
		}
	}
	op := operator.Operator{ID: "op-" + in.Username, Username: in.Username, DisplayName: in.DisplayName, Active: true}
	f.ops[op.ID] = op
	f.pw[op.Username] = in.Password
	return op, nil
}

func (f *fakeOperators) Get(_ context.Context, id string) (operator.Operator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return operator.Operator{}, operator.ErrOperatorNotFound
	}
	return op, nil
}

func (f *fakeOperators) List(context.Context) ([]operator.Operator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]operator.Operator, 0, len(f.ops))
	for _, op := range f.ops {
		out = append(out, op)
	}
	return out, nil
}

func (f *fakeOperators) SetActive(_ context.Context, id string, active bool) (operator.Operator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return operator.Operator{}, operator.ErrOperatorNotFound
	}
	op.Active = active
	f.ops[id] = op
	return op, nil
}

func (f *fakeOperators) Authenticate(_ context.Context, username, password string) (operator.Operator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range f.ops {
		if op.Username != username {
			continue
		}
		if f.pw[username] != password {
			return operator.Operator{}, operator.ErrInvalidCredentials
		}
		if !op.Active {
			return operator.Operator{}, operator.ErrInactive
		}
		return op, nil
	}
	return operator.Operator{}, operator.ErrInvalidCredentials
}

func (f *fakeOperators) setPassword(username, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pw[username] = password
}
