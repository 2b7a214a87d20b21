package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/memohai/concierge/internal/errs"
)

type fakeStore struct {
	mu         sync.Mutex
	users      map[string]User
	nextID     int
	staleReads int
	inserts    int
	conflicts  int
	getErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]User{}}
}

func (s *fakeStore) GetByExternalID(_ context.Context, externalID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return User{}, s.getErr
	}
	if s.staleReads > 0 {
		s.staleReads--
		return User{}, ErrUserNotFound
	}
	user, ok := s.users[externalID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.ID == id {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *fakeStore) Insert(_ context.Context, externalID, displayName string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[externalID]; exists {
		s.conflicts++
		return User{}, errs.Conflict("insert user", errors.New("duplicate key"))
	}
	s.nextID++
	s.inserts++
	user := User{ID: fmt.Sprintf("user-%d", s.nextID), ExternalID: externalID, DisplayName: displayName, CreatedAt: time.Now()}
	s.users[externalID] = user
	return user, nil
}

func (s *fakeStore) UpdateDisplayName(_ context.Context, id, displayName string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, user := range s.users {
		if user.ID == id {
			user.DisplayName = displayName
			s.users[key] = user
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeExternalID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "+15551234567", want: "+15551234567"},
		{in: " +1 (555) 123-4567 ", want: "+15551234567"},
		{in: "whatsapp:+447700900123", want: "+447700900123"},
		{in: "15551234567", want: "+15551234567"},
		{in: "", wantErr: true},
		{in: "hello", wantErr: true},
		{in: "+0123", wantErr: true},
		{in: "+1555123456789012345", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeExternalID(tc.in)
			if tc.wantErr {
				if !errors.Is(err, errs.ErrValidation) {
					t.Fatalf("expected validation error, got %q, %v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveUserCreatesOnFirstContact(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	resolver := NewResolver(discardLogger(), store)

	first, err := resolver.ResolveUser(context.Background(), "+15551234567", "Ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ExternalID != "+15551234567" || first.DisplayName != "Ada" {
		t.Fatalf("unexpected user: %+v", first)
	}
	second, err := resolver.ResolveUser(context.Background(), "+1 555 123 4567", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same user, got %s and %s", first.ID, second.ID)
	}
	if store.inserts != 1 {
		t.Fatalf("expected one insert, got %d", store.inserts)
	}
}

func TestResolveUserRejectsMalformedWithoutSideEffects(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	resolver := NewResolver(discardLogger(), store)

	_, err := resolver.ResolveUser(context.Background(), "not-a-phone", "")
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(store.users) != 0 {
		t.Fatalf("expected no users, got %d", len(store.users))
	}
}

func TestResolveUserLostRaceRereads(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	// Two resolvers stand in for two processes sharing one database.
	a := NewResolver(discardLogger(), store)
	b := NewResolver(discardLogger(), store)

	userA, err := a.ResolveUser(context.Background(), "+15551234567", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// b reads before a's row is visible, then its insert conflicts.
	store.mu.Lock()
	store.staleReads = 1
	store.mu.Unlock()

	userB, err := b.ResolveUser(context.Background(), "+15551234567", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userA.ID != userB.ID {
		t.Fatalf("expected one user, got %s and %s", userA.ID, userB.ID)
	}
	if store.conflicts != 1 || store.inserts != 1 {
		t.Fatalf("inserts=%d conflicts=%d", store.inserts, store.conflicts)
	}
}

func TestResolveUserConcurrentCreatesExactlyOne(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	resolvers := []*Resolver{NewResolver(discardLogger(), store), NewResolver(discardLogger(), store), NewResolver(discardLogger(), store)}

	const workers = 60
	ids := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user, err := resolvers[i%len(resolvers)].ResolveUser(context.Background(), "+15551234567", "")
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			ids <- user.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	if len(seen) != 1 {
		t.Fatalf("expected a single user id, got %v", seen)
	}
	if len(store.users) != 1 {
		t.Fatalf("expected one stored user, got %d", len(store.users))
	}
}

func TestResolveUserUpdatesDisplayName(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	resolver := NewResolver(discardLogger(), store)

	if _, err := resolver.ResolveUser(context.Background(), "+15551234567", "Ada"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user, err := resolver.ResolveUser(context.Background(), "+15551234567", "Ada Lovelace")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.DisplayName != "Ada Lovelace" {
		t.Fatalf("display name not updated: %+v", user)
	}
	if user.ExternalID != "+15551234567" {
		t.Fatalf("identifier changed: %+v", user)
	}
}

func TestResolveUserPropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.getErr = errors.New("connection refused")
	resolver := NewResolver(discardLogger(), store)

	if _, err := resolver.ResolveUser(context.Background(), "+15551234567", ""); err == nil {
		t.Fatal("expected error")
	}
	if store.inserts != 0 {
		t.Fatalf("expected no inserts, got %d", store.inserts)
	}
}
