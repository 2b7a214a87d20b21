package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/memohai/concierge/internal/errs"
	"github.com/memohai/concierge/internal/identity"
	"github.com/memohai/concierge/internal/operator"
)

const maxResolveAttempts = 5

// Resolver maps users to their conversation group and manages memberships.
type Resolver struct {
	store     Store
	operators OperatorDirectory
	logger    *slog.Logger

	mu        sync.RWMutex
	listeners []MembershipListener
}

// NewResolver creates a group resolver.
func NewResolver(log *slog.Logger, store Store, operators OperatorDirectory) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:     store,
		operators: operators,
		logger:    log.With(slog.String("service", "group")),
	}
}

// AddListener registers l for membership changes.
func (r *Resolver) AddListener(l MembershipListener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// ResolveGroupForUser returns the user's thread, creating the group and its
// membership in one transaction on first contact. Two concurrent first
// messages race on the thread-owner constraint; the loser re-reads.
func (r *Resolver) ResolveGroupForUser(ctx context.Context, user identity.User) (Group, error) {
	if user.ID == "" {
		return Group{}, errs.Validation("user id is required")
	}
	for attempt := 1; attempt <= maxResolveAttempts; attempt++ {
		g, err := r.store.FindThread(ctx, user.ID)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, ErrGroupNotFound) {
			return Group{}, fmt.Errorf("find thread: %w", err)
		}

		g, err = r.store.CreateThread(ctx, user.ID)
		if err == nil {
			r.logger.Info("group created", slog.String("group_id", g.ID), slog.String("user_id", user.ID))
			r.notify(g.ID, user.ID, RoleExternalParticipant)
			return g, nil
		}
		if !errors.Is(err, errs.ErrConflict) {
			return Group{}, fmt.Errorf("create thread: %w", err)
		}
		r.logger.Debug("thread insert lost race, re-reading", slog.String("user_id", user.ID), slog.Int("attempt", attempt))
	}
	return Group{}, errs.Conflict("resolve group", fmt.Errorf("no stable thread after %d attempts", maxResolveAttempts))
}

// AddOperatorToGroup adds an active operator to a group. Adding an existing
// member is a no-op.
func (r *Resolver) AddOperatorToGroup(ctx context.Context, groupID, operatorID string) error {
	if _, err := r.store.Get(ctx, groupID); err != nil {
		return err
	}
	op, err := r.operators.Get(ctx, operatorID)
	if err != nil {
		if errors.Is(err, operator.ErrOperatorNotFound) {
			return errs.Validation("unknown operator %s", operatorID)
		}
		return fmt.Errorf("get operator: %w", err)
	}
	if !op.Active {
		return errs.Validation("operator %s is inactive", operatorID)
	}
	added, err := r.store.AddMember(ctx, groupID, op.ID, RoleInternalOperator)
	if err != nil {
		return fmt.Errorf("add operator: %w", err)
	}
	if added {
		r.logger.Info("operator joined group", slog.String("group_id", groupID), slog.String("operator_id", op.ID))
		r.notify(groupID, op.ID, RoleInternalOperator)
	}
	return nil
}

// AddParticipant adds another external user to an existing group.
func (r *Resolver) AddParticipant(ctx context.Context, groupID string, user identity.User) error {
	if user.ID == "" {
		return errs.Validation("user id is required")
	}
	if _, err := r.store.Get(ctx, groupID); err != nil {
		return err
	}
	added, err := r.store.AddMember(ctx, groupID, user.ID, RoleExternalParticipant)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	if added {
		r.notify(groupID, user.ID, RoleExternalParticipant)
	}
	return nil
}

// IsActiveOperatorMember reports whether operatorID is an active operator
// holding an internal-operator membership in groupID.
func (r *Resolver) IsActiveOperatorMember(ctx context.Context, groupID, operatorID string) (bool, error) {
	op, err := r.operators.Get(ctx, operatorID)
	if err != nil {
		if errors.Is(err, operator.ErrOperatorNotFound) {
			return false, nil
		}
		return false, err
	}
	if !op.Active {
		return false, nil
	}
	m, err := r.store.GetMembership(ctx, groupID, operatorID)
	if err != nil {
		if errors.Is(err, ErrMembershipNotFound) {
			return false, nil
		}
		return false, err
	}
	return m.Role == RoleInternalOperator, nil
}

func (r *Resolver) Get(ctx context.Context, groupID string) (Group, error) {
	return r.store.Get(ctx, groupID)
}

func (r *Resolver) List(ctx context.Context) ([]Group, error) {
	return r.store.List(ctx)
}

func (r *Resolver) ListMembers(ctx context.Context, groupID string) ([]Membership, error) {
	return r.store.ListMembers(ctx, groupID)
}

func (r *Resolver) ListExternalParticipants(ctx context.Context, groupID string) ([]Participant, error) {
	return r.store.ListExternalParticipants(ctx, groupID)
}

func (r *Resolver) ListGroupsForMember(ctx context.Context, memberID string) ([]Group, error) {
	return r.store.ListGroupsForMember(ctx, memberID)
}

func (r *Resolver) notify(groupID, memberID string, role Role) {
	r.mu.RLock()
	listeners := append([]MembershipListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		l.MemberAdded(groupID, memberID, role)
	}
}
