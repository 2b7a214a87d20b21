package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/memohai/concierge/internal/errs"
)

const maxResolveAttempts = 5

// Resolver maps external identifiers to users, creating them on first contact.
type Resolver struct {
	store  Store
	logger *slog.Logger
	flight singleflight.Group
}

// NewResolver creates a Resolver backed by store.
func NewResolver(log *slog.Logger, store Store) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:  store,
		logger: log.With(slog.String("service", "identity")),
	}
}

// ResolveUser returns the user for externalID, creating it when absent.
// Concurrent callers for the same number observe the same row: in-process
// callers share one lookup, and a lost insert race falls back to a re-read.
// A non-empty displayName replaces the stored one when it differs.
func (r *Resolver) ResolveUser(ctx context.Context, externalID, displayName string) (User, error) {
	normalized, err := NormalizeExternalID(externalID)
	if err != nil {
		return User{}, err
	}
	displayName = strings.TrimSpace(displayName)

	v, err, _ := r.flight.Do(normalized, func() (any, error) {
		return r.resolve(ctx, normalized, displayName)
	})
	if err != nil {
		return User{}, err
	}
	user := v.(User)

	if displayName != "" && displayName != user.DisplayName {
		updated, err := r.store.UpdateDisplayName(ctx, user.ID, displayName)
		if err != nil {
			r.logger.Warn("update display name failed", slog.String("user_id", user.ID), slog.Any("error", err))
			return user, nil
		}
		user = updated
	}
	return user, nil
}

func (r *Resolver) resolve(ctx context.Context, externalID, displayName string) (User, error) {
	for attempt := 1; attempt <= maxResolveAttempts; attempt++ {
		user, err := r.store.GetByExternalID(ctx, externalID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return User{}, fmt.Errorf("get user: %w", err)
		}

		user, err = r.store.Insert(ctx, externalID, displayName)
		if err == nil {
			r.logger.Info("user created", slog.String("user_id", user.ID))
			return user, nil
		}
		if !errors.Is(err, errs.ErrConflict) {
			return User{}, fmt.Errorf("create user: %w", err)
		}
		r.logger.Debug("user insert lost race, re-reading", slog.Int("attempt", attempt))
	}
	return User{}, errs.Conflict("resolve user", fmt.Errorf("no stable row after %d attempts", maxResolveAttempts))
}

// Get returns a user by id.
func (r *Resolver) Get(ctx context.Context, id string) (User, error) {
	return r.store.GetByID(ctx, id)
}
