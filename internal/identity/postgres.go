package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/memohai/concierge/internal/db"
	"github.com/memohai/concierge/internal/errs"
)

const userColumns = `id, external_id, display_name, created_at`

// PgStore stores users in Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a Postgres user store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) GetByExternalID(ctx context.Context, externalID string) (User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
	return scanUser(row)
}

func (s *PgStore) GetByID(ctx context.Context, id string) (User, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return User{}, errs.Validation("invalid user id: %v", err)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, pgID)
	return scanUser(row)
}

// Insert creates the user unless another writer got there first, in which
// case it returns errs.ErrConflict and the caller re-reads.
func (s *PgStore) Insert(ctx context.Context, externalID, displayName string) (User, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO users (external_id, display_name)
VALUES ($1, $2)
ON CONFLICT (external_id) DO NOTHING
RETURNING `+userColumns, externalID, dbpkg.Text(displayName))
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, errs.Conflict("insert user", fmt.Errorf("external id %s already exists", externalID))
		}
		return User{}, err
	}
	return user, nil
}

func (s *PgStore) UpdateDisplayName(ctx context.Context, id, displayName string) (User, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return User{}, errs.Validation("invalid user id: %v", err)
	}
	row := s.pool.QueryRow(ctx, `UPDATE users SET display_name = $2 WHERE id = $1 RETURNING `+userColumns, pgID, dbpkg.Text(displayName))
	return scanUser(row)
}

func scanUser(row pgx.Row) (User, error) {
	var (
		id          pgtype.UUID
		externalID  string
		displayName pgtype.Text
		createdAt   time.Time
	)
	if err := row.Scan(&id, &externalID, &displayName, &createdAt); err != nil {
		if dbpkg.IsNoRows(err) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return User{
		ID:          dbpkg.UUIDString(id),
		ExternalID:  externalID,
		DisplayName: displayName.String,
		CreatedAt:   createdAt,
	}, nil
}
