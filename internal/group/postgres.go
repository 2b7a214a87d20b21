package group

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/memohai/concierge/internal/db"
	"github.com/memohai/concierge/internal/errs"
)

// PgStore stores groups and memberships in Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a Postgres group store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Get(ctx context.Context, groupID string) (Group, error) {
	pgID, err := dbpkg.ParseUUID(groupID)
	if err != nil {
		return Group{}, errs.Validation("invalid group id: %v", err)
	}
	return scanGroup(s.pool.QueryRow(ctx, `SELECT id, created_at FROM groups WHERE id = $1`, pgID))
}

func (s *PgStore) List(ctx context.Context) ([]Group, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, created_at FROM groups ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return collectGroups(rows)
}

func (s *PgStore) FindThread(ctx context.Context, userID string) (Group, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Group{}, errs.Validation("invalid user id: %v", err)
	}
	return scanGroup(s.pool.QueryRow(ctx, `
SELECT g.id, g.created_at
FROM groups g
JOIN group_memberships m ON m.group_id = g.id
WHERE m.member_id = $1 AND m.thread_owner`, pgUserID))
}

// CreateThread inserts the group and the owner membership in one transaction.
// The partial unique index on thread owners turns a concurrent duplicate into
// a unique violation, reported as errs.ErrConflict.
func (s *PgStore) CreateThread(ctx context.Context, userID string) (Group, error) {
	pgUserID, err := dbpkg.ParseUUID(userID)
	if err != nil {
		return Group{}, errs.Validation("invalid user id: %v", err)
	}
	var g Group
	err = dbpkg.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		created, err := scanGroup(tx.QueryRow(ctx, `INSERT INTO groups DEFAULT VALUES RETURNING id, created_at`))
		if err != nil {
			return err
		}
		pgGroupID, _ := dbpkg.ParseUUID(created.ID)
		if _, err := tx.Exec(ctx, `
INSERT INTO group_memberships (group_id, member_id, role, thread_owner)
VALUES ($1, $2, $3, true)`, pgGroupID, pgUserID, string(RoleExternalParticipant)); err != nil {
			return err
		}
		g = created
		return nil
	})
	if err != nil {
		if dbpkg.IsUniqueViolation(err) {
			return Group{}, errs.Conflict("create thread", err)
		}
		return Group{}, err
	}
	return g, nil
}

func (s *PgStore) AddMember(ctx context.Context, groupID, memberID string, role Role) (bool, error) {
	pgGroupID, err := dbpkg.ParseUUID(groupID)
	if err != nil {
		return false, errs.Validation("invalid group id: %v", err)
	}
	pgMemberID, err := dbpkg.ParseUUID(memberID)
	if err != nil {
		return false, errs.Validation("invalid member id: %v", err)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO group_memberships (group_id, member_id, role)
VALUES ($1, $2, $3)
ON CONFLICT (group_id, member_id) DO NOTHING`, pgGroupID, pgMemberID, string(role))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) GetMembership(ctx context.Context, groupID, memberID string) (Membership, error) {
	pgGroupID, err := dbpkg.ParseUUID(groupID)
	if err != nil {
		return Membership{}, errs.Validation("invalid group id: %v", err)
	}
	pgMemberID, err := dbpkg.ParseUUID(memberID)
	if err != nil {
		return Membership{}, errs.Validation("invalid member id: %v", err)
	}
	m, err := scanMembership(s.pool.QueryRow(ctx, `
SELECT group_id, member_id, role, thread_owner, joined_at
FROM group_memberships WHERE group_id = $1 AND member_id = $2`, pgGroupID, pgMemberID))
	if err != nil {
		if dbpkg.IsNoRows(err) {
			return Membership{}, ErrMembershipNotFound
		}
		return Membership{}, err
	}
	return m, nil
}

func (s *PgStore) ListMembers(ctx context.Context, groupID string) ([]Membership, error) {
	pgGroupID, err := dbpkg.ParseUUID(groupID)
	if err != nil {
		return nil, errs.Validation("invalid group id: %v", err)
	}
	rows, err := s.pool.Query(ctx, `
SELECT group_id, member_id, role, thread_owner, joined_at
FROM group_memberships WHERE group_id = $1 ORDER BY joined_at, member_id`, pgGroupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	items := make([]Membership, 0)
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *PgStore) ListExternalParticipants(ctx context.Context, groupID string) ([]Participant, error) {
	pgGroupID, err := dbpkg.ParseUUID(groupID)
	if err != nil {
		return nil, errs.Validation("invalid group id: %v", err)
	}
	rows, err := s.pool.Query(ctx, `
SELECT u.id, u.external_id, u.display_name
FROM group_memberships m
JOIN users u ON u.id = m.member_id
WHERE m.group_id = $1 AND m.role = $2
ORDER BY m.joined_at, u.id`, pgGroupID, string(RoleExternalParticipant))
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	items := make([]Participant, 0)
	for rows.Next() {
		var (
			id   pgtype.UUID
			p    Participant
			name pgtype.Text
		)
		if err := rows.Scan(&id, &p.ExternalID, &name); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.UserID = dbpkg.UUIDString(id)
		p.DisplayName = name.String
		items = append(items, p)
	}
	return items, rows.Err()
}

func (s *PgStore) ListGroupsForMember(ctx context.Context, memberID string) ([]Group, error) {
	pgMemberID, err := dbpkg.ParseUUID(memberID)
	if err != nil {
		return nil, errs.Validation("invalid member id: %v", err)
	}
	rows, err := s.pool.Query(ctx, `
SELECT g.id, g.created_at
FROM groups g
JOIN group_memberships m ON m.group_id = g.id
WHERE m.member_id = $1
ORDER BY g.created_at DESC`, pgMemberID)
	if err != nil {
		return nil, fmt.Errorf("list member groups: %w", err)
	}
	return collectGroups(rows)
}

func collectGroups(rows pgx.Rows) ([]Group, error) {
	defer rows.Close()
	items := make([]Group, 0)
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, g)
	}
	return items, rows.Err()
}

func scanGroup(row pgx.Row) (Group, error) {
	var (
		id        pgtype.UUID
		createdAt time.Time
	)
	if err := row.Scan(&id, &createdAt); err != nil {
		if dbpkg.IsNoRows(err) {
			return Group{}, ErrGroupNotFound
		}
		return Group{}, fmt.Errorf("scan group: %w", err)
	}
	return Group{ID: dbpkg.UUIDString(id), CreatedAt: createdAt}, nil
}

func scanMembership(row pgx.Row) (Membership, error) {
	var (
		groupID  pgtype.UUID
		memberID pgtype.UUID
		role     string
		m        Membership
	)
	if err := row.Scan(&groupID, &memberID, &role, &m.ThreadOwner, &m.JoinedAt); err != nil {
		return Membership{}, err
	}
	m.GroupID = dbpkg.UUIDString(groupID)
	m.MemberID = dbpkg.UUIDString(memberID)
	m.Role = Role(role)
	return m, nil
}
