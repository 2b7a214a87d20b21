package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	dbpkg "github.com/memohai/concierge/internal/db"
	"github.com/memohai/concierge/internal/errs"
)

const attemptColumns = `id, message_id, member_id, target, attempt_no, outcome, failure_reason, provider_message_id, attempted_at`

// PgStore keeps the append-only delivery log in Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a Postgres delivery attempt store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Append(ctx context.Context, a Attempt) (Attempt, error) {
	pgMsgID, err := dbpkg.ParseUUID(a.MessageID)
	if err != nil {
		return Attempt{}, errs.Validation("invalid message id: %v", err)
	}
	pgMemberID, err := dbpkg.ParseUUID(a.MemberID)
	if err != nil {
		return Attempt{}, errs.Validation("invalid member id: %v", err)
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO delivery_attempts (message_id, member_id, target, attempt_no, outcome, failure_reason, provider_message_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+attemptColumns,
		pgMsgID, pgMemberID, a.Target, a.AttemptNo, string(a.Outcome), dbpkg.Text(a.FailureReason), dbpkg.Text(a.ProviderMessageID))
	saved, err := scanAttempt(row)
	if err != nil {
		if dbpkg.IsUniqueViolation(err) {
			return Attempt{}, errs.Conflict("append attempt", err)
		}
		return Attempt{}, err
	}
	return saved, nil
}

func (s *PgStore) ListByMessage(ctx context.Context, messageID string) ([]Attempt, error) {
	byMessage, err := s.ListByMessages(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	return byMessage[messageID], nil
}

func (s *PgStore) ListByMessages(ctx context.Context, messageIDs []string) (map[string][]Attempt, error) {
	if len(messageIDs) == 0 {
		return map[string][]Attempt{}, nil
	}
	ids := make([]pgtype.UUID, 0, len(messageIDs))
	for _, id := range messageIDs {
		pgID, err := dbpkg.ParseUUID(id)
		if err != nil {
			return nil, errs.Validation("invalid message id: %v", err)
		}
		ids = append(ids, pgID)
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+attemptColumns+`
FROM delivery_attempts
WHERE message_id = ANY($1)
ORDER BY target, attempt_no, attempted_at`, ids)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	attempts, err := collectAttempts(rows)
	if err != nil {
		return nil, err
	}
	return lo.GroupBy(attempts, func(a Attempt) string { return a.MessageID }), nil
}

func (s *PgStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+attemptColumns+`
FROM delivery_attempts p
WHERE p.outcome = 'pending'
  AND p.attempted_at < $1
  AND NOT EXISTS (
    SELECT 1 FROM delivery_attempts r
    WHERE r.message_id = p.message_id
      AND r.target = p.target
      AND r.attempt_no = p.attempt_no
      AND r.outcome <> 'pending'
  )
ORDER BY p.attempted_at
LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale attempts: %w", err)
	}
	return collectAttempts(rows)
}

func collectAttempts(rows pgx.Rows) ([]Attempt, error) {
	defer rows.Close()
	attempts := make([]Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanAttempt(row pgx.Row) (Attempt, error) {
	var (
		id, msgID, memberID pgtype.UUID
		outcome             string
		reason, providerID  pgtype.Text
		a                   Attempt
	)
	if err := row.Scan(&id, &msgID, &memberID, &a.Target, &a.AttemptNo, &outcome, &reason, &providerID, &a.AttemptedAt); err != nil {
		return Attempt{}, fmt.Errorf("scan attempt: %w", err)
	}
	a.ID = dbpkg.UUIDString(id)
	a.MessageID = dbpkg.UUIDString(msgID)
	a.MemberID = dbpkg.UUIDString(memberID)
	a.Outcome = Outcome(outcome)
	a.FailureReason = reason.String
	a.ProviderMessageID = providerID.String
	return a, nil
}
