package operator

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

const operatorColumns = `id, username, display_name, password_hash, active, created_at`

// PgStore stores operators in Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a Postgres operator store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Create(ctx context.Context, op Operator) (Operator, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO operators (username, display_name, password_hash, active)
VALUES ($1, $2, $3, $4)
RETURNING `+operatorColumns, op.Username, op.DisplayName, op.PasswordHash, op.Active)
	created, err := scanOperator(row)
	if err != nil {
		if dbpkg.IsUniqueViolation(err) {
			return Operator{}, ErrUsernameTaken
		}
		return Operator{}, err
	}
	return created, nil
}

func (s *PgStore) GetByID(ctx context.Context, id string) (Operator, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Operator{}, errs.Validation("invalid operator id: %v", err)
	}
	return scanOperator(s.pool.QueryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id = $1`, pgID))
}

func (s *PgStore) GetByUsername(ctx context.Context, username string) (Operator, error) {
	return scanOperator(s.pool.QueryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE username = $1`, username))
}

func (s *PgStore) List(ctx context.Context) ([]Operator, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+operatorColumns+` FROM operators ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list operators: %w", err)
	}
	defer rows.Close()
	items := make([]Operator, 0)
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, op)
	}
	return items, rows.Err()
}

func (s *PgStore) SetActive(ctx context.Context, id string, active bool) (Operator, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Operator{}, errs.Validation("invalid operator id: %v", err)
	}
	return scanOperator(s.pool.QueryRow(ctx, `UPDATE operators SET active = $2 WHERE id = $1 RETURNING `+operatorColumns, pgID, active))
}

func scanOperator(row pgx.Row) (Operator, error) {
	var (
		id        pgtype.UUID
		op        Operator
		createdAt time.Time
	)
	if err := row.Scan(&id, &op.Username, &op.DisplayName, &op.PasswordHash, &op.Active, &createdAt); err != nil {
		if dbpkg.IsNoRows(err) {
			return Operator{}, ErrOperatorNotFound
		}
		return Operator{}, fmt.Errorf("scan operator: %w", err)
	}
	op.ID = dbpkg.UUIDString(id)
	op.CreatedAt = createdAt
	return op, nil
}
