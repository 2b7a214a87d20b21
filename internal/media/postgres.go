package media

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

// AttachmentColumns is the column list ScanAttachment expects.
const AttachmentColumns = `id, message_id, storage_key, content_type, size_bytes, content_hash, original_name, created_at`

// PgStore stores attachment metadata in Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a Postgres attachment store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Create(ctx context.Context, att Attachment) (Attachment, error) {
	pgID, err := dbpkg.ParseUUID(att.ID)
	if err != nil {
		return Attachment{}, errs.Validation("invalid attachment id: %v", err)
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO media_attachments (id, storage_key, content_type, size_bytes, content_hash, original_name)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+AttachmentColumns,
		pgID, att.StorageKey, att.ContentType, att.SizeBytes, att.ContentHash, dbpkg.Text(att.OriginalName))
	return ScanAttachment(row)
}

func (s *PgStore) Get(ctx context.Context, id string) (Attachment, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Attachment{}, errs.Validation("invalid attachment id: %v", err)
	}
	return ScanAttachment(s.pool.QueryRow(ctx, `SELECT `+AttachmentColumns+` FROM media_attachments WHERE id = $1`, pgID))
}

func (s *PgStore) DeleteUnlinked(ctx context.Context, id string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return errs.Validation("invalid attachment id: %v", err)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM media_attachments WHERE id = $1 AND message_id IS NULL`, pgID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttachmentNotFound
	}
	return nil
}

func (s *PgStore) ListOrphans(ctx context.Context, olderThan time.Time, limit int) ([]Attachment, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+AttachmentColumns+`
FROM media_attachments
WHERE message_id IS NULL AND created_at < $1
ORDER BY created_at
LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	return CollectAttachments(rows)
}

// CollectAttachments scans and closes rows selected with AttachmentColumns.
func CollectAttachments(rows pgx.Rows) ([]Attachment, error) {
	defer rows.Close()
	items := make([]Attachment, 0)
	for rows.Next() {
		att, err := ScanAttachment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, att)
	}
	return items, rows.Err()
}

// ScanAttachment reads one row selected with AttachmentColumns.
func ScanAttachment(row pgx.Row) (Attachment, error) {
	var (
		id        pgtype.UUID
		messageID pgtype.UUID
		name      pgtype.Text
		att       Attachment
	)
	if err := row.Scan(&id, &messageID, &att.StorageKey, &att.ContentType, &att.SizeBytes, &att.ContentHash, &name, &att.CreatedAt); err != nil {
		if dbpkg.IsNoRows(err) {
			return Attachment{}, ErrAttachmentNotFound
		}
		return Attachment{}, fmt.Errorf("scan attachment: %w", err)
	}
	att.ID = dbpkg.UUIDString(id)
	att.MessageID = dbpkg.UUIDString(messageID)
	att.OriginalName = name.String
	return att, nil
}
