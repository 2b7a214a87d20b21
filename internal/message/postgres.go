package message

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	dbpkg "github.com/memohai/concierge/internal/db"
	"github.com/memohai/concierge/internal/errs"
	"github.com/memohai/concierge/internal/group"
	"github.com/memohai/concierge/internal/media"
)

const messageColumns = `id, group_id, seq, provenance, sender_id, body, external_message_id, created_at`

// PgStore stores messages in Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a Postgres message store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Commit takes the group row lock to allocate the sequence number, so
// writers of one group serialize while other groups proceed in parallel.
func (s *PgStore) Commit(ctx context.Context, input CommitInput) (Message, error) {
	pgGroupID, err := dbpkg.ParseUUID(input.GroupID)
	if err != nil {
		return Message{}, errs.Validation("invalid group id: %v", err)
	}
	var pgSenderID pgtype.UUID
	if input.SenderID != "" {
		if pgSenderID, err = dbpkg.ParseUUID(input.SenderID); err != nil {
			return Message{}, errs.Validation("invalid sender id: %v", err)
		}
	}
	attIDs := make([]pgtype.UUID, 0, len(input.AttachmentIDs))
	for _, id := range input.AttachmentIDs {
		pgID, err := dbpkg.ParseUUID(id)
		if err != nil {
			return Message{}, errs.Validation("invalid attachment id: %v", err)
		}
		attIDs = append(attIDs, pgID)
	}

	var msg Message
	err = dbpkg.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var seq int64
		if err := tx.QueryRow(ctx, `UPDATE groups SET last_seq = last_seq + 1 WHERE id = $1 RETURNING last_seq`, pgGroupID).Scan(&seq); err != nil {
			if dbpkg.IsNoRows(err) {
				return group.ErrGroupNotFound
			}
			return fmt.Errorf("allocate seq: %w", err)
		}
		row := tx.QueryRow(ctx, `
INSERT INTO messages (group_id, seq, provenance, sender_id, body, external_message_id)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+messageColumns,
			pgGroupID, seq, string(input.Provenance), pgSenderID, input.Body, dbpkg.Text(input.ExternalMessageID))
		created, err := scanMessage(row)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if len(attIDs) > 0 {
			pgMsgID, _ := dbpkg.ParseUUID(created.ID)
			tag, err := tx.Exec(ctx, `
UPDATE media_attachments SET message_id = $1
WHERE id = ANY($2) AND message_id IS NULL`, pgMsgID, attIDs)
			if err != nil {
				return fmt.Errorf("link attachments: %w", err)
			}
			if tag.RowsAffected() != int64(len(attIDs)) {
				return ErrAttachmentUnavailable
			}
			rows, err := tx.Query(ctx, `SELECT `+media.AttachmentColumns+` FROM media_attachments WHERE message_id = $1 ORDER BY created_at, id`, pgMsgID)
			if err != nil {
				return fmt.Errorf("read attachments: %w", err)
			}
			if created.Attachments, err = media.CollectAttachments(rows); err != nil {
				return err
			}
		}
		msg = created
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *PgStore) Get(ctx context.Context, id string) (Message, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Message{}, errs.Validation("invalid message id: %v", err)
	}
	msg, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, pgID))
	if err != nil {
		return Message{}, err
	}
	msgs := []Message{msg}
	if err := s.attach(ctx, msgs); err != nil {
		return Message{}, err
	}
	return msgs[0], nil
}

func (s *PgStore) List(ctx context.Context, groupID string, afterSeq int64, limit int) ([]Message, error) {
	pgGroupID, err := dbpkg.ParseUUID(groupID)
	if err != nil {
		return nil, errs.Validation("invalid group id: %v", err)
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE group_id = $1 AND seq > $2
ORDER BY seq
LIMIT $3`, pgGroupID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	msgs := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attach(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *PgStore) attach(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]pgtype.UUID, 0, len(msgs))
	for _, msg := range msgs {
		pgID, err := dbpkg.ParseUUID(msg.ID)
		if err != nil {
			return err
		}
		ids = append(ids, pgID)
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+media.AttachmentColumns+`
FROM media_attachments
WHERE message_id = ANY($1)
ORDER BY created_at, id`, ids)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}
	atts, err := media.CollectAttachments(rows)
	if err != nil {
		return err
	}
	byMessage := lo.GroupBy(atts, func(att media.Attachment) string { return att.MessageID })
	for i := range msgs {
		msgs[i].Attachments = byMessage[msgs[i].ID]
	}
	return nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		id         pgtype.UUID
		groupID    pgtype.UUID
		senderID   pgtype.UUID
		provenance string
		externalID pgtype.Text
		msg        Message
	)
	if err := row.Scan(&id, &groupID, &msg.Seq, &provenance, &senderID, &msg.Body, &externalID, &msg.CreatedAt); err != nil {
		if dbpkg.IsNoRows(err) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.ID = dbpkg.UUIDString(id)
	msg.GroupID = dbpkg.UUIDString(groupID)
	msg.SenderID = dbpkg.UUIDString(senderID)
	msg.Provenance = Provenance(provenance)
	msg.ExternalMessageID = externalID.String
	return msg, nil
}
