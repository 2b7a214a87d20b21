package media

import (
	"context"
	"io"
	"time"
)

// Attachment is a persisted media object. MessageID stays empty until the
// message that carries it is committed.
type Attachment struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"message_id,omitempty"`
	StorageKey   string    `json:"-"`
	ContentType  string    `json:"content_type"`
	SizeBytes    int64     `json:"size_bytes"`
	ContentHash  string    `json:"content_hash"`
	OriginalName string    `json:"original_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// PersistInput carries either raw bytes or a channel media reference.
type PersistInput struct {
	// Reader provides the raw bytes; caller is responsible for closing.
	Reader io.Reader
	// Ref is resolved through the RefResolver when Reader is nil.
	Ref          string
	ContentType  string
	OriginalName string
}

// RefResolver downloads media referenced by an external channel. It returns
// the body and the content type reported by the channel.
type RefResolver interface {
	OpenRef(ctx context.Context, ref string) (io.ReadCloser, string, error)
}

// Store persists attachment metadata.
type Store interface {
	Create(ctx context.Context, att Attachment) (Attachment, error)
	Get(ctx context.Context, id string) (Attachment, error)
	// DeleteUnlinked removes an attachment that no message references. A
	// linked or missing attachment yields ErrAttachmentNotFound.
	DeleteUnlinked(ctx context.Context, id string) error
	// ListOrphans returns attachments never linked to a message and created before olderThan.
	ListOrphans(ctx context.Context, olderThan time.Time, limit int) ([]Attachment, error)
}

// StorageProvider abstracts object storage operations.
type StorageProvider interface {
	// Put writes data to storage under the given key.
	Put(ctx context.Context, key string, reader io.Reader) error
	// Open returns a reader for the given storage key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error
	// AccessPath returns a link an external gateway can fetch, or "" when
	// the backend has none.
	AccessPath(key string) string
}
