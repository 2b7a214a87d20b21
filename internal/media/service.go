package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/memohai/concierge/internal/errs"
)

const (
	genericContentType = "application/octet-stream"
	pruneBatchSize     = 100
)

// Options tunes a Service.
type Options struct {
	// MaxBytes caps a single attachment; zero means MaxAttachmentBytes.
	MaxBytes int64
	// Resolver fetches channel media references. Optional.
	Resolver RefResolver
}

// Service persists attachments: blob bytes go to the storage provider, the
// metadata row to the store.
type Service struct {
	store    Store
	provider StorageProvider
	resolver RefResolver
	maxBytes int64
	logger   *slog.Logger
}

// NewService creates a media service with the given storage provider.
func NewService(log *slog.Logger, store Store, provider StorageProvider, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = MaxAttachmentBytes
	}
	return &Service{
		store:    store,
		provider: provider,
		resolver: opts.Resolver,
		maxBytes: maxBytes,
		logger:   log.With(slog.String("service", "media")),
	}
}

// PersistAttachment stores the bytes and records an unlinked attachment.
// The blob is removed again when the metadata insert fails, so a failed call
// leaves nothing behind. Every failure is an errs.ErrStorage.
func (s *Service) PersistAttachment(ctx context.Context, input PersistInput) (Attachment, error) {
	att, err := s.persist(ctx, input)
	if err != nil {
		return Attachment{}, errs.Storage("persist attachment", err)
	}
	return att, nil
}

func (s *Service) persist(ctx context.Context, input PersistInput) (Attachment, error) {
	if s.provider == nil {
		return Attachment{}, ErrProviderUnavailable
	}
	reader := input.Reader
	contentType := strings.TrimSpace(input.ContentType)
	if reader == nil {
		ref := strings.TrimSpace(input.Ref)
		if ref == "" {
			return Attachment{}, fmt.Errorf("reader or ref is required")
		}
		if s.resolver == nil {
			return Attachment{}, ErrNoResolver
		}
		body, refType, err := s.resolver.OpenRef(ctx, ref)
		if err != nil {
			return Attachment{}, fmt.Errorf("fetch media %s: %w", ref, err)
		}
		defer func() {
			_ = body.Close()
		}()
		reader = body
		if contentType == "" {
			contentType = refType
		}
	}

	contentHash, sizeBytes, tempPath, err := spoolAndHashWithLimit(reader, s.maxBytes)
	if err != nil {
		return Attachment{}, fmt.Errorf("read input: %w", err)
	}
	defer func() {
		_ = os.Remove(tempPath)
	}()

	ext := ""
	if contentType == "" || contentType == genericContentType {
		detected, err := mimetype.DetectFile(tempPath)
		if err == nil {
			contentType = detected.String()
			ext = detected.Extension()
		}
	}
	if contentType == "" {
		contentType = genericContentType
	}
	if ext == "" {
		if m := mimetype.Lookup(baseContentType(contentType)); m != nil {
			ext = m.Extension()
		}
	}

	id := uuid.NewString()
	storageKey := path.Join(contentHash[:2], id+ext)

	tempFile, err := os.Open(tempPath)
	if err != nil {
		return Attachment{}, fmt.Errorf("open temp file: %w", err)
	}
	defer func() {
		_ = tempFile.Close()
	}()
	if err := s.provider.Put(ctx, storageKey, tempFile); err != nil {
		return Attachment{}, fmt.Errorf("store blob: %w", err)
	}

	att, err := s.store.Create(ctx, Attachment{
		ID:           id,
		StorageKey:   storageKey,
		ContentType:  contentType,
		SizeBytes:    sizeBytes,
		ContentHash:  contentHash,
		OriginalName: strings.TrimSpace(input.OriginalName),
	})
	if err != nil {
		if delErr := s.provider.Delete(context.WithoutCancel(ctx), storageKey); delErr != nil {
			s.logger.Warn("remove blob after failed insert", slog.String("storage_key", storageKey), slog.Any("error", delErr))
		}
		return Attachment{}, fmt.Errorf("create attachment record: %w", err)
	}
	s.logger.Debug("attachment persisted",
		slog.String("attachment_id", att.ID),
		slog.String("content_type", att.ContentType),
		slog.Int64("size_bytes", att.SizeBytes),
	)
	return att, nil
}

// Get returns attachment metadata.
func (s *Service) Get(ctx context.Context, id string) (Attachment, error) {
	return s.store.Get(ctx, id)
}

// Open returns a reader for the attachment identified by id.
func (s *Service) Open(ctx context.Context, id string) (io.ReadCloser, Attachment, error) {
	if s.provider == nil {
		return nil, Attachment{}, ErrProviderUnavailable
	}
	att, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, Attachment{}, err
	}
	reader, err := s.provider.Open(ctx, att.StorageKey)
	if err != nil {
		return nil, Attachment{}, errs.Storage("open attachment", err)
	}
	return reader, att, nil
}

// AccessPath returns the provider link for att, "" when there is none.
func (s *Service) AccessPath(att Attachment) string {
	if s.provider == nil {
		return ""
	}
	return s.provider.AccessPath(att.StorageKey)
}

// Discard removes attachments that were persisted for a message that never
// committed. Linked attachments are left alone. Failures are logged; the
// orphan pruner picks up anything left.
func (s *Service) Discard(ctx context.Context, atts []Attachment) {
	for _, att := range atts {
		if att.ID == "" || att.MessageID != "" {
			continue
		}
		if err := s.remove(ctx, att); err != nil && !errors.Is(err, ErrAttachmentNotFound) {
			s.logger.Warn("discard attachment failed", slog.String("attachment_id", att.ID), slog.Any("error", err))
		}
	}
}

// PruneOrphans deletes attachments that were never linked and are older
// than olderThan. It returns the number removed.
func (s *Service) PruneOrphans(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	for {
		batch, err := s.store.ListOrphans(ctx, olderThan, pruneBatchSize)
		if err != nil {
			return removed, fmt.Errorf("list orphans: %w", err)
		}
		if len(batch) == 0 {
			return removed, nil
		}
		progressed := false
		for _, att := range batch {
			err := s.remove(ctx, att)
			if errors.Is(err, ErrAttachmentNotFound) {
				// Linked or removed since it was listed.
				progressed = true
				continue
			}
			if err != nil {
				s.logger.Warn("prune attachment failed", slog.String("attachment_id", att.ID), slog.Any("error", err))
				continue
			}
			removed++
			progressed = true
		}
		if !progressed || len(batch) < pruneBatchSize {
			return removed, nil
		}
	}
}

// remove drops the record first, so an attachment linked by a concurrent
// commit keeps both its row and its blob.
func (s *Service) remove(ctx context.Context, att Attachment) error {
	if err := s.store.DeleteUnlinked(ctx, att.ID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if s.provider != nil && att.StorageKey != "" {
		if err := s.provider.Delete(ctx, att.StorageKey); err != nil {
			return fmt.Errorf("delete blob %s: %w", att.StorageKey, err)
		}
	}
	return nil
}

func baseContentType(contentType string) string {
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func spoolAndHashWithLimit(reader io.Reader, maxBytes int64) (string, int64, string, error) {
	tempFile, err := os.CreateTemp("", "concierge-media-*")
	if err != nil {
		return "", 0, "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	keepFile := false
	defer func() {
		_ = tempFile.Close()
		if !keepFile {
			_ = os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	written, err := copyWithLimit(io.MultiWriter(tempFile, hasher), reader, maxBytes)
	if err != nil {
		return "", 0, "", err
	}
	keepFile = true
	return hex.EncodeToString(hasher.Sum(nil)), written, tempPath, nil
}
