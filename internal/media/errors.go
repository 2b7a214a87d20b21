package media

import (
	"errors"
	"fmt"

	"github.com/memohai/concierge/internal/errs"
)

var (
	// ErrAttachmentNotFound indicates the requested attachment does not exist.
	ErrAttachmentNotFound = fmt.Errorf("attachment %w", errs.ErrNotFound)
	// ErrProviderUnavailable indicates the storage provider is not configured or reachable.
	ErrProviderUnavailable = errors.New("storage provider unavailable")
	// ErrAttachmentTooLarge indicates the payload exceeds the configured max size.
	ErrAttachmentTooLarge = errors.New("attachment too large")
	// ErrEmptyAttachment indicates a zero-byte payload.
	ErrEmptyAttachment = errors.New("attachment payload is empty")
	// ErrNoResolver indicates a media reference arrived without a resolver to fetch it.
	ErrNoResolver = errors.New("no media reference resolver configured")
)
