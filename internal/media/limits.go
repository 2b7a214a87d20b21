package media

import (
	"fmt"
	"io"
)

// MaxAttachmentBytes caps an attachment when Options.MaxBytes is unset.
const MaxAttachmentBytes int64 = 64 * 1024 * 1024

// copyWithLimit copies src into dst and fails with ErrAttachmentTooLarge
// once more than maxBytes arrive, or ErrEmptyAttachment when nothing does.
// dst may hold up to maxBytes+1 bytes on overflow.
func copyWithLimit(dst io.Writer, src io.Reader, maxBytes int64) (int64, error) {
	if src == nil {
		return 0, fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return 0, fmt.Errorf("max bytes must be greater than 0")
	}
	written, err := io.Copy(dst, &io.LimitedReader{R: src, N: maxBytes + 1})
	if err != nil {
		return written, err
	}
	if written > maxBytes {
		return written, fmt.Errorf("%w: max %d bytes", ErrAttachmentTooLarge, maxBytes)
	}
	if written == 0 {
		return 0, ErrEmptyAttachment
	}
	return written, nil
}
