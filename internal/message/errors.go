package message

import (
	"fmt"

	"github.com/memohai/concierge/internal/errs"
)

var (
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = fmt.Errorf("message %w", errs.ErrNotFound)
	// ErrAttachmentUnavailable indicates an attachment id is unknown or already linked.
	ErrAttachmentUnavailable = fmt.Errorf("%w: attachment unknown or already linked", errs.ErrValidation)
)
