package group

import (
	"fmt"

	"github.com/memohai/concierge/internal/errs"
)

var (
	// ErrGroupNotFound indicates the group does not exist.
	ErrGroupNotFound = fmt.Errorf("group %w", errs.ErrNotFound)
	// ErrMembershipNotFound indicates the member does not belong to the group.
	ErrMembershipNotFound = fmt.Errorf("membership %w", errs.ErrNotFound)
)
