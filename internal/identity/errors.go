package identity

import (
	"fmt"

	"github.com/memohai/concierge/internal/errs"
)

// ErrUserNotFound indicates no user matches the lookup.
var ErrUserNotFound = fmt.Errorf("user %w", errs.ErrNotFound)
