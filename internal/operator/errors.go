package operator

import (
	"errors"
	"fmt"

	"github.com/memohai/concierge/internal/errs"
)

var (
	// ErrOperatorNotFound indicates no operator matches the lookup.
	ErrOperatorNotFound = fmt.Errorf("operator %w", errs.ErrNotFound)
	// ErrUsernameTaken indicates another operator already uses the username.
	ErrUsernameTaken = fmt.Errorf("username taken: %w", errs.ErrConflict)
	// ErrInvalidCredentials indicates a failed login.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrInactive indicates the operator has been deactivated.
	ErrInactive = errors.New("operator is inactive")
)
