package channel

import (
	"errors"

	"github.com/memohai/concierge/internal/errs"
)

var (
	// ErrPermanent marks a send failure that retrying cannot fix, such as a
	// rejected recipient number.
	ErrPermanent = errors.New("permanent send failure")
	// ErrUnknownChannel indicates no adapter is registered for a channel type.
	ErrUnknownChannel = errors.New("unknown channel type")
)

// ShouldRedeliver reports whether an inbound processing error is transient,
// so the gateway should be told to send the message again. Malformed
// messages never succeed on redelivery.
func ShouldRedeliver(err error) bool {
	return err != nil && !errors.Is(err, errs.ErrValidation)
}
