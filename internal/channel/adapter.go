package channel

import (
	"context"
	"io"

	"github.com/memohai/concierge/internal/message"
)

//go:generate mockgen -source=adapter.go -destination=mocks/mock_channel.go -package=mocks

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type           ChannelType
	DisplayName    string
	OutboundPolicy OutboundPolicy
}

// Sender is an adapter capable of sending outbound messages. Errors wrapping
// ErrPermanent are not retried.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
}

// MediaResolver downloads media referenced by inbound messages. It returns
// the body and the content type reported by the gateway; caller closes the body.
type MediaResolver interface {
	OpenMedia(ctx context.Context, ref string) (io.ReadCloser, string, error)
}

// InboundProcessor accepts messages received by a webhook.
type InboundProcessor interface {
	HandleInbound(ctx context.Context, msg InboundMessage) (message.Message, error)
}
