// Package channel defines the contract between the relay and an external
// messaging gateway: inbound messages, outbound sends and media lookups.
package channel

import (
	"context"
	"io"
	"strings"
	"time"
)

// ChannelType identifies a messaging gateway (e.g., "whatsapp", "relay").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

func normalizeChannelType(raw string) ChannelType {
	return ChannelType(strings.ToLower(strings.TrimSpace(raw)))
}

// MediaRef points at media held by the gateway. Ref is resolved through the
// adapter's MediaResolver.
type MediaRef struct {
	Ref         string `json:"ref"`
	ContentType string `json:"content_type,omitempty"`
	Name        string `json:"name,omitempty"`
}

// InboundMessage is a message received from an external user.
type InboundMessage struct {
	Channel ChannelType
	// ExternalID is the sender's phone number as the gateway reports it.
	ExternalID  string
	DisplayName string
	Body        string
	Media       []MediaRef
	// ProviderMessageID is the gateway's id for the message, used to drop redeliveries.
	ProviderMessageID string
	ReceivedAt        time.Time
}

// Empty reports whether the message carries neither text nor media.
func (m InboundMessage) Empty() bool {
	return strings.TrimSpace(m.Body) == "" && len(m.Media) == 0
}

// OutboundAttachment is a persisted attachment offered to a sender. Senders
// either pass URL to the gateway or upload the bytes returned by Open.
type OutboundAttachment struct {
	ID          string
	ContentType string
	Name        string
	SizeBytes   int64
	URL         string
	Open        func(ctx context.Context) (io.ReadCloser, error)
}

// OutboundMessage is a message addressed to one external user.
type OutboundMessage struct {
	// Target is the recipient's normalized phone number.
	Target      string
	Body        string
	Attachments []OutboundAttachment
}

// SendResult is the gateway acknowledgement of an accepted send.
type SendResult struct {
	ProviderMessageID string
}
