// Package relay implements a generic HTTP gateway channel. Outbound messages
// are POSTed as JSON; inbound messages arrive on a webhook signed with a
// shared secret.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/memohai/concierge/internal/channel"
	"github.com/memohai/concierge/internal/config"
)

// Type is the channel type served by this adapter.
const Type channel.ChannelType = "relay"

const (
	maxErrorBodyBytes  = 4 << 10
	mediaDownloadLimit = 5 * time.Minute
)

// Adapter sends through a relay gateway.
type Adapter struct {
	cfg    config.RelayConfig
	policy channel.OutboundPolicy
	client *http.Client
	logger *slog.Logger
}

// NewAdapter creates a relay adapter.
func NewAdapter(log *slog.Logger, cfg config.RelayConfig, policy channel.OutboundPolicy) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		policy: channel.NormalizeOutboundPolicy(policy),
		client: &http.Client{},
		logger: log.With(slog.String("adapter", "relay")),
	}
}

// Type returns the relay channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the relay channel metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:           Type,
		DisplayName:    "Relay",
		OutboundPolicy: a.policy,
	}
}

type sendRequest struct {
	PhoneNumber string   `json:"phoneNumber"`
	Message     string   `json:"message"`
	MediaURLs   []string `json:"mediaUrls,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

// Send posts msg to the gateway, which must answer 202 Accepted with a
// messageId. Attachments without a public link are left out and logged.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	target := strings.TrimSpace(msg.Target)
	if target == "" {
		return channel.SendResult{}, fmt.Errorf("%w: empty target", channel.ErrPermanent)
	}
	payload := sendRequest{PhoneNumber: target, Message: msg.Body}
	for _, att := range msg.Attachments {
		if att.URL == "" {
			a.logger.Warn("attachment has no public link, skipped", slog.String("attachment_id", att.ID))
			continue
		}
		payload.MediaURLs = append(payload.MediaURLs, att.URL)
	}
	if strings.TrimSpace(payload.Message) == "" && len(payload.MediaURLs) == 0 {
		return channel.SendResult{}, fmt.Errorf("%w: message has no deliverable content", channel.ErrPermanent)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("%w: encode message: %v", channel.ErrPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.SendURL, bytes.NewReader(data))
	if err != nil {
		return channel.SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(a.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return channel.SendResult{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		err := fmt.Errorf("relay status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return channel.SendResult{}, fmt.Errorf("%w: %v", channel.ErrPermanent, err)
		}
		return channel.SendResult{}, err
	}
	var parsed sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return channel.SendResult{}, fmt.Errorf("decode relay response: %w", err)
	}
	if parsed.MessageID == "" {
		return channel.SendResult{}, errors.New("relay accepted the send without a messageId")
	}
	return channel.SendResult{ProviderMessageID: parsed.MessageID}, nil
}

// OpenMedia downloads an inbound media link.
func (a *Adapter) OpenMedia(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, "", fmt.Errorf("invalid media url %q", ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	client := &http.Client{Timeout: mediaDownloadLimit}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, "", fmt.Errorf("download media status: %d", resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}
