package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/concierge/internal/channel"
)

const (
	webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB
	signatureHeader           = "X-Relay-Signature"
	signaturePrefix           = "sha256="
)

// WebhookHandler receives inbound messages from the relay gateway.
type WebhookHandler struct {
	logger    *slog.Logger
	secret    string
	processor channel.InboundProcessor
}

// NewWebhookHandler creates the public relay webhook handler.
func NewWebhookHandler(log *slog.Logger, secret string, processor channel.InboundProcessor) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:    log.With(slog.String("handler", "relay_webhook")),
		secret:    secret,
		processor: processor,
	}
}

// Register registers webhook callback routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/relay", h.Handle)
}

type inboundPayload struct {
	MessageID string    `json:"messageId"`
	From      string    `json:"from"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	MediaURLs []string  `json:"mediaUrls"`
	Timestamp time.Time `json:"timestamp"`
}

// Handle verifies and processes a single inbound message. Malformed messages
// are acknowledged; transient failures answer 503 so the gateway retries.
func (h *WebhookHandler) Handle(c echo.Context) error {
	if h.processor == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "relay webhook dependencies not configured")
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}
	if err := channel.VerifyHMACSHA256(h.secret, payload, c.Request().Header.Get(signatureHeader), signaturePrefix); err != nil {
		h.logger.Warn("webhook signature rejected", slog.String("remote_ip", c.RealIP()), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}
	var in inboundPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid relay payload: %v", err))
	}
	msg := channel.InboundMessage{
		Channel:           Type,
		ExternalID:        in.From,
		DisplayName:       strings.TrimSpace(in.Name),
		Body:              in.Body,
		ProviderMessageID: in.MessageID,
		ReceivedAt:        in.Timestamp,
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	for _, u := range in.MediaURLs {
		if strings.TrimSpace(u) != "" {
			msg.Media = append(msg.Media, channel.MediaRef{Ref: u})
		}
	}
	if msg.Empty() {
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	ctx := context.WithoutCancel(c.Request().Context())
	if _, err := h.processor.HandleInbound(ctx, msg); err != nil {
		if channel.ShouldRedeliver(err) {
			h.logger.Error("inbound message not processed",
				slog.String("provider_message_id", msg.ProviderMessageID),
				slog.Any("error", err),
			)
			return echo.NewHTTPError(http.StatusServiceUnavailable, "inbound processing failed, retry later")
		}
		h.logger.Warn("inbound message rejected",
			slog.String("provider_message_id", msg.ProviderMessageID),
			slog.Any("error", err),
		)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
