package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/concierge/internal/channel"
)

const (
	webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB
	signatureHeader           = "X-Hub-Signature-256"
	signaturePrefix           = "sha256="
)

// WebhookHandler receives WhatsApp Cloud API webhook callbacks.
type WebhookHandler struct {
	logger      *slog.Logger
	appSecret   string
	verifyToken string
	processor   channel.InboundProcessor
}

// NewWebhookHandler creates the public WhatsApp webhook handler.
func NewWebhookHandler(log *slog.Logger, appSecret, verifyToken string, processor channel.InboundProcessor) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:      log.With(slog.String("handler", "whatsapp_webhook")),
		appSecret:   appSecret,
		verifyToken: verifyToken,
		processor:   processor,
	}
}

// Register registers webhook callback routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/whatsapp", h.HandleVerify)
	e.POST("/webhooks/whatsapp", h.Handle)
}

// HandleVerify answers the subscription handshake by echoing hub.challenge.
func (h *WebhookHandler) HandleVerify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	if mode != "subscribe" || h.verifyToken == "" || token != h.verifyToken {
		h.logger.Warn("webhook verification rejected", slog.String("mode", mode))
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
}

// Handle verifies the payload signature and hands every message to the
// processor. Malformed messages are logged and acknowledged; any other
// processing failure answers 503 so the platform redelivers the payload.
// Messages already committed from it are suppressed as duplicates then.
func (h *WebhookHandler) Handle(c echo.Context) error {
	if h.processor == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "whatsapp webhook dependencies not configured")
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}
	if err := channel.VerifyHMACSHA256(h.appSecret, payload, c.Request().Header.Get(signatureHeader), signaturePrefix); err != nil {
		h.logger.Warn("webhook signature rejected",
			slog.String("remote_ip", c.RealIP()),
			slog.Any("error", err),
		)
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid whatsapp webhook payload: %v", err))
	}

	ctx := context.WithoutCancel(c.Request().Context())
	redeliver := false
	for _, msg := range extractInbound(body) {
		if _, err := h.processor.HandleInbound(ctx, msg); err != nil {
			level := slog.LevelWarn
			if channel.ShouldRedeliver(err) {
				level = slog.LevelError
				redeliver = true
			}
			h.logger.Log(ctx, level, "inbound message not processed",
				slog.String("provider_message_id", msg.ProviderMessageID),
				slog.Any("error", err),
			)
		}
	}
	if redeliver {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "inbound processing failed, retry later")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []inboundMessage `json:"messages"`
}

type inboundMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type inboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *inboundMedia `json:"image"`
	Video    *inboundMedia `json:"video"`
	Audio    *inboundMedia `json:"audio"`
	Document *inboundMedia `json:"document"`
	Sticker  *inboundMedia `json:"sticker"`
}

// extractInbound flattens a webhook payload into inbound messages. Status
// callbacks and unsupported message types are skipped.
func extractInbound(body webhookPayload) []channel.InboundMessage {
	var out []channel.InboundMessage
	for _, entry := range body.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = strings.TrimSpace(contact.Profile.Name)
			}
			for _, m := range change.Value.Messages {
				msg := channel.InboundMessage{
					Channel:           Type,
					ExternalID:        m.From,
					DisplayName:       names[m.From],
					ProviderMessageID: m.ID,
					ReceivedAt:        parseTimestamp(m.Timestamp),
				}
				if m.Text != nil {
					msg.Body = m.Text.Body
				}
				for _, media := range []*inboundMedia{m.Image, m.Video, m.Audio, m.Document, m.Sticker} {
					if media == nil || media.ID == "" {
						continue
					}
					if msg.Body == "" && media.Caption != "" {
						msg.Body = media.Caption
					}
					msg.Media = append(msg.Media, channel.MediaRef{
						Ref:         media.ID,
						ContentType: media.MimeType,
						Name:        media.Filename,
					})
				}
				if msg.Empty() {
					continue
				}
				out = append(out, msg)
			}
		}
	}
	return out
}

func parseTimestamp(raw string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
