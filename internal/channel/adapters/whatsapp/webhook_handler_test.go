package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"go.uber.org/mock/gomock"

	"github.com/memohai/concierge/internal/channel"
	"github.com/memohai/concierge/internal/channel/mocks"
	"github.com/memohai/concierge/internal/errs"
	"github.com/memohai/concierge/internal/message"
)

const samplePayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "waba-1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "contacts": [{"wa_id": "15551234567", "profile": {"name": "Ada"}}],
        "messages": [
          {"from": "15551234567", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "Hello"}},
          {"from": "15551234567", "id": "wamid.2", "timestamp": "1700000001", "type": "image", "image": {"id": "media-7", "mime_type": "image/jpeg", "caption": "receipt"}}
        ]
      }
    }]
  }]
}`

func newWebhookContext(method, target, body string, headers map[string]string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestWebhookHandler_Verify(t *testing.T) {
	t.Parallel()

	h := NewWebhookHandler(nil, "secret", "verify-me", nil)

	c, rec := newWebhookContext(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", "", nil)
	if err := h.HandleVerify(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "42" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}

	c, _ = newWebhookContext(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", "", nil)
	err := h.HandleVerify(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestWebhookHandler_RejectsBadSignature(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	processor := mocks.NewMockInboundProcessor(ctrl)
	processor.EXPECT().HandleInbound(gomock.Any(), gomock.Any()).Times(0)

	h := NewWebhookHandler(nil, "secret", "", processor)
	for _, sig := range []string{"", "sha256=deadbeef", "sha256=" + channel.SignHMACSHA256("wrong", []byte(samplePayload))} {
		c, _ := newWebhookContext(http.MethodPost, "/webhooks/whatsapp", samplePayload, map[string]string{signatureHeader: sig})
		err := h.Handle(c)
		var he *echo.HTTPError
		if !errors.As(err, &he) || he.Code != http.StatusUnauthorized {
			t.Fatalf("signature %q: expected 401, got %v", sig, err)
		}
	}
}

func TestWebhookHandler_DispatchesMessages(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	processor := mocks.NewMockInboundProcessor(ctrl)

	var got []channel.InboundMessage
	processor.EXPECT().HandleInbound(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg channel.InboundMessage) (message.Message, error) {
			got = append(got, msg)
			if msg.ProviderMessageID == "wamid.2" {
				return message.Message{}, errs.Validation("unsupported sender")
			}
			return message.Message{ID: "m1"}, nil
		}).Times(2)

	h := NewWebhookHandler(nil, "secret", "", processor)
	sig := signaturePrefix + channel.SignHMACSHA256("secret", []byte(samplePayload))
	c, rec := newWebhookContext(http.MethodPost, "/webhooks/whatsapp", samplePayload, map[string]string{signatureHeader: sig})
	if err := h.Handle(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when a message is malformed, got %d", rec.Code)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ExternalID != "15551234567" || got[0].DisplayName != "Ada" || got[0].Body != "Hello" || got[0].Channel != Type {
		t.Fatalf("unexpected text message %+v", got[0])
	}
	if got[1].Body != "receipt" || len(got[1].Media) != 1 || got[1].Media[0].Ref != "media-7" || got[1].Media[0].ContentType != "image/jpeg" {
		t.Fatalf("unexpected media message %+v", got[1])
	}
	if got[0].ReceivedAt.Unix() != 1700000000 {
		t.Fatalf("unexpected timestamp %v", got[0].ReceivedAt)
	}
}

func TestWebhookHandler_AsksForRedeliveryOnStorageFailure(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	processor := mocks.NewMockInboundProcessor(ctrl)
	processor.EXPECT().HandleInbound(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg channel.InboundMessage) (message.Message, error) {
			if msg.ProviderMessageID == "wamid.2" {
				return message.Message{}, errs.Storage("persist attachment", errors.New("disk full"))
			}
			return message.Message{ID: "m1"}, nil
		}).Times(2)

	h := NewWebhookHandler(nil, "secret", "", processor)
	sig := signaturePrefix + channel.SignHMACSHA256("secret", []byte(samplePayload))
	c, _ := newWebhookContext(http.MethodPost, "/webhooks/whatsapp", samplePayload, map[string]string{signatureHeader: sig})
	err := h.Handle(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
	if msg, _ := he.Message.(string); strings.Contains(msg, "disk full") {
		t.Fatalf("response leaks internal error: %q", msg)
	}
}

func TestWebhookHandler_RejectsOversizedBody(t *testing.T) {
	t.Parallel()

	h := NewWebhookHandler(nil, "secret", "", mocks.NewMockInboundProcessor(gomock.NewController(t)))
	big := strings.Repeat("a", int(webhookMaxBodyBytes)+10)
	c, _ := newWebhookContext(http.MethodPost, "/webhooks/whatsapp", big, nil)
	err := h.Handle(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %v", err)
	}
}
