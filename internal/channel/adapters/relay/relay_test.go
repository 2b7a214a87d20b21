package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/memohai/concierge/internal/channel"
	"github.com/memohai/concierge/internal/channel/mocks"
	"github.com/memohai/concierge/internal/config"
	"github.com/memohai/concierge/internal/errs"
	"github.com/memohai/concierge/internal/message"
)

func TestAdapterSend(t *testing.T) {
	t.Parallel()

	var got sendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"messageId":"relay-1"}`))
	}))
	defer srv.Close()

	a := NewAdapter(nil, config.RelayConfig{SendURL: srv.URL, APIKey: "k"}, channel.OutboundPolicy{})
	res, err := a.Send(context.Background(), channel.OutboundMessage{
		Target: "+15551234567",
		Body:   "On it",
		Attachments: []channel.OutboundAttachment{
			{ID: "a1", URL: "https://cdn.example.com/a1.png"},
			{ID: "a2"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "relay-1", res.ProviderMessageID)
	assert.Equal(t, "Bearer k", auth)
	assert.Equal(t, "+15551234567", got.PhoneNumber)
	assert.Equal(t, "On it", got.Message)
	assert.Equal(t, []string{"https://cdn.example.com/a1.png"}, got.MediaURLs)
}

func TestAdapterSendStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		body      string
		permanent bool
		wantErr   bool
	}{
		{status: http.StatusAccepted, body: `{"messageId":""}`, wantErr: true},
		{status: http.StatusUnprocessableEntity, body: `invalid number`, wantErr: true, permanent: true},
		{status: http.StatusServiceUnavailable, body: `down`, wantErr: true},
		{status: http.StatusTooManyRequests, body: `slow down`, wantErr: true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(tt.body))
		}))
		a := NewAdapter(nil, config.RelayConfig{SendURL: srv.URL}, channel.OutboundPolicy{})
		_, err := a.Send(context.Background(), channel.OutboundMessage{Target: "+15551234567", Body: "hi"})
		srv.Close()
		require.Equal(t, tt.wantErr, err != nil, "status %d", tt.status)
		assert.Equal(t, tt.permanent, errors.Is(err, channel.ErrPermanent), "status %d", tt.status)
	}
}

func TestAdapterSendNothingDeliverable(t *testing.T) {
	t.Parallel()

	a := NewAdapter(nil, config.RelayConfig{SendURL: "http://127.0.0.1:0"}, channel.OutboundPolicy{})
	_, err := a.Send(context.Background(), channel.OutboundMessage{Target: "+15551234567", Attachments: []channel.OutboundAttachment{{ID: "a"}}})
	require.ErrorIs(t, err, channel.ErrPermanent)
}

func TestAdapterOpenMedia(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	a := NewAdapter(nil, config.RelayConfig{}, channel.OutboundPolicy{})
	rc, ct, err := a.OpenMedia(context.Background(), srv.URL+"/doc.pdf")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "%PDF-1.4", string(data))
	assert.Equal(t, "application/pdf", ct)

	_, _, err = a.OpenMedia(context.Background(), "file:///etc/passwd")
	require.Error(t, err)
}

func TestWebhookHandler(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	processor := mocks.NewMockInboundProcessor(ctrl)

	body := `{"messageId":"r-1","from":"+15551234567","name":"Ada","body":"Hello","mediaUrls":["https://x.example/a.png"]}`
	processor.EXPECT().HandleInbound(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg channel.InboundMessage) (message.Message, error) {
			assert.Equal(t, Type, msg.Channel)
			assert.Equal(t, "+15551234567", msg.ExternalID)
			assert.Equal(t, "Hello", msg.Body)
			assert.Equal(t, "r-1", msg.ProviderMessageID)
			require.Len(t, msg.Media, 1)
			return message.Message{ID: "m-1"}, nil
		})

	h := NewWebhookHandler(nil, "secret", processor)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/relay", strings.NewReader(body))
	req.Header.Set(signatureHeader, signaturePrefix+channel.SignHMACSHA256("secret", []byte(body)))
	rec := httptest.NewRecorder()
	require.NoError(t, h.Handle(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/relay", strings.NewReader(body))
	req.Header.Set(signatureHeader, signaturePrefix+channel.SignHMACSHA256("nope", []byte(body)))
	err := h.Handle(e.NewContext(req, httptest.NewRecorder()))
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.Code)
}

func TestWebhookHandlerFailureStatus(t *testing.T) {
	t.Parallel()
	body := `{"messageId":"r-2","from":"+15551234567","body":"Hello"}`
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "malformed message is acknowledged", err: errs.Validation("bad phone"), want: http.StatusOK},
		{name: "storage outage asks for retry", err: errs.Storage("commit message", errors.New("connection refused")), want: http.StatusServiceUnavailable},
		{name: "unclassified failure asks for retry", err: errors.New("boom"), want: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			processor := mocks.NewMockInboundProcessor(gomock.NewController(t))
			processor.EXPECT().HandleInbound(gomock.Any(), gomock.Any()).Return(message.Message{}, tc.err)
			h := NewWebhookHandler(nil, "secret", processor)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/relay", strings.NewReader(body))
			req.Header.Set(signatureHeader, signaturePrefix+channel.SignHMACSHA256("secret", []byte(body)))
			rec := httptest.NewRecorder()
			err := h.Handle(echo.New().NewContext(req, rec))
			if tc.want == http.StatusOK {
				require.NoError(t, err)
				assert.Equal(t, http.StatusOK, rec.Code)
				return
			}
			var he *echo.HTTPError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tc.want, he.Code)
			assert.NotContains(t, he.Message, "connection refused")
		})
	}
}
