// Package whatsapp implements the WhatsApp Cloud API channel: outbound sends
// through the Graph messages endpoint, media lookups, and the signed webhook.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/memohai/concierge/internal/channel"
	"github.com/memohai/concierge/internal/config"
)

// Type is the channel type served by this adapter.
const Type channel.ChannelType = "whatsapp"

const (
	messagingProduct   = "whatsapp"
	maxErrorBodyBytes  = 4 << 10
	mediaDownloadLimit = 5 * time.Minute
)

// Adapter talks to the WhatsApp Cloud API.
type Adapter struct {
	cfg    config.WhatsAppConfig
	policy channel.OutboundPolicy
	client *http.Client
	logger *slog.Logger
}

// NewAdapter creates a WhatsApp adapter. Credentials are checked by config.Validate.
func NewAdapter(log *slog.Logger, cfg config.WhatsAppConfig, policy channel.OutboundPolicy) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = config.DefaultWhatsAppAPIBaseURL
	}
	return &Adapter{
		cfg:    cfg,
		policy: channel.NormalizeOutboundPolicy(policy),
		client: &http.Client{},
		logger: log.With(slog.String("adapter", "whatsapp")),
	}
}

// Type returns the WhatsApp channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the WhatsApp channel metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:           Type,
		DisplayName:    "WhatsApp",
		OutboundPolicy: a.policy,
	}
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type mediaBody struct {
	ID       string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type sendRequest struct {
	MessagingProduct string     `json:"messaging_product"`
	RecipientType    string     `json:"recipient_type"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             *textBody  `json:"text,omitempty"`
	Image            *mediaBody `json:"image,omitempty"`
	Video            *mediaBody `json:"video,omitempty"`
	Audio            *mediaBody `json:"audio,omitempty"`
	Document         *mediaBody `json:"document,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send delivers msg to its target. The body rides as the caption of the first
// captionable attachment, otherwise it goes out as a text message first. The
// id of the first accepted message is returned.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	to := recipient(msg.Target)
	if to == "" {
		return channel.SendResult{}, fmt.Errorf("%w: empty target", channel.ErrPermanent)
	}
	body := strings.TrimSpace(msg.Body)
	captionUsed := false
	if body != "" && len(msg.Attachments) > 0 && mediaKind(msg.Attachments[0].ContentType) != "audio" {
		captionUsed = true
	}

	var firstID string
	record := func(id string) {
		if firstID == "" {
			firstID = id
		}
	}

	if body != "" && !captionUsed {
		id, err := a.postMessage(ctx, sendRequest{
			MessagingProduct: messagingProduct,
			RecipientType:    "individual",
			To:               to,
			Type:             "text",
			Text:             &textBody{Body: body},
		})
		if err != nil {
			return channel.SendResult{}, err
		}
		record(id)
	}

	for i, att := range msg.Attachments {
		mediaID, err := a.uploadMedia(ctx, att)
		if err != nil {
			return channel.SendResult{}, err
		}
		kind := mediaKind(att.ContentType)
		payload := &mediaBody{ID: mediaID}
		if i == 0 && captionUsed {
			payload.Caption = body
		}
		req := sendRequest{MessagingProduct: messagingProduct, RecipientType: "individual", To: to, Type: kind}
		switch kind {
		case "image":
			req.Image = payload
		case "video":
			req.Video = payload
		case "audio":
			payload.Caption = ""
			req.Audio = payload
		default:
			payload.Filename = att.Name
			req.Document = payload
		}
		id, err := a.postMessage(ctx, req)
		if err != nil {
			return channel.SendResult{}, err
		}
		record(id)
	}

	if firstID == "" {
		return channel.SendResult{}, fmt.Errorf("%w: message has no content", channel.ErrPermanent)
	}
	return channel.SendResult{ProviderMessageID: firstID}, nil
}

func (a *Adapter) postMessage(ctx context.Context, payload sendRequest) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: encode message: %v", channel.ErrPermanent, err)
	}
	url := a.cfg.APIBaseURL + "/" + a.cfg.PhoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	var parsed sendResponse
	if err := a.do(req, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return "", errors.New("whatsapp accepted the send without a message id")
	}
	return parsed.Messages[0].ID, nil
}

func (a *Adapter) uploadMedia(ctx context.Context, att channel.OutboundAttachment) (string, error) {
	if att.Open == nil {
		return "", fmt.Errorf("%w: attachment %s has no content", channel.ErrPermanent, att.ID)
	}
	rc, err := att.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("open attachment %s: %w", att.ID, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	_ = form.WriteField("messaging_product", messagingProduct)
	_ = form.WriteField("type", att.ContentType)
	header := make(textproto.MIMEHeader)
	name := att.Name
	if name == "" {
		name = att.ID
	}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", att.ContentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, rc); err != nil {
		return "", fmt.Errorf("read attachment %s: %w", att.ID, err)
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	url := a.cfg.APIBaseURL + "/" + a.cfg.PhoneNumberID + "/media"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	a.authorize(req)

	var parsed struct {
		ID string `json:"id"`
	}
	if err := a.do(req, &parsed); err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	if parsed.ID == "" {
		return "", errors.New("whatsapp media upload returned no id")
	}
	return parsed.ID, nil
}

// OpenMedia resolves a media id from an inbound message and downloads it.
func (a *Adapter) OpenMedia(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, "", fmt.Errorf("media id is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.APIBaseURL+"/"+ref, nil)
	if err != nil {
		return nil, "", err
	}
	a.authorize(req)
	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := a.do(req, &meta); err != nil {
		return nil, "", fmt.Errorf("lookup media %s: %w", ref, err)
	}
	if meta.URL == "" {
		return nil, "", fmt.Errorf("media %s has no download url", ref)
	}

	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, "", err
	}
	a.authorize(dlReq)
	client := &http.Client{Timeout: mediaDownloadLimit}
	resp, err := client.Do(dlReq)
	if err != nil {
		return nil, "", fmt.Errorf("download media %s: %w", ref, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, "", fmt.Errorf("download media %s status: %d", ref, resp.StatusCode)
	}
	mime := strings.TrimSpace(meta.MimeType)
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	return resp.Body, mime, nil
}

func (a *Adapter) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
}

// do executes req and decodes a 2xx JSON body into out. Client errors other
// than 408 and 429 are permanent.
func (a *Adapter) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		detail := strings.TrimSpace(string(raw))
		var gErr graphError
		if json.Unmarshal(raw, &gErr) == nil && gErr.Error.Message != "" {
			detail = fmt.Sprintf("%s (code %d)", gErr.Error.Message, gErr.Error.Code)
		}
		err := fmt.Errorf("whatsapp api status %d: %s", resp.StatusCode, detail)
		if isPermanentStatus(resp.StatusCode) {
			return fmt.Errorf("%w: %v", channel.ErrPermanent, err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode whatsapp response: %w", err)
	}
	return nil
}

func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

// recipient strips the leading plus; the Cloud API expects bare digits.
func recipient(target string) string {
	return strings.TrimPrefix(strings.TrimSpace(target), "+")
}

func mediaKind(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return "image"
	case strings.HasPrefix(ct, "video/"):
		return "video"
	case strings.HasPrefix(ct, "audio/"):
		return "audio"
	default:
		return "document"
	}
}
