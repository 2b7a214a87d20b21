package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// MediaHandler streams attachments to operators who can read the owning group.
type MediaHandler struct {
	groups      GroupService
	messages    MessageReader
	attachments AttachmentReader
	logger      *slog.Logger
}

func NewMediaHandler(log *slog.Logger, groups GroupService, messages MessageReader, attachments AttachmentReader) *MediaHandler {
	return &MediaHandler{
		groups:      groups,
		messages:    messages,
		attachments: attachments,
		logger:      log.With(slog.String("handler", "media")),
	}
}

func (h *MediaHandler) Register(e *echo.Echo) {
	e.GET("/media/:attachment_id", h.Serve)
}

// Serve streams an attachment. Attachments not yet linked to a message are
// not readable.
func (h *MediaHandler) Serve(c echo.Context) error {
	attachmentID := strings.TrimSpace(c.Param("attachment_id"))
	if attachmentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "attachment id is required")
	}
	ctx := c.Request().Context()
	att, err := h.attachments.Get(ctx, attachmentID)
	if err != nil {
		return httpError(err)
	}
	if att.MessageID == "" {
		return echo.NewHTTPError(http.StatusNotFound, "attachment not found")
	}
	msg, err := h.messages.Get(ctx, att.MessageID)
	if err != nil {
		return httpError(err)
	}
	if _, err := requireGroupMember(c, h.groups, msg.GroupID); err != nil {
		return err
	}

	reader, att, err := h.attachments.Open(ctx, attachmentID)
	if err != nil {
		return httpError(err)
	}
	defer reader.Close()

	contentType := att.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	header := c.Response().Header()
	header.Set(echo.HeaderContentType, contentType)
	header.Set(echo.HeaderCacheControl, "private, max-age=86400")
	if att.SizeBytes > 0 {
		header.Set(echo.HeaderContentLength, fmt.Sprintf("%d", att.SizeBytes))
	}
	if att.OriginalName != "" {
		header.Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", att.OriginalName))
	}
	c.Response().WriteHeader(http.StatusOK)
	if _, err := io.Copy(c.Response().Writer, reader); err != nil {
		h.logger.Warn("serve media stream failed", slog.String("attachment_id", attachmentID), slog.Any("error", err))
	}
	return nil
}
