package handlers

import (
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"github.com/memohai/concierge/internal/delivery"
	"github.com/memohai/concierge/internal/message"
	"github.com/memohai/concierge/internal/pipeline"
)

const (
	defaultHistoryLimit = 50
	maxUploadFiles      = 10
)

// MessagesHandler serves group history and accepts operator replies.
type MessagesHandler struct {
	groups   GroupService
	messages MessageReader
	attempts AttemptReader
	composer Composer
	logger   *slog.Logger
}

func NewMessagesHandler(log *slog.Logger, groups GroupService, messages MessageReader, attempts AttemptReader, composer Composer) *MessagesHandler {
	return &MessagesHandler{
		groups:   groups,
		messages: messages,
		attempts: attempts,
		composer: composer,
		logger:   log.With(slog.String("handler", "messages")),
	}
}

func (h *MessagesHandler) Register(e *echo.Echo) {
	e.GET("/groups/:group_id/messages", h.History)
	e.POST("/groups/:group_id/messages", h.Send)
	e.GET("/messages/:message_id/attempts", h.Attempts)
}

// MessageView is a committed message with its derived delivery status.
type MessageView struct {
	message.Message
	Delivery delivery.Status `json:"delivery"`
}

type SendMessageRequest struct {
	Body string `json:"body"`
}

// History godoc
// @Summary List group messages
// @Tags messages
// @Produce json
// @Param group_id path string true "Group ID"
// @Param after_seq query int false "Return messages after this sequence"
// @Param limit query int false "Page size"
// @Success 200 {object} map[string][]MessageView
// @Failure 403 {object} ErrorResponse
// @Router /groups/{group_id}/messages [get]
func (h *MessagesHandler) History(c echo.Context) error {
	groupID := strings.TrimSpace(c.Param("group_id"))
	if _, err := requireGroupMember(c, h.groups, groupID); err != nil {
		return err
	}
	q := message.HistoryQuery{Limit: defaultHistoryLimit}
	if raw := c.QueryParam("after_seq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid after_seq")
		}
		q.AfterSeq = v
	}
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		q.Limit = v
	}
	ctx := c.Request().Context()
	msgs, err := h.messages.History(ctx, groupID, q)
	if err != nil {
		return httpError(err)
	}
	byMessage, err := h.attempts.ListByMessages(ctx, lo.Map(msgs, func(m message.Message, _ int) string { return m.ID }))
	if err != nil {
		return httpError(err)
	}
	items := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, MessageView{Message: m, Delivery: delivery.Summarize(byMessage[m.ID])})
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// Send godoc
// @Summary Post an operator reply
// @Description Accepts JSON {"body": "..."} or multipart/form-data with a body field and files.
// @Tags messages
// @Accept json,mpfd
// @Produce json
// @Param group_id path string true "Group ID"
// @Success 201 {object} MessageView
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 413 {object} ErrorResponse
// @Router /groups/{group_id}/messages [post]
func (h *MessagesHandler) Send(c echo.Context) error {
	groupID := strings.TrimSpace(c.Param("group_id"))
	operatorID, err := requireGroupMember(c, h.groups, groupID)
	if err != nil {
		return err
	}
	in := pipeline.OperatorMessage{GroupID: groupID, OperatorID: operatorID}

	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		form, err := c.MultipartForm()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		defer form.RemoveAll()
		in.Body = strings.Join(form.Value["body"], "\n")
		files := form.File["files"]
		if len(files) > maxUploadFiles {
			return echo.NewHTTPError(http.StatusBadRequest, "too many files")
		}
		closers := make([]io.Closer, 0, len(files))
		defer func() {
			for _, cl := range closers {
				_ = cl.Close()
			}
		}()
		for _, fh := range files {
			f, err := fh.Open()
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			closers = append(closers, f)
			in.Uploads = append(in.Uploads, pipeline.Upload{
				Reader:      f,
				ContentType: fileContentType(fh),
				Name:        fh.Filename,
			})
		}
	} else {
		var req SendMessageRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		in.Body = req.Body
	}

	msg, err := h.composer.HandleOperatorMessage(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, MessageView{Message: msg, Delivery: delivery.StatusNone})
}

// Attempts returns the delivery log of a message.
func (h *MessagesHandler) Attempts(c echo.Context) error {
	messageID := strings.TrimSpace(c.Param("message_id"))
	if messageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message id is required")
	}
	ctx := c.Request().Context()
	msg, err := h.messages.Get(ctx, messageID)
	if err != nil {
		return httpError(err)
	}
	if _, err := requireGroupMember(c, h.groups, msg.GroupID); err != nil {
		return err
	}
	attempts, err := h.attempts.ListByMessage(ctx, messageID)
	if err != nil {
		return httpError(err)
	}
	if attempts == nil {
		attempts = []delivery.Attempt{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": delivery.Summarize(attempts),
		"items":  attempts,
	})
}

func fileContentType(fh *multipart.FileHeader) string {
	if fh == nil {
		return ""
	}
	return strings.TrimSpace(fh.Header.Get(echo.HeaderContentType))
}
