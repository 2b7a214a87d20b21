package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"github.com/memohai/concierge/internal/auth"
	"github.com/memohai/concierge/internal/broadcast"
	"github.com/memohai/concierge/internal/group"
)

const (
	liveHeartbeat = 25 * time.Second
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
)

// SessionHub is the part of the broadcaster a live connection uses.
type SessionHub interface {
	Register(operatorID string, groupIDs []string, all bool) *broadcast.Session
	Subscribe(s *broadcast.Session, groupIDs ...string)
	Deregister(s *broadcast.Session)
}

// LiveHandler streams message.created events over SSE or WebSocket.
type LiveHandler struct {
	hub       SessionHub
	groups    GroupService
	operators OperatorService
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

func NewLiveHandler(log *slog.Logger, hub SessionHub, groups GroupService, operators OperatorService) *LiveHandler {
	return &LiveHandler{
		hub:       hub,
		groups:    groups,
		operators: operators,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Console and API are served from different origins; the JWT
			// guards the endpoint instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.With(slog.String("handler", "live")),
	}
}

func (h *LiveHandler) Register(e *echo.Echo) {
	e.GET("/live/stream", h.Stream)
	e.GET("/live/ws", h.WebSocket)
}

// open registers a hub session for the caller. With all=true the session
// receives every group, otherwise the groups the operator belongs to. The
// session is registered before memberships are read so a group joined in
// between still reaches it.
func (h *LiveHandler) open(c echo.Context) (*broadcast.Session, error) {
	operatorID, err := auth.OperatorIDFromContext(c)
	if err != nil {
		return nil, err
	}
	ctx := c.Request().Context()
	op, err := h.operators.Get(ctx, operatorID)
	if err != nil {
		return nil, httpError(err)
	}
	if !op.Active {
		return nil, echo.NewHTTPError(http.StatusForbidden, "operator is inactive")
	}
	all, _ := strconv.ParseBool(c.QueryParam("all"))
	session := h.hub.Register(operatorID, nil, all)
	var groupIDs []string
	if !all {
		groups, err := h.groups.ListGroupsForMember(ctx, operatorID)
		if err != nil {
			h.hub.Deregister(session)
			return nil, httpError(err)
		}
		groupIDs = lo.Map(groups, func(g group.Group, _ int) string { return g.ID })
		h.hub.Subscribe(session, groupIDs...)
	}
	h.logger.Debug("live session opened",
		slog.String("session_id", session.ID),
		slog.String("operator_id", operatorID),
		slog.Int("groups", len(groupIDs)),
		slog.Bool("all", all),
	)
	return session, nil
}

func (h *LiveHandler) close(session *broadcast.Session) {
	h.hub.Deregister(session)
	h.logger.Debug("live session closed",
		slog.String("session_id", session.ID),
		slog.Bool("evicted", session.Evicted()),
	)
}

// Stream godoc
// @Summary Live message events (SSE)
// @Tags live
// @Produce text/event-stream
// @Param all query bool false "Receive every group"
// @Param token query string false "JWT for clients that cannot set headers"
// @Router /live/stream [get]
func (h *LiveHandler) Stream(c echo.Context) error {
	session, err := h.open(c)
	if err != nil {
		return err
	}
	defer h.close(session)

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}
	writer := bufio.NewWriter(c.Response().Writer)
	flush := func() error {
		if err := writer.Flush(); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if _, err := writer.WriteString(": connected\n\n"); err != nil {
		return nil
	}
	if err := flush(); err != nil {
		return nil
	}

	heartbeat := time.NewTicker(liveHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-heartbeat.C:
			if _, err := writer.WriteString(": ping\n\n"); err != nil {
				return nil
			}
			if err := flush(); err != nil {
				return nil
			}
		case ev, ok := <-session.Events():
			if !ok {
				// Evicted: the client reconnects and pages history by seq.
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(writer, "id: %d\nevent: %s\ndata: %s\n\n", ev.Message.Seq, ev.Type, data); err != nil {
				return nil // client disconnected
			}
			if err := flush(); err != nil {
				return nil
			}
		}
	}
}

// WebSocket streams the same events as Stream, one JSON frame per event.
func (h *LiveHandler) WebSocket(c echo.Context) error {
	session, err := h.open(c)
	if err != nil {
		return err
	}
	defer h.close(session)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// The reader only processes control frames; any read error ends the session.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(liveHeartbeat)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}
		case ev, ok := <-session.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session evicted"),
					time.Now().Add(wsWriteWait))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
		}
	}
}
