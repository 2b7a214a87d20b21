package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/concierge/internal/auth"
	"github.com/memohai/concierge/internal/group"
)

// GroupsHandler exposes group threads to operators.
type GroupsHandler struct {
	groups GroupService
	users  UserResolver
	logger *slog.Logger
}

func NewGroupsHandler(log *slog.Logger, groups GroupService, users UserResolver) *GroupsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &GroupsHandler{
		groups: groups,
		users:  users,
		logger: log.With(slog.String("handler", "groups")),
	}
}

func (h *GroupsHandler) Register(e *echo.Echo) {
	g := e.Group("/groups")
	g.GET("", h.List)
	g.GET("/:group_id", h.Get)
	g.POST("/:group_id/operators", h.AddOperator)
	g.POST("/:group_id/participants", h.AddParticipant)
}

type GroupDetail struct {
	group.Group
	Members []group.Membership `json:"members"`
}

// requireGroupMember resolves the caller and checks that it is an active
// operator member of groupID.
func requireGroupMember(c echo.Context, groups GroupService, groupID string) (string, error) {
	operatorID, err := auth.OperatorIDFromContext(c)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(groupID) == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "group id is required")
	}
	ok, err := groups.IsActiveOperatorMember(c.Request().Context(), groupID, operatorID)
	if err != nil {
		return "", httpError(err)
	}
	if !ok {
		return "", echo.NewHTTPError(http.StatusForbidden, "not a member of this group")
	}
	return operatorID, nil
}

// List godoc
// @Summary List groups
// @Description Lists the caller's groups, or every group with all=true.
// @Tags groups
// @Produce json
// @Param all query bool false "List every group"
// @Success 200 {object} map[string][]group.Group
// @Router /groups [get]
func (h *GroupsHandler) List(c echo.Context) error {
	operatorID, err := auth.OperatorIDFromContext(c)
	if err != nil {
		return err
	}
	all, _ := strconv.ParseBool(c.QueryParam("all"))
	var items []group.Group
	if all {
		items, err = h.groups.List(c.Request().Context())
	} else {
		items, err = h.groups.ListGroupsForMember(c.Request().Context(), operatorID)
	}
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []group.Group{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *GroupsHandler) Get(c echo.Context) error {
	groupID := strings.TrimSpace(c.Param("group_id"))
	if _, err := requireGroupMember(c, h.groups, groupID); err != nil {
		return err
	}
	ctx := c.Request().Context()
	g, err := h.groups.Get(ctx, groupID)
	if err != nil {
		return httpError(err)
	}
	members, err := h.groups.ListMembers(ctx, groupID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, GroupDetail{Group: g, Members: members})
}

type AddOperatorRequest struct {
	OperatorID string `json:"operator_id"`
}

// AddOperator adds an operator to a group. Any active operator may join a
// group; adding someone else requires the caller to be a member already.
func (h *GroupsHandler) AddOperator(c echo.Context) error {
	callerID, err := auth.OperatorIDFromContext(c)
	if err != nil {
		return err
	}
	groupID := strings.TrimSpace(c.Param("group_id"))
	var req AddOperatorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	target := strings.TrimSpace(req.OperatorID)
	if target == "" {
		target = callerID
	}
	if target != callerID {
		if _, err := requireGroupMember(c, h.groups, groupID); err != nil {
			return err
		}
	}
	if err := h.groups.AddOperatorToGroup(c.Request().Context(), groupID, target); err != nil {
		return httpError(err)
	}
	h.logger.Info("operator added to group",
		slog.String("group_id", groupID),
		slog.String("operator_id", target),
		slog.String("by", callerID),
	)
	return c.NoContent(http.StatusNoContent)
}

type AddParticipantRequest struct {
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name"`
}

// AddParticipant godoc
// @Summary Add an external user to a group
// @Description Resolves the phone number to a user and adds it to the group's fan-out.
// @Tags groups
// @Accept json
// @Produce json
// @Param group_id path string true "Group ID"
// @Param payload body AddParticipantRequest true "Participant"
// @Success 201 {object} identity.User
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /groups/{group_id}/participants [post]
func (h *GroupsHandler) AddParticipant(c echo.Context) error {
	groupID := strings.TrimSpace(c.Param("group_id"))
	callerID, err := requireGroupMember(c, h.groups, groupID)
	if err != nil {
		return err
	}
	var req AddParticipantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "external_id is required")
	}
	ctx := c.Request().Context()
	user, err := h.users.ResolveUser(ctx, req.ExternalID, req.DisplayName)
	if err != nil {
		return httpError(err)
	}
	if err := h.groups.AddParticipant(ctx, groupID, user); err != nil {
		return httpError(err)
	}
	h.logger.Info("participant added to group",
		slog.String("group_id", groupID),
		slog.String("user_id", user.ID),
		slog.String("by", callerID),
	)
	return c.JSON(http.StatusCreated, user)
}
