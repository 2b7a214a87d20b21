package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/memohai/concierge/internal/auth"
	"github.com/memohai/concierge/internal/operator"
)

// OperatorsHandler manages operator accounts. Any active operator may manage
// accounts; there is no separate admin role.
type OperatorsHandler struct {
	operators OperatorService
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewOperatorsHandler(log *slog.Logger, operators OperatorService) *OperatorsHandler {
	return &OperatorsHandler{
		operators: operators,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    log.With(slog.String("handler", "operators")),
	}
}

func (h *OperatorsHandler) Register(e *echo.Echo) {
	g := e.Group("/operators")
	g.GET("", h.List)
	g.POST("", h.Create)
	g.PATCH("/:operator_id", h.Update)
}

func (h *OperatorsHandler) requireActive(c echo.Context) (string, error) {
	operatorID, err := auth.OperatorIDFromContext(c)
	if err != nil {
		return "", err
	}
	op, err := h.operators.Get(c.Request().Context(), operatorID)
	if err != nil || !op.Active {
		return "", echo.NewHTTPError(http.StatusForbidden, "operator is inactive")
	}
	return operatorID, nil
}

func (h *OperatorsHandler) List(c echo.Context) error {
	if _, err := h.requireActive(c); err != nil {
		return err
	}
	items, err := h.operators.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// Create godoc
// @Summary Create an operator
// @Tags operators
// @Accept json
// @Produce json
// @Param payload body operator.CreateInput true "Operator"
// @Success 201 {object} operator.Operator
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /operators [post]
func (h *OperatorsHandler) Create(c echo.Context) error {
	if _, err := h.requireActive(c); err != nil {
		return err
	}
	var req operator.CreateInput
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	op, err := h.operators.Create(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, op)
}

type UpdateOperatorRequest struct {
	Active *bool `json:"active"`
}

func (h *OperatorsHandler) Update(c echo.Context) error {
	callerID, err := h.requireActive(c)
	if err != nil {
		return err
	}
	targetID := strings.TrimSpace(c.Param("operator_id"))
	if targetID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "operator id is required")
	}
	var req UpdateOperatorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Active == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "active is required")
	}
	if targetID == callerID && !*req.Active {
		return echo.NewHTTPError(http.StatusBadRequest, "operators cannot deactivate themselves")
	}
	op, err := h.operators.SetActive(c.Request().Context(), targetID, *req.Active)
	if err != nil {
		return httpError(err)
	}
	h.logger.Info("operator updated", slog.String("operator_id", targetID), slog.String("by", callerID), slog.Bool("active", op.Active))
	return c.JSON(http.StatusOK, op)
}
