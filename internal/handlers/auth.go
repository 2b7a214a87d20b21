package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/concierge/internal/auth"
	"github.com/memohai/concierge/internal/config"
	"github.com/memohai/concierge/internal/operator"
)

// AuthHandler issues operator tokens.
type AuthHandler struct {
	operators OperatorService
	secret    string
	expiresIn time.Duration
	logger    *slog.Logger
}

func NewAuthHandler(log *slog.Logger, operators OperatorService, cfg config.AuthConfig) (*AuthHandler, error) {
	expiresIn, err := time.ParseDuration(cfg.JWTExpiresIn)
	if err != nil {
		return nil, err
	}
	return &AuthHandler{
		operators: operators,
		secret:    cfg.JWTSecret,
		expiresIn: expiresIn,
		logger:    log.With(slog.String("handler", "auth")),
	}, nil
}

func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/auth/login", h.Login)
	e.POST("/auth/refresh", h.Refresh)
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string            `json:"access_token"`
	TokenType   string            `json:"token_type"`
	ExpiresAt   string            `json:"expires_at"`
	Operator    operator.Operator `json:"operator"`
}

// Login godoc
// @Summary Operator login
// @Tags auth
// @Accept json
// @Produce json
// @Param payload body LoginRequest true "Credentials"
// @Success 200 {object} TokenResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}
	op, err := h.operators.Authenticate(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, operator.ErrInvalidCredentials):
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid username or password")
		case errors.Is(err, operator.ErrInactive):
			return echo.NewHTTPError(http.StatusForbidden, "operator is inactive")
		}
		return httpError(err)
	}
	token, expiresAt, err := auth.GenerateToken(auth.Identity{OperatorID: op.ID, Username: op.Username}, h.secret, h.expiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("operator logged in", slog.String("operator_id", op.ID))
	return c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		Operator:    op,
	})
}

// Refresh issues a new token for an active operator.
func (h *AuthHandler) Refresh(c echo.Context) error {
	operatorID, err := auth.OperatorIDFromContext(c)
	if err != nil {
		return err
	}
	op, err := h.operators.Get(c.Request().Context(), operatorID)
	if err != nil {
		return httpError(err)
	}
	if !op.Active {
		return echo.NewHTTPError(http.StatusForbidden, "operator is inactive")
	}
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.secret, h.expiresIn)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		Operator:    op,
	})
}
