package handlers

import (
	"errors"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/labstack/echo/v4"

	"github.com/memohai/concierge/internal/errs"
	"github.com/memohai/concierge/internal/media"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Message string `json:"message"`
}

// httpError maps a service error onto an HTTP status by its class.
func httpError(err error) error {
	if err == nil {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return echo.NewHTTPError(statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, media.ErrAttachmentTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errs.ErrStorage):
		return http.StatusBadGateway
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsUnauthorized(err):
		return http.StatusUnauthorized
	case errdefs.IsPermissionDenied(err):
		return http.StatusForbidden
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
