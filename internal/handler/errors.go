package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"mcps-gateway/internal/routing"
	"mcps-gateway/internal/service"
)

// writeError maps err to a JSON {"detail": ...} response. Unknown services
// are 404; every upstream failure is 502, never 500.
func writeError(c echo.Context, logger *slog.Logger, name string, err error) error {
	path := c.Request().URL.Path

	if errors.Is(err, routing.ErrUnknownService) {
		logger.Debug("unknown service", "service", name, "path", path)
		return c.JSON(http.StatusNotFound, map[string]string{
			"detail": "Unknown service: " + name,
		})
	}

	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		logger.Error("upstream failure",
			"service", ue.Service,
			"kind", ue.Kind.String(),
			"err", ue.Cause,
			"path", path,
		)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"detail": ue.Error(),
		})
	}

	if errors.Is(err, context.Canceled) {
		logger.Debug("client disconnected", "service", name, "path", path)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"detail": "client disconnected",
		})
	}

	logger.Error("proxy error", "service", name, "err", err, "path", path)
	return c.JSON(http.StatusBadGateway, map[string]string{
		"detail": "Upstream '" + name + "' error: request failed",
	})
}
