package handler

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"mcps-gateway/internal/routing"
	"mcps-gateway/internal/service"
)

// HealthHandler serves the gateway liveness endpoint and per-upstream health checks.
type HealthHandler struct {
	table   *routing.Table
	service *service.ProxyService
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(table *routing.Table, svc *service.ProxyService, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		table:   table,
		service: svc,
		logger:  logger.With("component", "health_handler"),
	}
}

// Health reports gateway liveness. It never contacts an upstream.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// ServiceHealth relays the named upstream's /health status and JSON body.
func (h *HealthHandler) ServiceHealth(c echo.Context) error {
	name := c.Param("service")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}

	route, err := h.table.Route(name)
	if err != nil {
		return writeError(c, h.logger, name, err)
	}

	hr, err := h.service.CheckHealth(c.Request().Context(), route)
	if err != nil {
		return writeError(c, h.logger, name, err)
	}

	return c.Blob(hr.StatusCode, echo.MIMEApplicationJSON, hr.Body)
}
