package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mcps-gateway/internal/config"
	"mcps-gateway/internal/metrics"
)

// proxyMethods are the methods forwarded to upstreams.
var proxyMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
	http.MethodDelete, http.MethodOptions, http.MethodHead,
}

// RegisterRoutes wires all route handlers onto the Echo instance.
//
// Health routes only answer GET; any other method on the same path is
// proxied like an ordinary sub-path.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.Match(proxyMethods, "/health", getOr(health.Health, proxy.Handle))
	e.Match(proxyMethods, "/:service/health", getOr(health.ServiceHealth, proxy.Handle))

	e.Match(proxyMethods, "/:service", proxy.Handle)
	e.Match(proxyMethods, "/:service/*", proxy.Handle)
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

func getOr(get, other echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Method == http.MethodGet {
			return get(c)
		}
		return other(c)
	}
}
