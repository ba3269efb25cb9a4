package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pageproxy/internal/config"
	"pageproxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// The metrics parameter is optional; the endpoint is only mounted when enabled.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, script *InterceptorHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	e.Any(cfg.Proxy.PageRoute, proxy.Page)
	e.Match([]string{http.MethodGet, http.MethodHead}, cfg.Proxy.AssetRoute, proxy.Asset)
	e.Any(cfg.Proxy.RelayRoute, proxy.Relay)
	e.GET(cfg.Proxy.InterceptorRoute, script.Serve)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
	if cfg.Proxy.ShellDir != "" {
		e.Static("/", cfg.Proxy.ShellDir)
	}
}
