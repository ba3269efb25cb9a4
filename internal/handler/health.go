package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"pageproxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Strategy string            `json:"strategy"`
	Routes   map[string]string `json:"routes"`
}

// Status reports the build version and route layout. It never contacts an origin.
func (h *HealthHandler) Status(c echo.Context) error {
	routes := make(map[string]string)
	for _, r := range h.cfg.Proxy.Routes() {
		routes[r.Name] = r.Path
	}
	if h.cfg.Metrics.Enabled {
		routes["metrics"] = h.cfg.Metrics.Path
	}
	return c.JSON(http.StatusOK, statusResponse{
		Status:   "ok",
		Version:  string(h.version),
		Strategy: h.cfg.Rewrite.Strategy,
		Routes:   routes,
	})
}
