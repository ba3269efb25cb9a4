package handler

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"pageproxy/internal/config"
	"pageproxy/internal/interceptor"
)

// InterceptorHandler serves the navigation interceptor script.
type InterceptorHandler struct {
	script []byte
}

// NewInterceptorHandler renders the script once for the configured routes.
func NewInterceptorHandler(cfg *config.Config) (*InterceptorHandler, error) {
	script, err := interceptor.Script(interceptor.Config{
		Prefix: cfg.Proxy.PublicOrigin,
		Routes: interceptor.Routes{
			Page:  cfg.Proxy.PageRoute,
			Asset: cfg.Proxy.AssetRoute,
			Relay: cfg.Proxy.RelayRoute,
		},
		Spoof: cfg.Rewrite.SpoofLocation,
	})
	if err != nil {
		return nil, fmt.Errorf("render interceptor: %w", err)
	}
	return &InterceptorHandler{script: script}, nil
}

// Serve writes the script. It is revalidated on every page load so route
// changes take effect after a restart.
func (h *InterceptorHandler) Serve(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.Blob(http.StatusOK, "application/javascript; charset=utf-8", h.script)
}
