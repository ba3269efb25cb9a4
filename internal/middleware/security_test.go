package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders_AddsHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders("/proxy"))
	e.GET("/status", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", v, "nosniff")
	}
	if v := rec.Header().Get("X-Frame-Options"); v != "DENY" {
		t.Errorf("X-Frame-Options = %q, want %q", v, "DENY")
	}
}

func TestSecurityHeaders_PassthroughKeepsOriginHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders("/proxy", "/asset"))
	e.GET("/asset", func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/javascript", []byte("1"))
	})

	req := httptest.NewRequest(http.MethodGet, "/asset?url=https%3A%2F%2Fexample.com%2Fa.js", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Frame-Options"); v != "" {
		t.Errorf("X-Frame-Options = %q, want none on proxied content", v)
	}
	if v := rec.Header().Get("X-Content-Type-Options"); v != "" {
		t.Errorf("X-Content-Type-Options = %q, want none on proxied content", v)
	}
}

func TestSecurityHeaders_StripsHopByHop(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())

	var got http.Header
	e.GET("/test", func(c echo.Context) error {
		got = c.Request().Header.Clone()
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Connection", "keep-alive, X-Hop")
	req.Header.Set("X-Hop", "1")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Cookie", "sid=1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	for _, h := range []string{"Connection", "X-Hop", "Proxy-Authorization"} {
		if v := got.Get(h); v != "" {
			t.Errorf("%s should be stripped, got %q", h, v)
		}
	}
	if got.Get("Cookie") != "sid=1" {
		t.Errorf("Cookie = %q, want it kept", got.Get("Cookie"))
	}
}
