package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"pageproxy/internal/client"
	"pageproxy/internal/config"
	"pageproxy/internal/metrics"
	"pageproxy/internal/rewrite"
	"pageproxy/internal/service"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  5,
			IdleConnections: 10,
			MaxRedirects:    10,
		},
		Proxy: config.ProxyConfig{
			PageRoute:        "/proxy",
			AssetRoute:       "/asset",
			RelayRoute:       "/proxy-fetch",
			InterceptorRoute: "/proxy-helper.js",
			MaxDocumentBytes: 1 << 20,
		},
		Rewrite: config.RewriteConfig{
			Strategy:      rewrite.StrategyInPlace,
			SpoofLocation: []string{"origin"},
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// newTestEcho builds the full route table around cfg.
func newTestEcho(t *testing.T, cfg *config.Config) (*echo.Echo, *metrics.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	engine, err := rewrite.New(cfg.Rewrite.Strategy)
	if err != nil {
		t.Fatalf("rewrite.New: %v", err)
	}
	fetcher := service.NewFetcher(client.NewOriginClient(cfg, logger, m), cfg, logger, m)
	script, err := NewInterceptorHandler(cfg)
	if err != nil {
		t.Fatalf("NewInterceptorHandler: %v", err)
	}

	e := echo.New()
	e.Use(echomw.Recover())
	RegisterRoutes(e, cfg, NewProxyHandler(fetcher, engine, cfg, logger, m), NewHealthHandler(cfg, "test"), script, m)
	return e, m
}

func get(e *echo.Echo, route, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, route+"?url="+url.QueryEscape(target), http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPage_RedirectedDocument(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b/", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/b/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head></head><body><a href="c.html">c</a></body></html>`))
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()

	e, _ := newTestEcho(t, testConfig())
	rec := get(e, "/proxy", origin.URL+"/a")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	wantHref := `href="/proxy?url=` + url.QueryEscape(origin.URL+"/b/c.html") + `"`
	if !strings.Contains(rec.Body.String(), wantHref) {
		t.Errorf("body = %q, want it to contain %q", rec.Body.String(), wantHref)
	}
	if !strings.Contains(rec.Body.String(), `<head><script src="/proxy-helper.js"></script>`) {
		t.Errorf("interceptor not injected: %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func encodeWith(t *testing.T, coding string, p []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch coding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "br":
		w = brotli.NewWriter(&buf)
	case "zstd":
		enc, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatalf("zstd.NewWriter: %v", err)
		}
		w = enc
	default:
		t.Fatalf("unknown coding %q", coding)
	}
	if _, err := w.Write(p); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes()
}

func TestAsset_DecodesContentCodings(t *testing.T) {
	plain := bytes.Repeat([]byte("body { color: red; }\n"), 500)

	for _, coding := range []string{"gzip", "deflate", "br", "zstd"} {
		t.Run(coding, func(t *testing.T) {
			encoded := encodeWith(t, coding, plain)
			origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/css")
				w.Header().Set("Content-Encoding", coding)
				_, _ = w.Write(encoded)
			}))
			defer origin.Close()

			e, _ := newTestEcho(t, testConfig())
			rec := get(e, "/asset", origin.URL+"/site.css")

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if !bytes.Equal(rec.Body.Bytes(), plain) {
				t.Errorf("body length = %d, want %d decoded bytes", rec.Body.Len(), len(plain))
			}
			if ce := rec.Header().Get("Content-Encoding"); ce != "" {
				t.Errorf("Content-Encoding = %q, want none", ce)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "text/css" {
				t.Errorf("Content-Type = %q, want text/css", ct)
			}
		})
	}
}

func TestPage_GzipDocumentIsRewritten(t *testing.T) {
	doc := []byte(`<html><head></head><body><img src="/logo.png"></body></html>`)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(encodeWith(t, "gzip", doc))
	}))
	defer origin.Close()

	e, m := newTestEcho(t, testConfig())
	rec := get(e, "/proxy", origin.URL+"/")

	want := `<img src="/asset?url=` + url.QueryEscape(origin.URL+"/logo.png") + `">`
	if !strings.Contains(rec.Body.String(), want) {
		t.Errorf("body = %q, want it to contain %q", rec.Body.String(), want)
	}
	if ce := rec.Header().Get("Content-Encoding"); ce != "" {
		t.Errorf("Content-Encoding = %q, want none", ce)
	}

	families, _ := m.Registry.Gather()
	found := false
	for _, f := range families {
		if f.GetName() == "pageproxy_documents_rewritten_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected pageproxy_documents_rewritten_total to be recorded")
	}
}

func TestPage_SetCookieValuesKept(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "a=1; Path=/")
		w.Header().Add("Set-Cookie", "b=2; HttpOnly")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<p>hi</p>`))
	}))
	defer origin.Close()

	e, _ := newTestEcho(t, testConfig())
	rec := get(e, "/proxy", origin.URL)

	got := rec.Header().Values("Set-Cookie")
	if len(got) != 2 || got[0] != "a=1; Path=/" || got[1] != "b=2; HttpOnly" {
		t.Errorf("Set-Cookie = %q, want both values unmodified", got)
	}
}

func TestPage_DocumentLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.MaxDocumentBytes = 64

	tests := []struct {
		name       string
		size       int
		wantStatus int
	}{
		{"at limit", 64, http.StatusOK},
		{"one byte over", 65, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := "<p>" + strings.Repeat("x", tt.size-3)
			origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte(body))
			}))
			defer origin.Close()

			e, _ := newTestEcho(t, cfg)
			rec := get(e, "/proxy", origin.URL)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusRequestEntityTooLarge && !strings.Contains(rec.Body.String(), "PayloadTooLarge") {
				t.Errorf("diagnostic body does not name the failure class: %q", rec.Body.String())
			}
		})
	}
}

func slowOrigin() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
}

func TestAsset_Timeout(t *testing.T) {
	origin := slowOrigin()
	defer origin.Close()

	cfg := testConfig()
	cfg.Upstream.TimeoutSeconds = 1
	e, _ := newTestEcho(t, cfg)
	rec := get(e, "/asset", origin.URL+"/slow.png")

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestPage_Timeout(t *testing.T) {
	origin := slowOrigin()
	defer origin.Close()

	cfg := testConfig()
	cfg.Upstream.TimeoutSeconds = 1
	e, _ := newTestEcho(t, cfg)
	rec := get(e, "/proxy", origin.URL)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	if !strings.Contains(rec.Body.String(), "UpstreamTimeout") {
		t.Errorf("body = %q, want failure class", rec.Body.String())
	}
}

func TestInvalidTarget(t *testing.T) {
	e, _ := newTestEcho(t, testConfig())

	tests := []struct {
		name     string
		route    string
		target   string
		wantBody bool
	}{
		{"page missing url", "/proxy", "", true},
		{"page relative url", "/proxy", "/relative", true},
		{"asset ftp url", "/asset", "ftp://example.com/x", false},
		{"relay missing url", "/proxy-fetch", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(e, tt.route, tt.target)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if got := rec.Body.Len() > 0; got != tt.wantBody {
				t.Errorf("has body = %v, want %v", got, tt.wantBody)
			}
			if tt.wantBody && !strings.Contains(rec.Body.String(), "InvalidTarget") {
				t.Errorf("body = %q, want failure class", rec.Body.String())
			}
		})
	}
}

func TestUnreachableOrigin(t *testing.T) {
	e, _ := newTestEcho(t, testConfig())

	if rec := get(e, "/asset", "http://127.0.0.1:1/x.png"); rec.Code != http.StatusNotFound {
		t.Errorf("asset status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	rec := get(e, "/proxy", "http://127.0.0.1:1/")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("page status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if !strings.Contains(rec.Body.String(), "UpstreamUnreachable") {
		t.Errorf("body = %q, want failure class", rec.Body.String())
	}
}

func TestAsset_DecodeError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("this is not gzip"))
	}))
	defer origin.Close()

	e, _ := newTestEcho(t, testConfig())
	rec := get(e, "/asset", origin.URL)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestAsset_OriginStatusRelayed(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))
	defer origin.Close()

	e, _ := newTestEcho(t, testConfig())
	rec := get(e, "/asset", origin.URL)
	if rec.Code != http.StatusNotFound || rec.Body.String() != "missing" {
		t.Errorf("got %d %q, want 404 %q", rec.Code, rec.Body.String(), "missing")
	}
}

func TestAsset_SniffsMissingContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write(png)
	}))
	defer origin.Close()

	e, _ := newTestEcho(t, testConfig())
	rec := get(e, "/asset", origin.URL)
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), png) {
		t.Error("body was modified")
	}
}

func TestRelay_ForwardsPost(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"method":%q,"body":%q,"length":%d,"chunked":%t}`,
			r.Method, body, r.ContentLength, len(r.TransferEncoding) > 0)
	}))
	defer origin.Close()

	e, _ := newTestEcho(t, testConfig())
	req := httptest.NewRequest(http.MethodPost, "/proxy-fetch?url="+url.QueryEscape(origin.URL+"/api"), strings.NewReader("a=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if want := `{"method":"POST","body":"a=1","length":3,"chunked":false}`; rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestPage_FramingHeaders(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "private")
		_, _ = w.Write([]byte(`<p>x</p>`))
	}))
	defer origin.Close()

	t.Run("stripped by default", func(t *testing.T) {
		e, _ := newTestEcho(t, testConfig())
		rec := get(e, "/proxy", origin.URL)
		if rec.Header().Get("X-Frame-Options") != "" || rec.Header().Get("Content-Security-Policy") != "" {
			t.Errorf("framing headers kept: %v", rec.Header())
		}
		if rec.Header().Get("Cache-Control") != "private" {
			t.Errorf("Cache-Control = %q, want origin value", rec.Header().Get("Cache-Control"))
		}
	})

	t.Run("kept when configured", func(t *testing.T) {
		cfg := testConfig()
		cfg.Rewrite.KeepFramingHeaders = true
		e, _ := newTestEcho(t, cfg)
		rec := get(e, "/proxy", origin.URL)
		if rec.Header().Get("X-Frame-Options") != "DENY" {
			t.Errorf("X-Frame-Options = %q, want DENY", rec.Header().Get("X-Frame-Options"))
		}
	})
}

func TestPage_NonHTMLIsStreamed(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"href":"c.html"}`))
	}))
	defer origin.Close()

	e, _ := newTestEcho(t, testConfig())
	rec := get(e, "/proxy", origin.URL)
	if rec.Body.String() != `{"href":"c.html"}` {
		t.Errorf("body = %q, want unmodified JSON", rec.Body.String())
	}
}

func TestPage_ConvertsCharset(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{"latin1", "text/html; charset=iso-8859-1", "<p>caf\xe9</p>", "café"},
		{"windows-1252", "text/html; charset=windows-1252", "<p>\x93quoted\x94 caf\xe9</p>", "\u201cquoted\u201d café"},
		{"utf-8 kept", "text/html; charset=utf-8", "<p>café</p>", "café"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer origin.Close()

			e, _ := newTestEcho(t, testConfig())
			rec := get(e, "/proxy", origin.URL)
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body = %q, want UTF-8 text %q", rec.Body.String(), tt.want)
			}
			if got := rec.Header().Values("Content-Type"); len(got) != 1 || got[0] != "text/html; charset=utf-8" {
				t.Errorf("Content-Type = %q, want a single %q", got, "text/html; charset=utf-8")
			}
		})
	}
}

func TestRelay_StreamOutlivesDeadline(t *testing.T) {
	const events = 5
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for i := 0; i < events; i++ {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(300 * time.Millisecond):
			}
			_, _ = fmt.Fprintf(w, "data: ev-%d\n\n", i)
			w.(http.Flusher).Flush()
		}
	}))
	defer origin.Close()

	cfg := testConfig()
	cfg.Upstream.TimeoutSeconds = 1
	e, _ := newTestEcho(t, cfg)
	proxy := httptest.NewServer(e)
	defer proxy.Close()

	start := time.Now()
	resp, err := http.Get(proxy.URL + "/proxy-fetch?url=" + url.QueryEscape(origin.URL+"/events"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("headers arrived after %v, want before the fetch deadline", elapsed)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	for i := 0; i < events; i++ {
		if want := fmt.Sprintf("data: ev-%d\n\n", i); !strings.Contains(string(body), want) {
			t.Errorf("body = %q, missing %q", body, want)
		}
	}
}

func TestAsset_ClientDisconnectCancelsOrigin(t *testing.T) {
	started := make(chan struct{})
	originDone := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(originDone)
		w.Header().Set("Content-Type", "application/octet-stream")
		chunk := bytes.Repeat([]byte("a"), 1024)
		for i := 0; ; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			if i == 0 {
				close(started)
			}
			select {
			case <-r.Context().Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}))
	defer origin.Close()

	e, _ := newTestEcho(t, testConfig())
	proxy := httptest.NewServer(e)
	defer proxy.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxy.URL+"/asset?url="+url.QueryEscape(origin.URL+"/big.bin"), http.NoBody)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if _, err := io.ReadFull(resp.Body, make([]byte, 1024)); err != nil {
		t.Fatalf("reading first chunk: %v", err)
	}
	<-started

	cancel()
	_ = resp.Body.Close()

	select {
	case <-originDone:
	case <-time.After(2 * time.Second):
		t.Fatal("origin kept streaming after the client went away")
	}
}

func TestAsset_MidStreamFailureAbortsConnection(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", "1048576")
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64<<10))
		w.(http.Flusher).Flush()
	}))
	defer origin.Close()

	e, _ := newTestEcho(t, testConfig())
	proxy := httptest.NewServer(e)
	defer proxy.Close()

	resp, err := http.Get(proxy.URL + "/asset?url=" + url.QueryEscape(origin.URL))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want headers of the origin (200)", resp.StatusCode)
	}
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("ReadAll succeeded, want truncated stream error")
	}
}
