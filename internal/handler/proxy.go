package handler

import (
	"bufio"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/labstack/echo/v4"

	"pageproxy/internal/config"
	"pageproxy/internal/metrics"
	"pageproxy/internal/model"
	"pageproxy/internal/normalize"
	"pageproxy/internal/rewrite"
	"pageproxy/internal/service"
)

// streamBufferSize bounds the bytes held per streamed response.
const streamBufferSize = 32 << 10

// framingHeaders are the anti-framing measures removed from rewritten pages.
var framingHeaders = []string{
	"X-Frame-Options",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
}

// ProxyHandler serves the page, asset and relay routes.
type ProxyHandler struct {
	fetcher *service.Fetcher
	engine  rewrite.Engine
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	routes  rewrite.Routes
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(f *service.Fetcher, engine rewrite.Engine, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		fetcher: f,
		engine:  engine,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
		routes: rewrite.Routes{
			Page:        cfg.Proxy.PageRoute,
			Asset:       cfg.Proxy.AssetRoute,
			Relay:       cfg.Proxy.RelayRoute,
			Interceptor: cfg.Proxy.InterceptorRoute,
		},
	}
}

// Page fetches a document and rewrites it when it is HTML.
func (h *ProxyHandler) Page(c echo.Context) error { return h.serve(c, model.ModePage) }

// Asset streams a sub-resource.
func (h *ProxyHandler) Asset(c echo.Context) error { return h.serve(c, model.ModeAsset) }

// Relay forwards any method and streams the response.
func (h *ProxyHandler) Relay(c echo.Context) error { return h.serve(c, model.ModeRelay) }

func (h *ProxyHandler) serve(c echo.Context, mode model.Mode) error {
	req := c.Request()
	target := c.QueryParam("url")

	resp, err := h.fetcher.Fetch(&model.ProxyRequest{
		Ctx:    req.Context(),
		Mode:   mode,
		Target: target,
		Method: req.Method,
		Header: req.Header,
		Body:   req.Body,

		ContentLength: req.ContentLength,
	})
	if err != nil {
		return h.fail(c, mode, target, err, false)
	}

	body, decoded := normalize.Decode(resp.Body, resp.Encodings)
	defer func() { _ = body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		h.logger.Debug("origin returned error status",
			"mode", mode.String(),
			"target", target,
			"status", resp.StatusCode,
			"class", string(model.ClassHTTPError),
		)
	}

	br := bufio.NewReaderSize(body, streamBufferSize)
	contentType := resp.Header.Get("Content-Type")

	// A first read is needed only to sniff a missing type or to surface a
	// broken coding while a status can still be chosen.
	if decoded && (contentType == "" || len(resp.Encodings) > 0) {
		head, err := peekFirst(br)
		if err != nil {
			return h.fail(c, mode, target, err, true)
		}
		if contentType == "" && len(head) > 0 {
			contentType = mimetype.Detect(head).String()
		}
	}

	if mode == model.ModePage && decoded && isHTML(contentType) {
		return h.deliverDocument(c, resp, br, contentType, target)
	}
	return h.stream(c, mode, resp, br, decoded, contentType, target)
}

// peekFirst waits for the first decoded bytes and returns whatever is buffered.
func peekFirst(br *bufio.Reader) ([]byte, error) {
	if _, err := br.Peek(1); err != nil && err != io.EOF {
		return nil, err
	}
	head, _ := br.Peek(br.Buffered())
	return head, nil
}

// deliverDocument buffers, rewrites and writes an HTML document in one piece.
func (h *ProxyHandler) deliverDocument(c echo.Context, resp *model.OriginResponse, r io.Reader, contentType, target string) error {
	limit := h.cfg.Proxy.MaxDocumentBytes
	doc, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return h.fail(c, model.ModePage, target, err, true)
	}
	if int64(len(doc)) > limit {
		return h.fail(c, model.ModePage, target, &model.Error{
			Class:  model.ClassTooLarge,
			Target: target,
			Err:    model.ErrPayloadTooLarge,
		}, true)
	}

	doc, enc, converted := rewrite.ToUTF8(doc, contentType)
	if converted {
		h.logger.Debug("converted document charset", "target", target, "charset", enc)
	}

	rc := rewrite.NewContext(resp.FinalURL, h.cfg.Proxy.PublicOrigin, h.routes)
	out, stats := h.engine.Rewrite(doc, rc)
	if h.metrics != nil {
		h.metrics.DocumentsRewritten.WithLabelValues(h.engine.Name()).Inc()
		h.metrics.ReferencesRewritten.WithLabelValues("page").Add(float64(stats.Page))
		h.metrics.ReferencesRewritten.WithLabelValues("asset").Add(float64(stats.Asset))
	}

	header := normalize.FilterHeaders(resp.Header, true)
	if !h.cfg.Rewrite.KeepFramingHeaders {
		for _, name := range framingHeaders {
			header.Del(name)
		}
	}
	// The body is UTF-8 now; the origin's charset parameter no longer applies.
	header.Del(echo.HeaderContentType)
	copyHeaders(c.Response().Header(), header)

	mediaType := "text/html"
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "" {
		mediaType = mt
	}
	c.Response().Header().Set(echo.HeaderContentType, mediaType+"; charset=utf-8")
	return c.Blob(resp.StatusCode, mediaType+"; charset=utf-8", out)
}

// stream relays headers and then copies the body through a bounded buffer.
// Once headers are out, a failure can only be signalled by aborting the connection.
func (h *ProxyHandler) stream(c echo.Context, mode model.Mode, resp *model.OriginResponse, r io.Reader, decoded bool, contentType, target string) error {
	header := normalize.FilterHeaders(resp.Header, decoded)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	copyHeaders(c.Response().Header(), header)

	resp.StopDeadline()
	c.Response().WriteHeader(resp.StatusCode)
	c.Response().Flush()

	buf := make([]byte, streamBufferSize)
	if _, err := io.CopyBuffer(flushWriter{c.Response()}, onlyReader{r}, buf); err != nil {
		class := model.ClassOf(err)
		h.logger.Warn("stream aborted",
			"mode", mode.String(),
			"target", target,
			"class", string(class),
			"err", err,
		)
		h.recordFailure(mode, class)
		panic(http.ErrAbortHandler)
	}
	return nil
}

// fail logs a failure once and writes the failure response. count is false
// when the fetcher has already recorded the failure in metrics.
func (h *ProxyHandler) fail(c echo.Context, mode model.Mode, target string, err error, count bool) error {
	class := model.ClassOf(err)
	h.logger.Warn("proxy request failed",
		"mode", mode.String(),
		"target", target,
		"class", string(class),
		"err", err,
	)
	if count {
		h.recordFailure(mode, class)
	}

	status := statusFor(mode, class)
	if mode != model.ModePage {
		return c.NoContent(status)
	}
	return renderDiagnostic(c, status, class, target)
}

func (h *ProxyHandler) recordFailure(mode model.Mode, class model.Class) {
	if h.metrics == nil {
		return
	}
	h.metrics.UpstreamFailures.WithLabelValues(mode.String(), string(class)).Inc()
}

// statusFor maps a failure class to the response status of a route family.
func statusFor(mode model.Mode, class model.Class) int {
	switch class {
	case model.ClassInvalidTarget:
		return http.StatusBadRequest
	case model.ClassTimeout:
		return http.StatusGatewayTimeout
	case model.ClassDecode:
		return http.StatusInternalServerError
	case model.ClassTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.ClassCanceled:
		return http.StatusBadGateway
	}
	if mode == model.ModePage {
		return http.StatusBadGateway
	}
	return http.StatusNotFound
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// copyHeaders adds every value of src to dst. CORS headers are owned by the
// proxy's own middleware and are not taken from the origin.
func copyHeaders(dst, src http.Header) {
	for key, vals := range src {
		if strings.HasPrefix(key, "Access-Control-") {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// flushWriter pushes every chunk to the client as soon as it is decoded.
type flushWriter struct {
	res *echo.Response
}

func (w flushWriter) Write(p []byte) (int, error) {
	n, err := w.res.Write(p)
	if err == nil {
		w.res.Flush()
	}
	return n, err
}

// onlyReader hides WriterTo so copies go through the caller's buffer.
type onlyReader struct {
	io.Reader
}
