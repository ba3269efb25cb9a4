// Package service implements origin fetching for the proxy endpoints.
package service

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"pageproxy/internal/client"
	"pageproxy/internal/config"
	"pageproxy/internal/metrics"
	"pageproxy/internal/model"
	"pageproxy/internal/normalize"
)

const (
	pageAccept      = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	assetAccept     = "image/avif,image/webp,*/*"
	defaultLanguage = "en-US,en;q=0.5"
)

// errDeadline is the cancel cause set when the fetch deadline fires.
var errDeadline = errors.New("origin deadline exceeded")

// toolAgents identify non-browser clients whose User-Agent is replaced.
var toolAgents = []string{"go-http-client", "curl/", "wget/", "python-requests", "okhttp"}

// Fetcher retrieves target URLs on behalf of proxy clients.
type Fetcher struct {
	client  *client.OriginClient
	logger  *slog.Logger
	metrics *metrics.Metrics

	userAgent string
	timeout   time.Duration
}

// NewFetcher creates a Fetcher. The metrics parameter is optional; when set,
// failures to obtain a response are counted by class.
func NewFetcher(c *client.OriginClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	ua := cfg.Upstream.UserAgent
	if ua == "" {
		ua = config.DefaultUserAgent
	}
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client:    c,
		logger:    logger.With("component", "fetcher"),
		metrics:   m,
		userAgent: ua,
		timeout:   timeout,
	}
}

// ParseTarget validates the url query parameter of a proxy request.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	invalid := &model.Error{Class: model.ClassInvalidTarget, Target: raw, Err: model.ErrInvalidTarget}
	if raw == "" {
		return nil, invalid
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, invalid
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" || u.Hostname() == "" {
		return nil, invalid
	}
	u.Scheme = scheme
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// Fetch performs the origin request described by pr.
//
// The returned response owns a deadline that covers headers and body. Streaming
// callers release it with StopDeadline once headers are committed. Body read
// failures surface as *model.Error so callers can tell them from decoder errors.
func (f *Fetcher) Fetch(pr *model.ProxyRequest) (*model.OriginResponse, error) {
	target, err := ParseTarget(pr.Target)
	if err != nil {
		f.recordFailure(pr.Mode, model.ClassInvalidTarget)
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(pr.Ctx)
	timer := time.AfterFunc(f.timeout, func() { cancel(errDeadline) })

	var body io.Reader
	var size int64
	if pr.Body != nil && pr.Method != http.MethodGet && pr.Method != http.MethodHead {
		body = pr.Body
		size = pr.ContentLength
	}

	f.logger.Debug("fetching origin",
		"mode", pr.Mode.String(),
		"method", pr.Method,
		"host", target.Host,
	)

	resp, err := f.client.DoStream(ctx, pr.Method, target.String(), f.buildHeader(pr, target), body, size)
	if err != nil {
		timer.Stop()
		ferr := f.classify(pr.Ctx, ctx, target.String(), err)
		cancel(nil)
		f.recordFailure(pr.Mode, ferr.Class)
		f.logger.Debug("origin fetch failed",
			"mode", pr.Mode.String(),
			"host", target.Host,
			"class", string(ferr.Class),
			"error", err,
		)
		return nil, ferr
	}

	resp.Encodings = normalize.ParseEncoding(resp.Header)
	resp.Body = &originBody{
		rc:     resp.Body,
		parent: pr.Ctx,
		ctx:    ctx,
		cancel: cancel,
		timer:  timer,
		target: target.String(),
	}
	resp.StopDeadline = timer.Stop
	return resp, nil
}

// buildHeader composes the browser-like request headers sent to the origin.
func (f *Fetcher) buildHeader(pr *model.ProxyRequest, target *url.URL) http.Header {
	in := pr.Header
	if in == nil {
		in = http.Header{}
	}
	h := make(http.Header)

	h.Set("User-Agent", f.chooseUserAgent(in.Get("User-Agent")))

	accept := in.Get("Accept")
	if accept == "" {
		accept = pageAccept
		if pr.Mode == model.ModeAsset {
			accept = assetAccept
		}
	}
	h.Set("Accept", accept)

	lang := in.Get("Accept-Language")
	if lang == "" {
		lang = defaultLanguage
	}
	h.Set("Accept-Language", lang)

	origin := target.Scheme + "://" + target.Host
	h.Set("Referer", origin+"/")
	h.Set("Origin", origin)

	for _, v := range in.Values("Cookie") {
		h.Add("Cookie", v)
	}
	if pr.Method != http.MethodGet && pr.Method != http.MethodHead {
		if ct := in.Get("Content-Type"); ct != "" {
			h.Set("Content-Type", ct)
		}
	}

	cc := in.Get("Cache-Control")
	if cc == "" {
		cc = "no-cache"
	}
	h.Set("Cache-Control", cc)
	pragma := in.Get("Pragma")
	if pragma == "" {
		pragma = "no-cache"
	}
	h.Set("Pragma", pragma)

	h.Set("Accept-Encoding", normalize.AcceptEncoding)
	return h
}

func (f *Fetcher) chooseUserAgent(client string) string {
	if client == "" {
		return f.userAgent
	}
	lower := strings.ToLower(client)
	for _, tool := range toolAgents {
		if strings.HasPrefix(lower, tool) {
			return f.userAgent
		}
	}
	return client
}

// classify maps a transport failure to a failure class. parent is the client
// request context; ctx is the fetch context derived from it.
func (f *Fetcher) classify(parent, ctx context.Context, target string, err error) *model.Error {
	class := model.ClassProtocol
	switch {
	case context.Cause(ctx) == errDeadline:
		class = model.ClassTimeout
	case parent.Err() != nil:
		class = model.ClassCanceled
	case errors.Is(err, model.ErrTooManyRedirects):
		class = model.ClassProtocol
	case isUnreachable(err):
		class = model.ClassUnreachable
	case isTimeout(err):
		class = model.ClassTimeout
	}
	return &model.Error{Class: class, Target: target, Err: err}
}

func (f *Fetcher) recordFailure(mode model.Mode, class model.Class) {
	if f.metrics == nil {
		return
	}
	f.metrics.UpstreamFailures.WithLabelValues(mode.String(), string(class)).Inc()
}

func isUnreachable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	var (
		verifyErr    *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// originBody classifies read failures and releases the fetch context on Close.
type originBody struct {
	rc     io.ReadCloser
	parent context.Context
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
	target string
}

func (b *originBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}

	class := model.ClassProtocol
	switch {
	case context.Cause(b.ctx) == errDeadline:
		class = model.ClassTimeout
	case b.parent.Err() != nil:
		class = model.ClassCanceled
	}
	return n, &model.Error{Class: class, Target: b.target, Err: fmt.Errorf("read origin body: %w", err)}
}

func (b *originBody) Close() error {
	b.timer.Stop()
	err := b.rc.Close()
	b.cancel(nil)
	return err
}
