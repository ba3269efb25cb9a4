// Package client provides the outbound HTTP client used to reach origins.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"pageproxy/internal/config"
	"pageproxy/internal/metrics"
	"pageproxy/internal/model"
)

// OriginClient sends requests to third-party origins and follows redirects.
type OriginClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOriginClient creates an OriginClient with connection pooling and a redirect hop limit.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// No client-wide timeout is set: deadlines are carried by the request context so
// that a streamed body is not cut off once the caller releases the fetch deadline.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	maxRedirects := cfg.Upstream.MaxRedirects

	return &OriginClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("%w: stopped after %d hops", model.ErrTooManyRedirects, maxRedirects)
				}
				// Each hop must look like it came from its own origin.
				origin := originOf(req.URL.Scheme, req.URL.Host)
				req.Header.Set("Referer", origin+"/")
				req.Header.Set("Origin", origin)
				return nil
			},
		},
		logger:  logger.With("component", "origin_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the origin and returns the raw response.
// The caller is responsible for closing the response body.
func (c *OriginClient) Do(req *http.Request) (*model.OriginResponse, error) {
	c.logger.Debug("origin request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via OriginResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("origin request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.OriginResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		FinalURL:   resp.Request.URL,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned body.
// The provided context controls the lifetime of the origin request:
// when the context is canceled (client disconnect or deadline), the origin
// request and any partially read body are torn down.
// A positive size is sent as Content-Length; otherwise the length is derived
// from body where possible and the request is chunked when it is not.
func (c *OriginClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, size int64) (*model.OriginResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	req.Header = header
	if body != nil && size > 0 {
		req.ContentLength = size
	}

	return c.Do(req)
}

func originOf(scheme, host string) string {
	return scheme + "://" + host
}
