// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Mode selects how the endpoint treats an origin response.
type Mode int

const (
	// ModePage buffers, decodes and rewrites HTML documents.
	ModePage Mode = iota
	// ModeAsset streams decoded bytes without buffering the payload.
	ModeAsset
	// ModeRelay forwards any method and streams the response like ModeAsset.
	ModeRelay
)

func (m Mode) String() string {
	switch m {
	case ModePage:
		return "page"
	case ModeAsset:
		return "asset"
	case ModeRelay:
		return "relay"
	}
	return "unknown"
}

// Encoding is a single HTTP content-coding.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingGzip     Encoding = "gzip"
	EncodingDeflate  Encoding = "deflate"
	EncodingBrotli   Encoding = "br"
	EncodingZstd     Encoding = "zstd"
	EncodingUnknown  Encoding = "unknown"
)

// ProxyRequest represents a client request to be forwarded to an origin.
type ProxyRequest struct {
	Ctx    context.Context
	Mode   Mode
	Target string
	Method string
	Header http.Header
	Body   io.ReadCloser
	// ContentLength is the inbound body length, -1 when unknown.
	ContentLength int64
}

// OriginResponse represents the origin response to be relayed back.
// The owner must close Body on every exit path.
type OriginResponse struct {
	StatusCode int
	Header     http.Header
	// Encodings lists the declared content-codings in the order they were applied.
	Encodings []Encoding
	// FinalURL is the URL after redirects; relative references resolve against it.
	FinalURL *url.URL
	Body     io.ReadCloser

	// StopDeadline releases the fetch deadline so a long stream is not cut off
	// once headers are committed. It reports whether the deadline was still pending.
	StopDeadline func() bool
}
