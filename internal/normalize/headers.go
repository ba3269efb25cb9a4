package normalize

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are connection-scoped and never forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// FilterHeaders returns a copy of the origin headers that is safe to relay.
// Content-Length is always dropped because decoding or rewriting changes the
// body size; Content-Encoding is dropped when decoded is true. Repeated values
// such as Set-Cookie are kept one by one, never merged.
func FilterHeaders(src http.Header, decoded bool) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}

	for _, v := range src.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				dst.Del(token)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	dst.Del("Content-Length")
	if decoded {
		dst.Del("Content-Encoding")
	}
	return dst
}
