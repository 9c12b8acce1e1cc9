// Package headers sanitizes header sets crossing the gateway in either
// direction.
package headers

import (
	"net/http"
	"strings"
)

// hopByHop lists, in lower case, headers that only apply to a single
// connection hop and are never relayed. "trailers" is kept alongside the
// standard "trailer" spelling.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Forwarding describes the inbound hop, recorded in X-Forwarded-* headers.
type Forwarding struct {
	Proto string // inbound scheme, "http" or "https"
	Host  string // inbound Host header value
	For   string // caller address without port
}

// FilterRequest returns a fresh header set for the upstream request. It drops
// hop-by-hop headers, headers named in Connection, and Host, then sets
// X-Forwarded-Proto, X-Forwarded-Host and X-Forwarded-For unless the caller
// already sent them. src is not modified.
func FilterRequest(src http.Header, fwd Forwarding) http.Header {
	dst := filter(src, "host")

	setDefault(dst, "X-Forwarded-Proto", fwd.Proto)
	setDefault(dst, "X-Forwarded-Host", fwd.Host)
	setDefault(dst, "X-Forwarded-For", fwd.For)

	return dst
}

// FilterResponse returns a fresh header set for the caller-facing response.
// It drops hop-by-hop headers, headers named in Connection, and
// Content-Length, since the body is streamed. src is not modified.
func FilterResponse(src http.Header) http.Header {
	return filter(src, "content-length")
}

// IsHopByHop reports whether name is in the fixed hop-by-hop set, in any casing.
func IsHopByHop(name string) bool {
	return hopByHop[strings.ToLower(name)]
}

// filter copies src into a canonicalized header set, skipping hop-by-hop
// headers, Connection-listed headers and the extra names given in lower case.
func filter(src http.Header, extra ...string) http.Header {
	drop := connectionTokens(src)
	for _, name := range extra {
		drop[name] = true
	}

	dst := make(http.Header, len(src))
	for key, vals := range src {
		if IsHopByHop(key) || drop[strings.ToLower(key)] {
			continue
		}
		ck := http.CanonicalHeaderKey(key)
		dst[ck] = append(dst[ck], vals...)
	}
	return dst
}

// connectionTokens returns the lower-cased header names listed in any
// Connection header of h.
func connectionTokens(h http.Header) map[string]bool {
	tokens := make(map[string]bool)
	for key, vals := range h {
		if !strings.EqualFold(key, "Connection") {
			continue
		}
		for _, v := range vals {
			for _, tok := range strings.Split(v, ",") {
				if tok = strings.ToLower(strings.TrimSpace(tok)); tok != "" {
					tokens[tok] = true
				}
			}
		}
	}
	return tokens
}

// setDefault sets key unless it is already present. An empty value is still
// written so the upstream sees the hop was recorded.
func setDefault(h http.Header, key, value string) {
	if _, ok := h[key]; ok {
		return
	}
	h.Set(key, value)
}
