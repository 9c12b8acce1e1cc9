// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"

	"mcps-gateway/internal/routing"
)

// ProxyRequest represents an inbound request to be forwarded to an upstream.
// Body is the live inbound stream; it is never buffered.
type ProxyRequest struct {
	Ctx           context.Context
	Route         routing.Route
	Method        string
	Path          string // remaining path after the service segment, escaped form
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown

	Scheme     string // inbound scheme
	Host       string // inbound Host header value
	RemoteAddr string // caller address, host:port or bare host
}

// ProxyResponse represents the upstream response to be streamed back.
// The caller owns Body and must close it on every exit path.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// HealthResponse is a fully read upstream /health reply.
type HealthResponse struct {
	StatusCode int
	Body       []byte
}
