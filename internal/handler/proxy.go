package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"mcps-gateway/internal/model"
	"mcps-gateway/internal/routing"
	"mcps-gateway/internal/service"
)

// relayBufferSize is the largest chunk held in memory while relaying a body.
const relayBufferSize = 32 * 1024

var relayBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, relayBufferSize)
		return &b
	},
}

// ProxyHandler forwards requests to the upstream named by the first path segment.
type ProxyHandler struct {
	table   *routing.Table
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(table *routing.Table, svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		table:   table,
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to its upstream and streams the response back.
// Unknown services are rejected before any network call.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	name, rest := splitServicePath(req.URL.EscapedPath())
	route, err := h.table.Route(name)
	if err != nil {
		return writeError(c, h.logger, name, err)
	}

	// The upstream may answer before the request body is fully sent.
	_ = http.NewResponseController(c.Response()).EnableFullDuplex()

	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Route:         route,
		Method:        req.Method,
		Path:          rest,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Scheme:        scheme,
		Host:          req.Host,
		RemoteAddr:    req.RemoteAddr,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return writeError(c, h.logger, name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}
	if _, ok := resp.Header["Content-Type"]; !ok {
		// Suppress net/http content sniffing.
		header["Content-Type"] = nil
	}

	c.Response().WriteHeader(resp.StatusCode)
	// The caller sees the status line as soon as the upstream sends it,
	// not when the first body chunk arrives.
	_ = http.NewResponseController(c.Response()).Flush()

	// Once the status line is out, a failure can only truncate the body.
	if n, err := relay(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", err,
			"service", name,
			"path", req.URL.Path,
			"bytes_relayed", n,
		)
	}

	return nil
}

// relay copies body to w one chunk at a time, flushing after each chunk so
// upstream chunk boundaries reach the caller without extra buffering.
func relay(w *echo.Response, body io.Reader) (int64, error) {
	bp := relayBuffers.Get().(*[]byte)
	defer relayBuffers.Put(bp)
	buf := *bp

	rc := http.NewResponseController(w)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, fmt.Errorf("write to client: %w", werr)
			}
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read from upstream: %w", rerr)
		}
	}
}

// splitServicePath splits an escaped request path into the unescaped service
// name and the remaining path, still escaped and without its leading slash.
func splitServicePath(escapedPath string) (name, rest string) {
	seg, rest, _ := strings.Cut(strings.TrimPrefix(escapedPath, "/"), "/")
	if unescaped, err := url.PathUnescape(seg); err == nil {
		seg = unescaped
	}
	return seg, rest
}
