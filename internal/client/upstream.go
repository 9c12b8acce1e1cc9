// Package client provides the shared, pooled HTTP client used to reach upstreams.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"mcps-gateway/internal/config"
	"mcps-gateway/internal/metrics"
	"mcps-gateway/internal/model"
)

// ErrPoolTimeout is returned when no upstream connection slot frees up within
// the configured pool timeout.
var ErrPoolTimeout = errors.New("timed out waiting for a free upstream connection")

// UpstreamClient sends requests to upstreams over a single shared transport.
// It is safe for concurrent use. At most max_connections requests hold a
// connection slot at once; a slot is released when the response body is closed.
type UpstreamClient struct {
	httpClient  *http.Client
	transport   *http.Transport
	slots       *semaphore.Weighted
	poolTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	cc := cfg.Client
	dialer := &net.Dialer{
		Timeout:   time.Duration(cc.ConnectTimeoutSeconds) * time.Second,
		KeepAlive: 30 * time.Second,
	}
	writeTimeout := time.Duration(cc.WriteTimeoutSeconds) * time.Second

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxConnsPerHost:     cc.MaxConnections,
		MaxIdleConns:        cc.MaxIdleConnections,
		MaxIdleConnsPerHost: cc.MaxIdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: time.Duration(cc.ConnectTimeoutSeconds) * time.Second,
		// Bodies are relayed as-is; the transport must not negotiate gzip
		// and decompress behind the caller's back.
		DisableCompression:    true,
		ResponseHeaderTimeout: time.Duration(cc.ReadTimeoutSeconds) * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil || writeTimeout <= 0 {
				return conn, err
			}
			return &writeDeadlineConn{Conn: conn, timeout: writeTimeout}, nil
		},
	}

	slots := cc.MaxConnections
	if slots <= 0 {
		slots = 1
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects belong to the caller.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		transport:   transport,
		slots:       semaphore.NewWeighted(int64(slots)),
		poolTimeout: time.Duration(cc.PoolTimeoutSeconds) * time.Second,
		logger:      logger.With("component", "upstream_client"),
		metrics:     m,
	}
}

// Do executes an HTTP request against the upstream named service and returns
// the raw response. The caller is responsible for closing the response body,
// which also releases the connection slot.
func (c *UpstreamClient) Do(req *http.Request, service string) (*model.ProxyResponse, error) {
	if err := c.acquire(req.Context()); err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}

	c.logger.Debug("upstream request",
		"service", service,
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		c.release()
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(c.metrics.Service(service), method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		label := c.metrics.Service(service)
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(label, method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(label, method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &slotBody{ReadCloser: resp.Body, release: c.release},
	}, nil
}

// DoStream builds and executes a request whose body is streamed from body.
// contentLength is forwarded as-is; -1 means unknown (chunked upstream).
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, service, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if body != nil && body != http.NoBody {
		req.ContentLength = contentLength
	}

	return c.Do(req, service)
}

// Close releases idle pooled connections. In-flight requests are unaffected.
func (c *UpstreamClient) Close() {
	c.transport.CloseIdleConnections()
}

func (c *UpstreamClient) acquire(ctx context.Context) error {
	actx := ctx
	if c.poolTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.poolTimeout)
		defer cancel()
	}
	if err := c.slots.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("upstream request: %w", ctx.Err())
		}
		return ErrPoolTimeout
	}
	if c.metrics != nil {
		c.metrics.PoolSlotsInUse.Inc()
	}
	return nil
}

func (c *UpstreamClient) release() {
	c.slots.Release(1)
	if c.metrics != nil {
		c.metrics.PoolSlotsInUse.Dec()
	}
}

// slotBody releases its connection slot exactly once, on the first Close.
type slotBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *slotBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

// writeDeadlineConn bounds every write to the upstream connection.
type writeDeadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *writeDeadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
