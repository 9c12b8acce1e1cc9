// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"mcps-gateway/internal/client"
	"mcps-gateway/internal/config"
	"mcps-gateway/internal/headers"
	"mcps-gateway/internal/metrics"
	"mcps-gateway/internal/model"
	"mcps-gateway/internal/routing"
)

// maxHealthBody caps how much of an upstream /health reply is read.
const maxHealthBody = 1 << 20

// ProxyService forwards requests to upstreams and checks their health.
type ProxyService struct {
	client   *client.UpstreamClient
	breakers *breakers
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, table *routing.Table, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	logger = logger.With("component", "proxy_service")
	return &ProxyService{
		client:   c,
		breakers: newBreakers(cfg.Client.CircuitBreaker, table.Names(), logger, m),
		logger:   logger,
		metrics:  m,
	}
}

// Forward sends a ProxyRequest to its resolved upstream and returns the
// response with filtered headers. The body is streamed in both directions.
// The caller is responsible for closing the response body.
//
// Transport failures come back as *UpstreamError. If the caller's context
// ended first, the context error is returned instead.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	route := pr.Route
	target := buildUpstreamURL(route, pr.Path, pr.RawQuery)
	header := headers.FilterRequest(pr.Header, headers.Forwarding{
		Proto: pr.Scheme,
		Host:  pr.Host,
		For:   clientIP(pr.RemoteAddr),
	})

	s.logger.Debug("forwarding request",
		"service", route.Service,
		"method", pr.Method,
		"target", target,
	)

	resp, err := s.breakers.execute(route.Service, func() (*model.ProxyResponse, error) {
		return s.client.DoStream(pr.Ctx, route.Service, pr.Method, target, header, pr.Body, pr.ContentLength)
	})
	if err != nil {
		return nil, s.fail(pr.Ctx, route.Service, err)
	}

	resp.Header = headers.FilterResponse(resp.Header)
	return resp, nil
}

// CheckHealth performs a non-streaming GET of the upstream's /health and
// returns its status code and JSON body verbatim.
func (s *ProxyService) CheckHealth(ctx context.Context, route routing.Route) (*model.HealthResponse, error) {
	u := *route.BaseURL
	u.Path, u.RawPath, u.RawQuery, u.Fragment = "/health", "", "", ""

	resp, err := s.breakers.execute(route.Service, func() (*model.ProxyResponse, error) {
		return s.client.DoStream(ctx, route.Service, http.MethodGet, u.String(),
			http.Header{"Accept": {"application/json"}}, nil, 0)
	})
	if err != nil {
		return nil, s.fail(ctx, route.Service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody+1))
	if err != nil {
		return nil, s.fail(ctx, route.Service, fmt.Errorf("read health response: %w", err))
	}
	if len(body) > maxHealthBody {
		return nil, s.fail(ctx, route.Service, fmt.Errorf("health response exceeds %d bytes", maxHealthBody))
	}
	if !json.Valid(body) {
		return nil, s.fail(ctx, route.Service, errInvalidHealthBody)
	}

	return &model.HealthResponse{StatusCode: resp.StatusCode, Body: body}, nil
}

// fail converts err into the error returned to the HTTP front and records it.
func (s *ProxyService) fail(ctx context.Context, service string, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return fmt.Errorf("forward to %s: %w", service, err)
	}

	ue := classify(service, err)
	if s.metrics != nil {
		s.metrics.UpstreamFailures.WithLabelValues(s.metrics.Service(service), ue.Kind.String()).Inc()
	}
	return ue
}

// buildUpstreamURL replaces the base URL's path with the upstream path for
// route and attaches the inbound query string unmodified.
func buildUpstreamURL(route routing.Route, path, rawQuery string) string {
	u := *route.BaseURL

	p := routing.BuildUpstreamPath(route.Service, path, route.StripPrefix)
	if unescaped, err := url.PathUnescape(p); err == nil {
		u.Path, u.RawPath = unescaped, p
	} else {
		u.Path, u.RawPath = p, ""
	}
	u.RawQuery = rawQuery
	u.Fragment = ""

	return u.String()
}

// clientIP strips the port from a host:port caller address.
func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
