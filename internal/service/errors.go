package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/sony/gobreaker"
)

// Kind classifies an upstream failure.
type Kind int

const (
	// KindUnavailable covers connect failures and timeouts.
	KindUnavailable Kind = iota
	// KindProtocol covers any other transport-level failure.
	KindProtocol
)

// String returns the metric label for k.
func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// errInvalidHealthBody is the cause when an upstream /health reply is not JSON.
var errInvalidHealthBody = errors.New("health response is not valid JSON")

// UpstreamError reports that an upstream could not be reached or spoke
// invalid HTTP. It always maps to 502.
type UpstreamError struct {
	Service string
	Kind    Kind
	Cause   error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Kind == KindUnavailable {
		return fmt.Sprintf("Upstream '%s' is unavailable: %s", e.Service, causeText(e.Cause))
	}
	return fmt.Sprintf("Upstream '%s' error: %s", e.Service, causeText(e.Cause))
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// classify wraps a transport error from service into an UpstreamError.
func classify(service string, err error) *UpstreamError {
	return &UpstreamError{Service: service, Kind: kindOf(err), Cause: err}
}

func kindOf(err error) Kind {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return KindUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUnavailable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindUnavailable
	}

	return KindProtocol
}

// causeText drops the method and URL prefix of *url.Error so the message
// carries only the transport cause.
func causeText(err error) string {
	if err == nil {
		return "unknown error"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err.Error()
	}
	return err.Error()
}
