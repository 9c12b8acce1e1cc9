// Package routing maps service names to upstream base URLs and computes the
// upstream-relative path for each forwarded request.
package routing

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
)

// ErrUnknownService is returned when a service name has no configured upstream.
var ErrUnknownService = errors.New("unknown service")

// Table is an immutable name→upstream mapping. It is built once at startup
// and is safe for concurrent reads without locking.
type Table struct {
	upstreams map[string]*url.URL
	strip     map[string]struct{}
}

// NewTable builds a Table from name→URL pairs and the set of services whose
// name prefix is stripped before forwarding.
func NewTable(upstreams map[string]string, stripPrefixes []string) (*Table, error) {
	t := &Table{
		upstreams: make(map[string]*url.URL, len(upstreams)),
		strip:     make(map[string]struct{}, len(stripPrefixes)),
	}
	for name, raw := range upstreams {
		if name == "" || raw == "" {
			return nil, fmt.Errorf("routing: invalid upstream %q=%q: name and url are required", name, raw)
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("routing: parse upstream %q: %w", name, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("routing: upstream %q: url %q needs a scheme and host", name, raw)
		}
		t.upstreams[name] = u
	}
	for _, name := range stripPrefixes {
		t.strip[name] = struct{}{}
	}
	return t, nil
}

// Resolve returns a copy of the base URL for service. Lookup is exact and
// case-sensitive.
func (t *Table) Resolve(service string) (*url.URL, error) {
	u, ok := t.upstreams[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	cp := *u
	return &cp, nil
}

// Route is a resolved routing decision for one service.
type Route struct {
	Service     string
	BaseURL     *url.URL
	StripPrefix bool
}

// Route resolves service to its base URL and stripping policy.
func (t *Table) Route(service string) (Route, error) {
	u, err := t.Resolve(service)
	if err != nil {
		return Route{}, err
	}
	return Route{Service: service, BaseURL: u, StripPrefix: t.IsStripped(service)}, nil
}

// IsStripped reports whether service has prefix stripping enabled.
func (t *Table) IsStripped(service string) bool {
	_, ok := t.strip[service]
	return ok
}

// Names returns the configured service names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.upstreams))
	for name := range t.upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
