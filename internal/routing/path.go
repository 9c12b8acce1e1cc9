package routing

import "strings"

// BuildUpstreamPath returns the absolute upstream path for a request to
// service with the given remaining path. Leading slashes of remaining are
// removed before re-prefixing; nothing else is normalized.
//
//	BuildUpstreamPath("svc", "", false)     == "/svc"
//	BuildUpstreamPath("svc", "/a/b", false) == "/svc/a/b"
//	BuildUpstreamPath("svc", "/a/b", true)  == "/a/b"
//	BuildUpstreamPath("svc", "", true)      == "/"
func BuildUpstreamPath(service, remaining string, strip bool) string {
	suffix := strings.TrimLeft(remaining, "/")
	if strip {
		return "/" + suffix
	}
	if suffix == "" {
		return "/" + service
	}
	return "/" + service + "/" + suffix
}
