// Package key extracts rate-limiting keys from requests of any shape. The
// Extractor interface is parameterized over the request type so it never
// needs to know about any particular HTTP framework's request struct —
// only the small accessor interfaces (HasIP, HasPath, ...) a request type
// chooses to implement.
package key

import (
	"net"
	"strings"
)

// Extractor derives a rate-limiting key from a request of type R. Extract
// returns ok=false when the key cannot be derived (e.g. a missing header);
// what happens to such a request is up to the caller (manager.Manager
// files it under the base key "unknown").
type Extractor[R any] interface {
	Extract(r R) (string, bool)
	Name() string
}

// HasIP is implemented by requests that expose a client IP.
type HasIP interface {
	ClientIP() string
}

// HasPath is implemented by requests that expose a request path.
type HasPath interface {
	RequestPath() string
}

// HasMethod is implemented by requests that expose an HTTP method.
type HasMethod interface {
	RequestMethod() string
}

// HasHeader is implemented by requests that expose header lookup.
type HasHeader interface {
	HeaderValue(name string) string
}

// Global always returns the same key, collapsing every request into one
// shared bucket.
type Global[R any] struct{}

func (Global[R]) Extract(R) (string, bool) { return "global", true }
func (Global[R]) Name() string             { return "global" }

// Static always returns the configured value, ignoring the request.
type Static[R any] struct{ Value string }

func (s Static[R]) Extract(R) (string, bool) { return s.Value, true }
func (Static[R]) Name() string               { return "static" }

// Func adapts a plain function into an Extractor.
type Func[R any] struct {
	Name_ string
	Fn    func(R) (string, bool)
}

func (f Func[R]) Extract(r R) (string, bool) { return f.Fn(r) }
func (f Func[R]) Name() string               { return f.Name_ }

// IP extracts the client's IP address via the standard three-tier
// reverse-proxy fallback: the leftmost non-private address in the
// forwarded-for header, then the real-IP header, then the peer socket
// address. A forwarded-for entry that names a private/loopback/link-local
// address (set by an internal hop, not the original client) is skipped
// rather than trusted.
type IP[R HasIP] struct {
	// ForwardedForHeader overrides the first-tier header name. Defaults to
	// "x-forwarded-for". Its value may be a comma-separated address list.
	ForwardedForHeader string
	// RealIPHeader overrides the second-tier header name. Defaults to
	// "x-real-ip".
	RealIPHeader string
}

func (k IP[R]) Extract(r R) (string, bool) {
	if h, ok := any(r).(HasHeader); ok {
		forwardedFor := k.ForwardedForHeader
		if forwardedFor == "" {
			forwardedFor = "x-forwarded-for"
		}
		if v := h.HeaderValue(forwardedFor); v != "" {
			for _, candidate := range strings.Split(v, ",") {
				addr := strings.TrimSpace(candidate)
				if addr != "" && !isPrivateAddr(addr) {
					return "ip:" + addr, true
				}
			}
		}

		realIP := k.RealIPHeader
		if realIP == "" {
			realIP = "x-real-ip"
		}
		if addr := strings.TrimSpace(h.HeaderValue(realIP)); addr != "" {
			return "ip:" + addr, true
		}
	}
	if ip := r.ClientIP(); ip != "" {
		return "ip:" + ip, true
	}
	return "", false
}

func (IP[R]) Name() string { return "ip" }

// isPrivateAddr reports whether addr (optionally host:port) names a
// private, loopback, link-local, or unspecified address — the classes a
// forwarded-for entry set by an internal proxy hop would use, as opposed to
// a genuine public client address.
func isPrivateAddr(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// Path extracts the full request path.
type Path[R HasPath] struct{}

func (Path[R]) Extract(r R) (string, bool) { return "path:" + r.RequestPath(), true }
func (Path[R]) Name() string               { return "path" }

// PathPrefix extracts the first N non-empty path segments.
type PathPrefix[R HasPath] struct{ Segments int }

func (k PathPrefix[R]) Extract(r R) (string, bool) {
	parts := strings.Split(r.RequestPath(), "/")
	kept := make([]string, 0, k.Segments)
	for _, p := range parts {
		if p == "" {
			continue
		}
		if len(kept) >= k.Segments {
			break
		}
		kept = append(kept, p)
	}
	return "path:/" + strings.Join(kept, "/"), true
}

func (PathPrefix[R]) Name() string { return "path_prefix" }

// Method extracts the HTTP method.
type Method[R HasMethod] struct{}

func (Method[R]) Extract(r R) (string, bool) { return "method:" + r.RequestMethod(), true }
func (Method[R]) Name() string               { return "method" }

// Header extracts a named header's value.
type Header[R HasHeader] struct{ HeaderName string }

func (k Header[R]) Extract(r R) (string, bool) {
	v := r.HeaderValue(k.HeaderName)
	if v == "" {
		return "", false
	}
	return "header:" + k.HeaderName + ":" + v, true
}

func (Header[R]) Name() string { return "header" }

// Route extracts a constant route pattern (e.g. "/users/:id"), shared by
// every request matched to that route regardless of actual path.
type Route[R any] struct{ Pattern string }

func (k Route[R]) Extract(R) (string, bool) { return "route:" + k.Pattern, true }
func (Route[R]) Name() string               { return "route" }

// Composite joins two extractors with a separator, failing if either fails.
type Composite[R any] struct {
	First, Second Extractor[R]
	Separator     string
}

func (c Composite[R]) Extract(r R) (string, bool) {
	sep := c.Separator
	if sep == "" {
		sep = ":"
	}
	k1, ok := c.First.Extract(r)
	if !ok {
		return "", false
	}
	k2, ok := c.Second.Extract(r)
	if !ok {
		return "", false
	}
	return k1 + sep + k2, true
}

func (Composite[R]) Name() string { return "composite" }

// Either tries Primary first, falling back to Secondary if Primary fails.
type Either[R any] struct {
	Primary, Secondary Extractor[R]
}

func (e Either[R]) Extract(r R) (string, bool) {
	if k, ok := e.Primary.Extract(r); ok {
		return k, true
	}
	return e.Secondary.Extract(r)
}

func (Either[R]) Name() string { return "either" }

// Optional wraps an extractor so it always succeeds, substituting Default
// when the inner extractor fails.
type Optional[R any] struct {
	Inner   Extractor[R]
	Default string
}

func (o Optional[R]) Extract(r R) (string, bool) {
	if k, ok := o.Inner.Extract(r); ok {
		return k, true
	}
	return o.Default, true
}

func (Optional[R]) Name() string { return "optional" }
