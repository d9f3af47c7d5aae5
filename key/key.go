// Package key extracts rate limit keys from incoming requests. A Key is a
// small composable strategy — by IP, by header, by path, or some
// combination — rather than the single hardcoded switch statement the
// teacher library used for the same purpose.
package key

import (
	"net"
	"net/netip"
	"strings"

	flexlimit "github.com/flexlimitio/flexlimit"
)

// Request is the minimal view of an inbound request a Key needs. Callers
// adapt their own request type (an *http.Request, a gRPC context, a queue
// message) to this interface rather than depending on net/http directly.
type Request interface {
	// Header returns the named header's value, or "" if absent.
	Header(name string) string

	// RemoteAddr returns the request's originating address, typically
	// "host:port".
	RemoteAddr() string

	// Path returns the request's route or path.
	Path() string
}

// Key extracts a rate limit key from a Request.
type Key interface {
	Extract(req Request) (string, error)
}

// Func adapts a plain function to the Key interface.
type Func func(req Request) (string, error)

// Extract implements Key.
func (f Func) Extract(req Request) (string, error) { return f(req) }

// Global returns the same key, "global", for every request — useful for a
// single service-wide limit with no per-client dimension.
func Global() Key {
	return Func(func(Request) (string, error) { return "global", nil })
}

// Static returns value for every request, regardless of its content. Unlike
// Global, the caller chooses the constant, e.g. to give a specific route
// its own fixed bucket.
func Static(value string) Key {
	return Func(func(Request) (string, error) { return value, nil })
}

// IP extracts the client's address, preferring the leftmost non-private
// address in X-Forwarded-For, then X-Real-IP, and falling back to
// Request.RemoteAddr (stripping the port, if present) when neither proxy
// header yields one. Trusting these headers assumes a reverse proxy strips
// or overwrites any value a client supplies directly; Header callers behind
// an untrusted edge should compose IP with a more conservative extractor
// instead.
func IP() Key {
	return Func(func(req Request) (string, error) {
		if host, ok := leftmostPublicAddr(req.Header("X-Forwarded-For")); ok {
			return "ip:" + host, nil
		}
		if host, ok := parseAddr(req.Header("X-Real-IP")); ok {
			return "ip:" + host, nil
		}

		addr := req.RemoteAddr()
		if addr == "" {
			return "", &flexlimit.KeyMissingError{Extractor: "ip"}
		}
		if host, _, err := net.SplitHostPort(addr); err == nil {
			return "ip:" + host, nil
		}
		return "ip:" + addr, nil
	})
}

// leftmostPublicAddr scans a comma-separated X-Forwarded-For value
// left-to-right and returns the first address that isn't private,
// loopback, unspecified, or link-local — the client address a trusted
// proxy chain would have appended first.
func leftmostPublicAddr(xff string) (string, bool) {
	if xff == "" {
		return "", false
	}
	for _, candidate := range strings.Split(xff, ",") {
		addr, ok := parseAddr(strings.TrimSpace(candidate))
		if !ok {
			continue
		}
		parsed, err := netip.ParseAddr(addr)
		if err != nil {
			continue
		}
		if parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsUnspecified() || parsed.IsLinkLocalUnicast() {
			continue
		}
		return addr, true
	}
	return "", false
}

// parseAddr strips an optional port from s and confirms what remains is a
// valid IP address.
func parseAddr(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	if _, err := netip.ParseAddr(s); err != nil {
		return "", false
	}
	return s, true
}

// Path extracts the request's path.
func Path() Key {
	return Func(func(req Request) (string, error) {
		p := req.Path()
		if p == "" {
			return "", &flexlimit.KeyMissingError{Extractor: "path"}
		}
		return "path:" + p, nil
	})
}

// HeaderOption configures a Header key.
type HeaderOption func(*headerKey)

type headerKey struct {
	name        string
	fallback    string
	hasFallback bool
}

// WithFallback supplies a value to use when the header is absent, instead
// of failing with flexlimit.ErrKeyMissing.
func WithFallback(value string) HeaderOption {
	return func(h *headerKey) {
		h.fallback = value
		h.hasFallback = true
	}
}

// Header extracts the named header's value as the key. By default a
// missing header is an error; use WithFallback to supply a default
// instead.
func Header(name string, opts ...HeaderOption) Key {
	h := &headerKey{name: name}
	for _, opt := range opts {
		opt(h)
	}
	return Func(func(req Request) (string, error) {
		v := req.Header(h.name)
		if v == "" {
			if h.hasFallback {
				return "header:" + h.fallback, nil
			}
			return "", &flexlimit.KeyMissingError{Extractor: "header:" + h.name}
		}
		return "header:" + v, nil
	})
}

// Composite joins the keys produced by each of keys with sep, failing if
// any one of them fails. Useful for per-user-per-endpoint limits built from
// two single-dimension extractors.
func Composite(sep string, keys ...Key) Key {
	return Func(func(req Request) (string, error) {
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			part, err := k.Extract(req)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		return strings.Join(parts, sep), nil
	})
}

// Either tries each key in order and returns the first one that succeeds,
// falling through on any error. If every key fails, Either
// returns the last error.
func Either(keys ...Key) Key {
	return Func(func(req Request) (string, error) {
		var lastErr error
		for _, k := range keys {
			v, err := k.Extract(req)
			if err == nil {
				return v, nil
			}
			lastErr = err
		}
		return "", lastErr
	})
}
