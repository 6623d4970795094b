package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// KeyByIP keys requests by the host part of RemoteAddr, as "ip:<address>".
// This is the default. Use it for direct connections without a proxy.
func KeyByIP() KeyFunc {
	return func(r *http.Request) string {
		return "ip:" + remoteIP(r)
	}
}

// KeyByRealIP keys requests by the first X-Forwarded-For hop, then X-Real-IP,
// then RemoteAddr, as "ip:<address>". Use this behind a proxy or load balancer.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
// Without a proxy, clients can spoof X-Forwarded-For to bypass rate limits.
func KeyByRealIP() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return "ip:" + ip
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return "ip:" + realIP
		}
		return "ip:" + remoteIP(r)
	}
}

// KeyByHeader keys requests by a header value, as "header:<name>:<value>".
// Requests without the header get an empty key and go to the error handler.
func KeyByHeader(header string) KeyFunc {
	return func(r *http.Request) string {
		val := r.Header.Get(header)
		if val == "" {
			return ""
		}
		var b strings.Builder
		b.Grow(7 + len(header) + 1 + len(val))
		b.WriteString("header:")
		b.WriteString(header)
		b.WriteByte(':')
		b.WriteString(val)
		return b.String()
	}
}

// KeyByQueryParam keys requests by a query parameter, as "query:<param>:<value>".
// Requests without the parameter get an empty key and go to the error handler.
func KeyByQueryParam(param string) KeyFunc {
	return func(r *http.Request) string {
		val := r.URL.Query().Get(param)
		if val == "" {
			return ""
		}
		var b strings.Builder
		b.Grow(6 + len(param) + 1 + len(val))
		b.WriteString("query:")
		b.WriteString(param)
		b.WriteByte(':')
		b.WriteString(val)
		return b.String()
	}
}

// KeyByEndpoint keys requests by method and path, as "endpoint:<method>:<path>".
func KeyByEndpoint() KeyFunc {
	return func(r *http.Request) string {
		var b strings.Builder
		b.Grow(9 + len(r.Method) + 1 + len(r.URL.Path))
		b.WriteString("endpoint:")
		b.WriteString(r.Method)
		b.WriteByte(':')
		b.WriteString(r.URL.Path)
		return b.String()
	}
}

// KeyStatic counts every request against the same key.
func KeyStatic(key string) KeyFunc {
	return func(*http.Request) string {
		return key
	}
}

// KeyComposite joins the parts returned by fns with ":", e.g. IP plus
// endpoint for a per-client, per-route limit. If any part is empty the key
// is empty too.
func KeyComposite(fns ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		var b strings.Builder
		for i, fn := range fns {
			part := fn(r)
			if part == "" {
				return ""
			}
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(part)
		}
		return b.String()
	}
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
