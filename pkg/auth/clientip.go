package auth

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver determines the caller address used for rate limiting.
// Forwarding headers are only honoured when the service sits behind a
// trusted proxy, otherwise any caller could choose its own identity.
type ClientIPResolver struct {
	trustForwarded bool
}

// NewClientIPResolver creates a resolver.
func NewClientIPResolver(trustForwardedHeaders bool) *ClientIPResolver {
	return &ClientIPResolver{trustForwarded: trustForwardedHeaders}
}

// Resolve returns the client address of r.
func (c *ClientIPResolver) Resolve(r *http.Request) string {
	if c.trustForwarded {
		if ip := forwardedFor(r.Header.Get("Forwarded")); ip != "" {
			return ip
		}
		if ip := normalizeIP(strings.SplitN(r.Header.Get("X-Forwarded-For"), ",", 2)[0]); ip != "" {
			return ip
		}
		if ip := normalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return remoteIP(r.RemoteAddr)
}

// forwardedFor extracts the first for= parameter of an RFC 7239 Forwarded header.
func forwardedFor(header string) string {
	idx := strings.Index(strings.ToLower(header), "for=")
	if idx < 0 {
		return ""
	}

	token := header[idx+len("for="):]
	token = strings.SplitN(token, ";", 2)[0]
	token = strings.TrimSpace(strings.SplitN(token, ",", 2)[0])
	token = strings.Trim(token, `"`)

	if strings.HasPrefix(token, "[") {
		if end := strings.Index(token, "]"); end > 0 {
			token = token[1:end]
		}
	}
	return normalizeIP(token)
}

func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" || strings.EqualFold(ip, "unknown") {
		return ""
	}
	return ip
}

func remoteIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
