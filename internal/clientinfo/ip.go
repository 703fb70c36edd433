package clientinfo

import (
	"net"
	"strings"
)

const UnknownIP = "Unknown IP"

// proxyHeaders are consulted before X-Forwarded-For, highest priority first.
var proxyHeaders = []string{
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Real-IP",
	"X-Client-IP",
	"X-Cluster-Client-IP",
}

// HeaderGetter is satisfied by http.Header and by HeaderFunc.
type HeaderGetter interface {
	Get(key string) string
}

// HeaderFunc adapts a lookup function, such as (*fiber.Ctx).Get.
type HeaderFunc func(key string) string

func (f HeaderFunc) Get(key string) string { return f(key) }

// ResolveClientIP picks the best-effort client address. Proxy headers win in
// priority order, then X-Forwarded-For entries left to right; loopback and
// unparseable values are skipped. The socket address is the fallback, and
// UnknownIP is returned when nothing is available. Header values are
// client-controlled, so the result is for attribution only.
func ResolveClientIP(headers HeaderGetter, socketAddr string) string {
	if headers != nil {
		for _, name := range proxyHeaders {
			if ip := usableIP(headers.Get(name)); ip != "" {
				return ip
			}
		}
		for _, part := range strings.Split(headers.Get("X-Forwarded-For"), ",") {
			if ip := usableIP(part); ip != "" {
				return ip
			}
		}
	}

	if host := stripPort(strings.TrimSpace(socketAddr)); host != "" {
		return host
	}
	return UnknownIP
}

func usableIP(raw string) string {
	host := stripPort(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}
	host = strings.TrimPrefix(host, "::ffff:")
	ip := net.ParseIP(host)
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}

func stripPort(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return strings.Trim(addr, "[]")
}
