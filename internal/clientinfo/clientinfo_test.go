package clientinfo

import (
	"net/http"
	"testing"
)

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestResolveClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers http.Header
		socket  string
		want    string
	}{
		{
			name:    "cloudflare beats forwarded-for",
			headers: headers("cf-connecting-ip", "9.9.9.9", "x-forwarded-for", "1.1.1.1"),
			want:    "9.9.9.9",
		},
		{
			name:    "loopback skipped in forwarded-for",
			headers: headers("x-forwarded-for", "127.0.0.1, 8.8.8.8"),
			want:    "8.8.8.8",
		},
		{
			name:    "priority order among proxy headers",
			headers: headers("x-real-ip", "3.3.3.3", "true-client-ip", "2.2.2.2"),
			want:    "2.2.2.2",
		},
		{
			name:    "loopback proxy header falls through",
			headers: headers("x-real-ip", "127.0.0.1", "x-client-ip", "4.4.4.4"),
			want:    "4.4.4.4",
		},
		{
			name:    "ipv6 loopback skipped",
			headers: headers("x-forwarded-for", "::1, 2001:db8::1"),
			want:    "2001:db8::1",
		},
		{
			name:    "garbage skipped",
			headers: headers("x-forwarded-for", "unknown, 5.5.5.5"),
			want:    "5.5.5.5",
		},
		{
			name:    "mapped ipv4",
			headers: headers("x-real-ip", "::ffff:6.6.6.6"),
			want:    "6.6.6.6",
		},
		{
			name:    "socket fallback strips port",
			headers: headers(),
			socket:  "10.0.0.7:51234",
			want:    "10.0.0.7",
		},
		{
			name:    "only loopback everywhere keeps socket",
			headers: headers("x-forwarded-for", "127.0.0.1"),
			socket:  "127.0.0.1:8080",
			want:    "127.0.0.1",
		},
		{
			name:    "nothing available",
			headers: headers(),
			want:    UnknownIP,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveClientIP(tt.headers, tt.socket); got != tt.want {
				t.Errorf("ResolveClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveClientIPNilHeaders(t *testing.T) {
	if got := ResolveClientIP(nil, ""); got != UnknownIP {
		t.Errorf("got %q, want %q", got, UnknownIP)
	}
}

func TestHeaderFunc(t *testing.T) {
	h := HeaderFunc(func(key string) string {
		if key == "CF-Connecting-IP" {
			return "7.7.7.7"
		}
		return ""
	})
	if got := ResolveClientIP(h, ""); got != "7.7.7.7" {
		t.Errorf("got %q", got)
	}
}

func TestResolveBrowserInfo(t *testing.T) {
	tests := []struct {
		ua      string
		browser string
		engine  string
	}{
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0", "Edge", "Blink"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 OPR/106.0.0.0", "Opera", "Blink"},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36", "Chrome", "Blink"},
		{"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0", "Firefox", "Gecko"},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15", "Safari", "WebKit"},
		{"curl/8.4.0", OtherBrowser, UnknownEngine},
		{"", OtherBrowser, UnknownEngine},
	}
	for _, tt := range tests {
		got := ResolveBrowserInfo(tt.ua)
		if got.Browser != tt.browser || got.Engine != tt.engine {
			t.Errorf("ResolveBrowserInfo(%q) = %+v, want %s/%s", tt.ua, got, tt.browser, tt.engine)
		}
	}
}

func TestParseDeviceEmpty(t *testing.T) {
	if d := ParseDevice("  "); d != (Device{}) {
		t.Errorf("expected zero device, got %+v", d)
	}
}
