package activity

import (
	"net"
	"net/http"
	"strings"
)

// Headers consulted for the client address, most trusted first.
var clientIPHeaders = []string{
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Real-IP",
	"X-Forwarded-For",
	"X-Client-IP",
	"Forwarded",
}

// ClientIP derives the caller's address. Each header is examined in
// priority order (list-valued headers left to right) and the first
// syntactically valid IP wins; the socket address is the last resort.
func ClientIP(h http.Header, remoteAddr string) string {
	for _, name := range clientIPHeaders {
		for _, raw := range h.Values(name) {
			for _, candidate := range strings.Split(raw, ",") {
				if name == "Forwarded" {
					candidate = forwardedFor(candidate)
				}
				if ip := parseIP(candidate); ip != "" {
					return ip
				}
			}
		}
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return parseIP(host)
	}
	return parseIP(remoteAddr)
}

// forwardedFor extracts the for= parameter of one RFC 7239 element.
func forwardedFor(element string) string {
	for _, pair := range strings.Split(element, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(k, "for") {
			continue
		}
		v = strings.Trim(v, `"`)
		if strings.HasPrefix(v, "[") {
			if end := strings.Index(v, "]"); end > 0 {
				return v[1:end]
			}
		}
		if host, _, err := net.SplitHostPort(v); err == nil {
			return host
		}
		return v
	}
	return ""
}

func parseIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
