package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the donor address used for rate limiting, geo lookup and
// the gateway's pg_user_ip. The first parseable X-Forwarded-For entry wins
// over RemoteAddr.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := strings.TrimSpace(part); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
