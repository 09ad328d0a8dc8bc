package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP for rate limiting and audit logging.
// X-Forwarded-For and X-Real-IP are only honored when trustProxy is set,
// which must only happen behind a reverse proxy the operator controls.
// trustedProxyCount is how many rightmost X-Forwarded-For entries belong to
// that proxy chain.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if xri := r.Header.Get("X-Real-IP"); net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromXFF picks the client entry out of an X-Forwarded-For list.
// The rightmost trustedProxyCount entries were appended by proxies we
// control; the entry just left of them is the client as the first trusted
// proxy saw it. Anything further left is attacker-controlled.
func clientIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}
	clientIndex := len(ips) - proxyCount - 1
	if clientIndex < 0 {
		clientIndex = 0
	}

	clientIP := strings.TrimSpace(ips[clientIndex])
	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}
