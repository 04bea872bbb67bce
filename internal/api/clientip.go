package api

import (
	"net/http"
	"strings"
)

// ResolveClientIP extracts the caller's IP following the configured header
// precedence. Tracking can be disabled entirely (returns ""); test mode pins
// the loopback address so fixtures stay deterministic.
//
// X-Forwarded-For may carry a proxy chain; only the first entry is the
// client.
func ResolveClientIP(headers http.Header, remoteAddr string, ipHeaders []string, disabled, testMode bool) string {
	if disabled {
		return ""
	}
	if testMode {
		return "127.0.0.1"
	}

	for _, name := range ipHeaders {
		value := headers.Get(name)
		if value == "" {
			continue
		}
		if strings.EqualFold(name, "x-forwarded-for") {
			if idx := strings.Index(value, ","); idx != -1 {
				value = value[:idx]
			}
		}
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}

	// Direct connection: RemoteAddr is "ip:port" (or "[v6]:port").
	if remoteAddr != "" {
		if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
			return strings.Trim(remoteAddr[:idx], "[]")
		}
		return remoteAddr
	}
	return ""
}
