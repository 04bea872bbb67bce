package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration. FromEnv builds it from
// environment variables so main stays lean.
type Server struct {
	Addr    string
	BaseURL string
	Version string

	// TrustedOrigins accepts a single origin, a comma-separated list, or a
	// JSON-encoded array. "*" entries act as wildcards.
	TrustedOrigins []string

	// IPHeaders is the precedence list consulted when resolving the client
	// IP. DisableIPTracking forces an empty IP; TestMode pins loopback.
	IPHeaders         []string
	DisableIPTracking bool
	TestMode          bool

	DatabaseURL string
	Redis       RedisConfig

	KafkaBrokers    []string
	KafkaAuditTopic string

	// AdminSecretHash is a bcrypt hash of the shared admin secret used by the
	// admin plugin's JWT signing-key lookup.
	AdminSecretHash string
	AdminJWTKey     string
}

// RedisConfig holds connection settings for the optional policy cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// defaultIPHeaders is consulted first-to-last; the first present header wins.
var defaultIPHeaders = []string{"x-forwarded-for", "cf-connecting-ip", "x-real-ip"}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	addr := os.Getenv("CONSENTD_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	version := os.Getenv("CONSENTD_VERSION")
	if version == "" {
		version = "dev"
	}

	jwtKey := os.Getenv("CONSENTD_ADMIN_JWT_KEY")
	if jwtKey == "" {
		// Development default; must be overridden in production.
		jwtKey = "dev-secret-key-change-in-production"
	}

	return Server{
		Addr:              addr,
		BaseURL:           os.Getenv("CONSENTD_BASE_URL"),
		Version:           version,
		TrustedOrigins:    ParseTrustedOrigins(os.Getenv("CONSENTD_TRUSTED_ORIGINS")),
		IPHeaders:         parseIPHeaders(os.Getenv("CONSENTD_IP_HEADERS")),
		DisableIPTracking: os.Getenv("CONSENTD_DISABLE_IP_TRACKING") == "true",
		TestMode:          os.Getenv("CONSENTD_TEST_MODE") == "true",
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		KafkaBrokers:    splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
		KafkaAuditTopic: os.Getenv("KAFKA_AUDIT_TOPIC"),
		AdminSecretHash: os.Getenv("CONSENTD_ADMIN_SECRET_HASH"),
		AdminJWTKey:     jwtKey,
	}
}

// ParseTrustedOrigins accepts a bare origin, a comma-separated list, or a
// JSON-encoded array.
func ParseTrustedOrigins(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var origins []string
		if err := json.Unmarshal([]byte(raw), &origins); err == nil {
			return trimAll(origins)
		}
		// Malformed JSON falls through to comma splitting.
	}
	return splitNonEmpty(raw)
}

// OriginTrusted reports whether origin matches the trusted list. An entry of
// "*" trusts everything; "*.example.com" trusts any subdomain. An empty list
// trusts every origin: the banner script posts cross-site from the operator's
// pages, so an unconfigured deployment must not reject its own traffic.
func (s Server) OriginTrusted(origin string) bool {
	if len(s.TrustedOrigins) == 0 {
		return true
	}
	for _, trusted := range s.TrustedOrigins {
		switch {
		case trusted == "*":
			return true
		case strings.HasPrefix(trusted, "*."):
			if strings.HasSuffix(origin, trusted[1:]) {
				return true
			}
		case trusted == origin:
			return true
		}
	}
	return false
}

// ResolvedIPHeaders returns the configured precedence list or the default.
func (s Server) ResolvedIPHeaders() []string {
	if len(s.IPHeaders) > 0 {
		return s.IPHeaders
	}
	return defaultIPHeaders
}

func parseIPHeaders(raw string) []string {
	headers := splitNonEmpty(raw)
	for i, h := range headers {
		headers[i] = strings.ToLower(h)
	}
	return headers
}

func splitNonEmpty(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}
