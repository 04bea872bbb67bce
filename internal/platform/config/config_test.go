package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTrustedOrigins(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", nil},
		{"single origin", "https://example.com", []string{"https://example.com"}},
		{"comma separated", "https://a.com, https://b.com", []string{"https://a.com", "https://b.com"}},
		{"json array", `["https://a.com","https://b.com"]`, []string{"https://a.com", "https://b.com"}},
		{"json with whitespace entries", `[" https://a.com ", ""]`, []string{"https://a.com"}},
		{"malformed json falls back to splitting", `[https://a.com`, []string{"[https://a.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseTrustedOrigins(tt.raw))
		})
	}
}

func TestOriginTrusted(t *testing.T) {
	cfg := Server{TrustedOrigins: []string{"https://app.example.com", "*.trusted.io"}}

	assert.True(t, cfg.OriginTrusted("https://app.example.com"))
	assert.True(t, cfg.OriginTrusted("https://sub.trusted.io"))
	assert.False(t, cfg.OriginTrusted("https://evil.com"))
	assert.False(t, cfg.OriginTrusted("https://app.example.com.evil.com"))

	wildcard := Server{TrustedOrigins: []string{"*"}}
	assert.True(t, wildcard.OriginTrusted("https://anything.example"))

	// No configured list means pass-through: the default deployment must not
	// reject the banner's own cross-site posts.
	empty := Server{}
	assert.True(t, empty.OriginTrusted("https://app.example.com"))
}

func TestResolvedIPHeaders(t *testing.T) {
	assert.Equal(t,
		[]string{"x-forwarded-for", "cf-connecting-ip", "x-real-ip"},
		Server{}.ResolvedIPHeaders(),
	)
	assert.Equal(t,
		[]string{"x-real-ip"},
		Server{IPHeaders: []string{"x-real-ip"}}.ResolvedIPHeaders(),
	)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CONSENTD_ADDR", ":9999")
	t.Setenv("CONSENTD_BASE_URL", "https://example.com/consent")
	t.Setenv("CONSENTD_TRUSTED_ORIGINS", "https://a.com,https://b.com")
	t.Setenv("CONSENTD_IP_HEADERS", "X-Real-IP")
	t.Setenv("CONSENTD_TEST_MODE", "true")
	t.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092")

	cfg := FromEnv()
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "https://example.com/consent", cfg.BaseURL)
	assert.Equal(t, []string{"https://a.com", "https://b.com"}, cfg.TrustedOrigins)
	assert.Equal(t, []string{"x-real-ip"}, cfg.IPHeaders, "header names are lowercased")
	assert.True(t, cfg.TestMode)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
}
