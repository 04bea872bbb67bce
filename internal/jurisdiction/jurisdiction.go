// Package jurisdiction classifies a request's regulatory regime from
// CDN-provided geolocation headers and decides whether a consent banner must
// be shown. Pure functions of headers: no persistence, no side effects.
package jurisdiction

import "net/http"

// Geolocation headers, first present wins.
var (
	countryHeaders = []string{
		"cf-ipcountry",
		"x-vercel-ip-country",
		"x-amz-cf-ipcountry",
		"x-country-code",
	}
	regionHeaders = []string{
		"x-vercel-ip-country-region",
		"x-region-code",
	}
)

// Code identifies a regulatory regime.
type Code string

const (
	CodeGDPR Code = "GDPR"
	CodeCH   Code = "CH"
	CodeBR   Code = "BR"
	CodeCA   Code = "CA"
	CodeAU   Code = "AU"
	CodeJP   Code = "JP"
	CodeKR   Code = "KR"
	CodeNone Code = "NONE"
)

// gdprCountries covers EU and EEA members plus the UK.
var gdprCountries = map[string]bool{
	"AT": true, "BE": true, "BG": true, "HR": true, "CY": true, "CZ": true,
	"DK": true, "EE": true, "FI": true, "FR": true, "DE": true, "GR": true,
	"HU": true, "IE": true, "IT": true, "LV": true, "LT": true, "LU": true,
	"MT": true, "NL": true, "PL": true, "PT": true, "RO": true, "SK": true,
	"SI": true, "ES": true, "SE": true,
	// EEA
	"IS": true, "LI": true, "NO": true,
	// UK retains GDPR-equivalent rules
	"GB": true,
}

var countryRegimes = map[string]struct {
	code    Code
	message string
}{
	"CH": {CodeCH, "Switzerland's data protection law requires a consent banner."},
	"BR": {CodeBR, "Brazil's LGPD requires a consent banner."},
	"CA": {CodeCA, "Canada's PIPEDA requires a consent banner."},
	"AU": {CodeAU, "Australia's Privacy Act requires a consent banner."},
	"JP": {CodeJP, "Japan's APPI requires a consent banner."},
	"KR": {CodeKR, "South Korea's PIPA requires a consent banner."},
}

// Jurisdiction is the classified regime with a human-readable message.
type Jurisdiction struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Location echoes what was detected from headers; null when unknown.
type Location struct {
	CountryCode *string `json:"countryCode"`
	RegionCode  *string `json:"regionCode"`
}

// Decision is the banner-display outcome.
type Decision struct {
	ShowConsentBanner bool         `json:"showConsentBanner"`
	Jurisdiction      Jurisdiction `json:"jurisdiction"`
	Location          Location     `json:"location"`
}

// Decide maps geolocation headers to a banner decision. Deterministic for a
// given header set.
func Decide(headers http.Header) Decision {
	country := firstHeader(headers, countryHeaders)
	region := firstHeader(headers, regionHeaders)

	decision := Decision{
		Location: Location{
			CountryCode: nullable(country),
			RegionCode:  nullable(region),
		},
	}

	switch {
	case country == "":
		// Location unknown: show the banner rather than risk
		// non-compliance.
		decision.ShowConsentBanner = true
		decision.Jurisdiction = Jurisdiction{
			Code:    CodeNone,
			Message: "Location could not be determined, showing banner by default.",
		}
	case gdprCountries[country]:
		decision.ShowConsentBanner = true
		decision.Jurisdiction = Jurisdiction{
			Code:    CodeGDPR,
			Message: "GDPR or equivalent regulations require a cookie banner.",
		}
	default:
		if regime, ok := countryRegimes[country]; ok {
			decision.ShowConsentBanner = true
			decision.Jurisdiction = Jurisdiction{Code: regime.code, Message: regime.message}
			break
		}
		decision.ShowConsentBanner = false
		decision.Jurisdiction = Jurisdiction{
			Code:    CodeNone,
			Message: "No specific consent requirements apply.",
		}
	}
	return decision
}

func firstHeader(headers http.Header, names []string) string {
	for _, name := range names {
		if value := headers.Get(name); value != "" {
			return value
		}
	}
	return ""
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
