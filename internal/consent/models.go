package consent

import "time"

// Type discriminates what a subject is consenting to. Cookie-banner consents
// carry per-purpose preferences; document consents reference a policy.
type Type string

const (
	TypeCookieBanner            Type = "cookie_banner"
	TypePrivacyPolicy           Type = "privacy_policy"
	TypeDPA                     Type = "dpa"
	TypeTermsAndConditions      Type = "terms_and_conditions"
	TypeMarketingCommunications Type = "marketing_communications"
	TypeAgeVerification         Type = "age_verification"
	TypeOther                   Type = "other"
)

// Valid reports whether t is a known consent type.
func (t Type) Valid() bool {
	switch t {
	case TypeCookieBanner, TypePrivacyPolicy, TypeDPA, TypeTermsAndConditions,
		TypeMarketingCommunications, TypeAgeVerification, TypeOther:
		return true
	}
	return false
}

// Status of a consent record. History is kept: superseding a consent creates
// a new row rather than mutating the old one.
type Status string

const (
	StatusActive    Status = "active"
	StatusWithdrawn Status = "withdrawn"
	StatusExpired   Status = "expired"
)

// Subject is the consenting party. Created on first consent interaction and
// never deleted by this service.
type Subject struct {
	ID               string
	ExternalID       string
	IdentityProvider string
	IsIdentified     bool
	CreatedAt        time.Time
}

// Domain is the web property consent applies to, found-or-created lazily per
// request.
type Domain struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Policy is a versioned compliance document. Immutable once referenced;
// updating means creating a new version and deactivating the old one.
type Policy struct {
	ID            string
	Type          Type
	Version       string
	Name          string
	IsActive      bool
	EffectiveDate time.Time
	CreatedAt     time.Time
}

// Purpose is a granular permission identified by a stable code, e.g.
// "marketing" or "analytics". Auto-created on first use.
type Purpose struct {
	ID           string
	Code         string
	Name         string
	Description  string
	IsEssential  bool
	DataCategory string
	LegalBasis   string
	CreatedAt    time.Time
}

// Consent links a subject, domain, and policy to a set of granted purposes.
type Consent struct {
	ID         string
	SubjectID  string
	DomainID   string
	PolicyID   string
	PurposeIDs []string
	Status     Status
	IsActive   bool
	GivenAt    time.Time
	IPAddress  string
	UserAgent  string
	Metadata   map[string]any
}

// HasPurposes reports whether the consent's purpose set is a superset of the
// requested purpose ids.
func (c *Consent) HasPurposes(purposeIDs []string) bool {
	granted := make(map[string]struct{}, len(c.PurposeIDs))
	for _, id := range c.PurposeIDs {
		granted[id] = struct{}{}
	}
	for _, id := range purposeIDs {
		if _, ok := granted[id]; !ok {
			return false
		}
	}
	return true
}

// Record is the immutable audit entry written alongside every consent,
// capturing the action taken. Never mutated or deleted.
type Record struct {
	ID         string
	ConsentID  string
	SubjectID  string
	ActionType string
	Details    map[string]any
	CreatedAt  time.Time
}

// AuditLog is an append-only compliance trail entry.
type AuditLog struct {
	ID         string
	EntityType string
	EntityID   string
	ActionType string
	SubjectID  string
	IPAddress  string
	UserAgent  string
	Device     string
	Changes    map[string]any
	CreatedAt  time.Time
}
