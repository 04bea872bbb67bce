package audit

import "time"

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	EntityID  string         `json:"entityId,omitempty"`
	SubjectID string         `json:"subjectId,omitempty"`
	DomainID  string         `json:"domainId,omitempty"`
	IPAddress string         `json:"ipAddress,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	Device    string         `json:"device,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Actions emitted by the consent operations.
const (
	ActionConsentSet    = "consent.set"
	ActionConsentVerify = "consent.verify"
)
