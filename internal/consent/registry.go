package consent

import "context"

// Registry is the persistence abstraction the consent operations read from
// and write to. Implementations live under internal/consent/store; the
// service treats all entities as externally persisted and owns no state
// beyond the per-request context.
//
// Lookups return sentinel.ErrNotFound when the entity does not exist so
// services can translate into domain errors with the right code.
type Registry interface {
	GetSubject(ctx context.Context, id string) (*Subject, error)
	GetSubjectByExternalID(ctx context.Context, externalID string) (*Subject, error)
	CreateSubject(ctx context.Context, subject *Subject) error

	GetDomain(ctx context.Context, name string) (*Domain, error)
	CreateDomain(ctx context.Context, domain *Domain) error

	GetPolicy(ctx context.Context, id string) (*Policy, error)
	// GetLatestPolicy returns the newest active policy for a consent type.
	GetLatestPolicy(ctx context.Context, t Type) (*Policy, error)
	CreatePolicy(ctx context.Context, policy *Policy) error

	GetPurposeByCode(ctx context.Context, code string) (*Purpose, error)
	CreatePurpose(ctx context.Context, purpose *Purpose) error

	CreateConsent(ctx context.Context, consent *Consent) error
	CreateRecord(ctx context.Context, record *Record) error
	AppendAuditLog(ctx context.Context, entry *AuditLog) error

	// ListConsents returns consents for (subject, domain, policy) ordered
	// most recent first. Empty filter values match everything.
	ListConsents(ctx context.Context, subjectID, domainID, policyID string) ([]*Consent, error)

	// RunInTx executes fn against a transaction-scoped registry. The
	// transaction commits when fn returns nil and rolls back on any error,
	// with release guaranteed on all exit paths.
	RunInTx(ctx context.Context, fn func(Registry) error) error

	StorageType() string
	Health(ctx context.Context) error
}
