package store

import (
	"context"
	"maps"
	"sort"
	"sync"

	"consentd/internal/consent"
	dErrors "consentd/pkg/domain-errors"
	"consentd/pkg/platform/sentinel"
)

// memData holds all tables. Entities are treated as immutable once stored, so
// a transaction can work on a shallow clone and commit by swapping pointers.
type memData struct {
	subjects      map[string]*consent.Subject
	subjectsByExt map[string]string
	domains       map[string]*consent.Domain
	policies      map[string]*consent.Policy
	purposes      map[string]*consent.Purpose
	consents      []*consent.Consent
	records       []*consent.Record
	auditLogs     []*consent.AuditLog
}

func newMemData() *memData {
	return &memData{
		subjects:      make(map[string]*consent.Subject),
		subjectsByExt: make(map[string]string),
		domains:       make(map[string]*consent.Domain),
		policies:      make(map[string]*consent.Policy),
		purposes:      make(map[string]*consent.Purpose),
	}
}

func (d *memData) clone() *memData {
	return &memData{
		subjects:      maps.Clone(d.subjects),
		subjectsByExt: maps.Clone(d.subjectsByExt),
		domains:       maps.Clone(d.domains),
		policies:      maps.Clone(d.policies),
		purposes:      maps.Clone(d.purposes),
		consents:      append([]*consent.Consent(nil), d.consents...),
		records:       append([]*consent.Record(nil), d.records...),
		auditLogs:     append([]*consent.AuditLog(nil), d.auditLogs...),
	}
}

func (d *memData) getSubject(id string) (*consent.Subject, error) {
	if subject, ok := d.subjects[id]; ok {
		return subject, nil
	}
	return nil, sentinel.ErrNotFound
}

func (d *memData) getSubjectByExternalID(externalID string) (*consent.Subject, error) {
	if id, ok := d.subjectsByExt[externalID]; ok {
		return d.subjects[id], nil
	}
	return nil, sentinel.ErrNotFound
}

func (d *memData) createSubject(subject *consent.Subject) error {
	if _, exists := d.subjects[subject.ID]; exists {
		return sentinel.ErrConflict
	}
	d.subjects[subject.ID] = subject
	if subject.ExternalID != "" {
		d.subjectsByExt[subject.ExternalID] = subject.ID
	}
	return nil
}

func (d *memData) getDomain(name string) (*consent.Domain, error) {
	if domain, ok := d.domains[name]; ok {
		return domain, nil
	}
	return nil, sentinel.ErrNotFound
}

func (d *memData) createDomain(domain *consent.Domain) error {
	if _, exists := d.domains[domain.Name]; exists {
		return sentinel.ErrConflict
	}
	d.domains[domain.Name] = domain
	return nil
}

func (d *memData) getPolicy(id string) (*consent.Policy, error) {
	if policy, ok := d.policies[id]; ok {
		return policy, nil
	}
	return nil, sentinel.ErrNotFound
}

func (d *memData) getLatestPolicy(t consent.Type) (*consent.Policy, error) {
	var latest *consent.Policy
	for _, policy := range d.policies {
		if policy.Type != t || !policy.IsActive {
			continue
		}
		if latest == nil || policy.EffectiveDate.After(latest.EffectiveDate) {
			latest = policy
		}
	}
	if latest == nil {
		return nil, sentinel.ErrNotFound
	}
	return latest, nil
}

func (d *memData) createPolicy(policy *consent.Policy) error {
	if _, exists := d.policies[policy.ID]; exists {
		return sentinel.ErrConflict
	}
	d.policies[policy.ID] = policy
	return nil
}

func (d *memData) getPurposeByCode(code string) (*consent.Purpose, error) {
	if purpose, ok := d.purposes[code]; ok {
		return purpose, nil
	}
	return nil, sentinel.ErrNotFound
}

func (d *memData) createPurpose(purpose *consent.Purpose) error {
	if _, exists := d.purposes[purpose.Code]; exists {
		return sentinel.ErrConflict
	}
	d.purposes[purpose.Code] = purpose
	return nil
}

func (d *memData) listConsents(subjectID, domainID, policyID string) []*consent.Consent {
	// Walk newest-insertion-first so equal timestamps keep most-recent-first
	// order after the stable sort.
	var out []*consent.Consent
	for i := len(d.consents) - 1; i >= 0; i-- {
		c := d.consents[i]
		if subjectID != "" && c.SubjectID != subjectID {
			continue
		}
		if domainID != "" && c.DomainID != domainID {
			continue
		}
		if policyID != "" && c.PolicyID != policyID {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].GivenAt.After(out[j].GivenAt)
	})
	return out
}

// MemoryRegistry is the in-process Registry used by unit tests and as the
// default adapter when no database is configured.
type MemoryRegistry struct {
	mu   sync.RWMutex
	data *memData
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{data: newMemData()}
}

func (m *MemoryRegistry) GetSubject(_ context.Context, id string) (*consent.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getSubject(id)
}

func (m *MemoryRegistry) GetSubjectByExternalID(_ context.Context, externalID string) (*consent.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getSubjectByExternalID(externalID)
}

func (m *MemoryRegistry) CreateSubject(_ context.Context, subject *consent.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createSubject(subject)
}

func (m *MemoryRegistry) GetDomain(_ context.Context, name string) (*consent.Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getDomain(name)
}

func (m *MemoryRegistry) CreateDomain(_ context.Context, domain *consent.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createDomain(domain)
}

func (m *MemoryRegistry) GetPolicy(_ context.Context, id string) (*consent.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getPolicy(id)
}

func (m *MemoryRegistry) GetLatestPolicy(_ context.Context, t consent.Type) (*consent.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getLatestPolicy(t)
}

func (m *MemoryRegistry) CreatePolicy(_ context.Context, policy *consent.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createPolicy(policy)
}

func (m *MemoryRegistry) GetPurposeByCode(_ context.Context, code string) (*consent.Purpose, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getPurposeByCode(code)
}

func (m *MemoryRegistry) CreatePurpose(_ context.Context, purpose *consent.Purpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createPurpose(purpose)
}

func (m *MemoryRegistry) CreateConsent(_ context.Context, c *consent.Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.consents = append(m.data.consents, c)
	return nil
}

func (m *MemoryRegistry) CreateRecord(_ context.Context, record *consent.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.records = append(m.data.records, record)
	return nil
}

func (m *MemoryRegistry) AppendAuditLog(_ context.Context, entry *consent.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.auditLogs = append(m.data.auditLogs, entry)
	return nil
}

func (m *MemoryRegistry) ListConsents(_ context.Context, subjectID, domainID, policyID string) ([]*consent.Consent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.listConsents(subjectID, domainID, policyID), nil
}

// AuditLogs returns the append-only trail; used by tests to assert writes.
func (m *MemoryRegistry) AuditLogs() []*consent.AuditLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*consent.AuditLog(nil), m.data.auditLogs...)
}

// Records returns the consent record trail; used by tests.
func (m *MemoryRegistry) Records() []*consent.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*consent.Record(nil), m.data.records...)
}

// RunInTx executes fn against a clone of the data and commits by swapping it
// in. Any error from fn discards the clone, so a failure partway leaves no
// partial rows.
func (m *MemoryRegistry) RunInTx(ctx context.Context, fn func(consent.Registry) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := m.data.clone()
	if err := fn(&txRegistry{data: staged}); err != nil {
		return err
	}
	m.data = staged
	return nil
}

func (m *MemoryRegistry) StorageType() string { return "memory" }

func (m *MemoryRegistry) Health(context.Context) error { return nil }

// txRegistry operates on the staged clone under the outer write lock.
type txRegistry struct {
	data *memData
}

func (t *txRegistry) GetSubject(_ context.Context, id string) (*consent.Subject, error) {
	return t.data.getSubject(id)
}

func (t *txRegistry) GetSubjectByExternalID(_ context.Context, externalID string) (*consent.Subject, error) {
	return t.data.getSubjectByExternalID(externalID)
}

func (t *txRegistry) CreateSubject(_ context.Context, subject *consent.Subject) error {
	return t.data.createSubject(subject)
}

func (t *txRegistry) GetDomain(_ context.Context, name string) (*consent.Domain, error) {
	return t.data.getDomain(name)
}

func (t *txRegistry) CreateDomain(_ context.Context, domain *consent.Domain) error {
	return t.data.createDomain(domain)
}

func (t *txRegistry) GetPolicy(_ context.Context, id string) (*consent.Policy, error) {
	return t.data.getPolicy(id)
}

func (t *txRegistry) GetLatestPolicy(_ context.Context, typ consent.Type) (*consent.Policy, error) {
	return t.data.getLatestPolicy(typ)
}

func (t *txRegistry) CreatePolicy(_ context.Context, policy *consent.Policy) error {
	return t.data.createPolicy(policy)
}

func (t *txRegistry) GetPurposeByCode(_ context.Context, code string) (*consent.Purpose, error) {
	return t.data.getPurposeByCode(code)
}

func (t *txRegistry) CreatePurpose(_ context.Context, purpose *consent.Purpose) error {
	return t.data.createPurpose(purpose)
}

func (t *txRegistry) CreateConsent(_ context.Context, c *consent.Consent) error {
	t.data.consents = append(t.data.consents, c)
	return nil
}

func (t *txRegistry) CreateRecord(_ context.Context, record *consent.Record) error {
	t.data.records = append(t.data.records, record)
	return nil
}

func (t *txRegistry) AppendAuditLog(_ context.Context, entry *consent.AuditLog) error {
	t.data.auditLogs = append(t.data.auditLogs, entry)
	return nil
}

func (t *txRegistry) ListConsents(_ context.Context, subjectID, domainID, policyID string) ([]*consent.Consent, error) {
	return t.data.listConsents(subjectID, domainID, policyID), nil
}

// RunInTx joins the enclosing transaction.
func (t *txRegistry) RunInTx(_ context.Context, fn func(consent.Registry) error) error {
	return fn(t)
}

func (t *txRegistry) StorageType() string { return "memory" }

func (t *txRegistry) Health(context.Context) error { return nil }
