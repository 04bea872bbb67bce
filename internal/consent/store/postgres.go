package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"consentd/internal/consent"
	dErrors "consentd/pkg/domain-errors"
	"consentd/pkg/platform/sentinel"
)

// defaultTxTimeout bounds a consent transaction when the caller supplied no
// deadline.
const defaultTxTimeout = 5 * time.Second

// querier is satisfied by *sql.DB and *sql.Tx so the same queries serve both
// direct and transactional calls.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresRegistry persists consent entities in PostgreSQL.
type PostgresRegistry struct {
	db *sql.DB
	q  querier
}

// NewPostgresRegistry constructs a PostgreSQL-backed registry.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db, q: db}
}

func (p *PostgresRegistry) GetSubject(ctx context.Context, id string) (*consent.Subject, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT id, COALESCE(external_id, ''), identity_provider, is_identified, created_at
		FROM subjects WHERE id = $1
	`, id)
	return scanSubject(row)
}

func (p *PostgresRegistry) GetSubjectByExternalID(ctx context.Context, externalID string) (*consent.Subject, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT id, COALESCE(external_id, ''), identity_provider, is_identified, created_at
		FROM subjects WHERE external_id = $1
	`, externalID)
	return scanSubject(row)
}

func scanSubject(row *sql.Row) (*consent.Subject, error) {
	var subject consent.Subject
	err := row.Scan(&subject.ID, &subject.ExternalID, &subject.IdentityProvider, &subject.IsIdentified, &subject.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get subject: %w", err)
	}
	return &subject, nil
}

func (p *PostgresRegistry) CreateSubject(ctx context.Context, subject *consent.Subject) error {
	externalID := sql.NullString{String: subject.ExternalID, Valid: subject.ExternalID != ""}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO subjects (id, external_id, identity_provider, is_identified, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, subject.ID, externalID, subject.IdentityProvider, subject.IsIdentified, subject.CreatedAt)
	if err != nil {
		return fmt.Errorf("create subject: %w", err)
	}
	return nil
}

func (p *PostgresRegistry) GetDomain(ctx context.Context, name string) (*consent.Domain, error) {
	var domain consent.Domain
	err := p.q.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM domains WHERE name = $1
	`, name).Scan(&domain.ID, &domain.Name, &domain.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get domain: %w", err)
	}
	return &domain, nil
}

func (p *PostgresRegistry) CreateDomain(ctx context.Context, domain *consent.Domain) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO domains (id, name, created_at) VALUES ($1, $2, $3)
	`, domain.ID, domain.Name, domain.CreatedAt)
	if err != nil {
		return fmt.Errorf("create domain: %w", err)
	}
	return nil
}

func (p *PostgresRegistry) GetPolicy(ctx context.Context, id string) (*consent.Policy, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT id, type, version, name, is_active, effective_date, created_at
		FROM consent_policies WHERE id = $1
	`, id)
	return scanPolicy(row)
}

func (p *PostgresRegistry) GetLatestPolicy(ctx context.Context, t consent.Type) (*consent.Policy, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT id, type, version, name, is_active, effective_date, created_at
		FROM consent_policies
		WHERE type = $1 AND is_active
		ORDER BY effective_date DESC
		LIMIT 1
	`, string(t))
	return scanPolicy(row)
}

func scanPolicy(row *sql.Row) (*consent.Policy, error) {
	var policy consent.Policy
	err := row.Scan(&policy.ID, &policy.Type, &policy.Version, &policy.Name, &policy.IsActive, &policy.EffectiveDate, &policy.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return &policy, nil
}

func (p *PostgresRegistry) CreatePolicy(ctx context.Context, policy *consent.Policy) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO consent_policies (id, type, version, name, is_active, effective_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, policy.ID, string(policy.Type), policy.Version, policy.Name, policy.IsActive, policy.EffectiveDate, policy.CreatedAt)
	if err != nil {
		return fmt.Errorf("create policy: %w", err)
	}
	return nil
}

func (p *PostgresRegistry) GetPurposeByCode(ctx context.Context, code string) (*consent.Purpose, error) {
	var purpose consent.Purpose
	err := p.q.QueryRowContext(ctx, `
		SELECT id, code, name, description, is_essential, data_category, legal_basis, created_at
		FROM consent_purposes WHERE code = $1
	`, code).Scan(&purpose.ID, &purpose.Code, &purpose.Name, &purpose.Description,
		&purpose.IsEssential, &purpose.DataCategory, &purpose.LegalBasis, &purpose.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get purpose: %w", err)
	}
	return &purpose, nil
}

func (p *PostgresRegistry) CreatePurpose(ctx context.Context, purpose *consent.Purpose) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO consent_purposes (id, code, name, description, is_essential, data_category, legal_basis, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, purpose.ID, purpose.Code, purpose.Name, purpose.Description,
		purpose.IsEssential, purpose.DataCategory, purpose.LegalBasis, purpose.CreatedAt)
	if err != nil {
		return fmt.Errorf("create purpose: %w", err)
	}
	return nil
}

func (p *PostgresRegistry) CreateConsent(ctx context.Context, c *consent.Consent) error {
	metadata, err := marshalJSON(c.Metadata)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO consents (id, subject_id, domain_id, policy_id, purpose_ids, status, is_active, given_at, ip_address, user_agent, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.SubjectID, c.DomainID, c.PolicyID, pq.Array(c.PurposeIDs),
		string(c.Status), c.IsActive, c.GivenAt, c.IPAddress, c.UserAgent, metadata)
	if err != nil {
		return fmt.Errorf("create consent: %w", err)
	}
	return nil
}

func (p *PostgresRegistry) CreateRecord(ctx context.Context, record *consent.Record) error {
	details, err := marshalJSON(record.Details)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO consent_records (id, consent_id, subject_id, action_type, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.ID, record.ConsentID, record.SubjectID, record.ActionType, details, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("create consent record: %w", err)
	}
	return nil
}

func (p *PostgresRegistry) AppendAuditLog(ctx context.Context, entry *consent.AuditLog) error {
	changes, err := marshalJSON(entry.Changes)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO audit_logs (id, entity_type, entity_id, action_type, subject_id, ip_address, user_agent, device, changes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.EntityType, entry.EntityID, entry.ActionType, entry.SubjectID,
		entry.IPAddress, entry.UserAgent, entry.Device, changes, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

func (p *PostgresRegistry) ListConsents(ctx context.Context, subjectID, domainID, policyID string) ([]*consent.Consent, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, subject_id, domain_id, policy_id, purpose_ids, status, is_active, given_at, ip_address, user_agent, metadata
		FROM consents
		WHERE ($1 = '' OR subject_id = $1)
		  AND ($2 = '' OR domain_id = $2)
		  AND ($3 = '' OR policy_id = $3)
		ORDER BY given_at DESC
	`, subjectID, domainID, policyID)
	if err != nil {
		return nil, fmt.Errorf("list consents: %w", err)
	}
	defer rows.Close()

	var consents []*consent.Consent
	for rows.Next() {
		var c consent.Consent
		var purposeIDs pq.StringArray
		var metadata []byte
		if err := rows.Scan(&c.ID, &c.SubjectID, &c.DomainID, &c.PolicyID, &purposeIDs,
			&c.Status, &c.IsActive, &c.GivenAt, &c.IPAddress, &c.UserAgent, &metadata); err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		c.PurposeIDs = purposeIDs
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal consent metadata: %w", err)
			}
		}
		consents = append(consents, &c)
	}
	return consents, rows.Err()
}

// RunInTx executes fn inside a database transaction, committing on nil and
// rolling back on any error. A nested call joins the enclosing transaction.
func (p *PostgresRegistry) RunInTx(ctx context.Context, fn func(consent.Registry) error) error {
	if p.db == nil {
		return fn(p)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTxTimeout)
		defer cancel()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&PostgresRegistry{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresRegistry) StorageType() string { return "postgres" }

func (p *PostgresRegistry) Health(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	return p.db.PingContext(ctx)
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json field: %w", err)
	}
	return b, nil
}
