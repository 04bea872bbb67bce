//go:build integration

package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"consentd/internal/consent"
	"consentd/pkg/platform/sentinel"
)

//go:embed schema.sql
var schema string

type PostgresRegistrySuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	db        *sql.DB
	registry  *PostgresRegistry
}

func TestPostgresRegistrySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresRegistrySuite))
}

func (s *PostgresRegistrySuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("consentd"),
		tcpostgres.WithUsername("consentd"),
		tcpostgres.WithPassword("consentd"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := sql.Open("postgres", dsn)
	s.Require().NoError(err)
	s.db = db

	_, err = db.ExecContext(ctx, schema)
	s.Require().NoError(err)

	s.registry = NewPostgresRegistry(db)
}

func (s *PostgresRegistrySuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		testcontainers.CleanupContainer(s.T(), s.container)
	}
}

func (s *PostgresRegistrySuite) SetupTest() {
	_, err := s.db.Exec(`TRUNCATE audit_logs, consent_records, consents, consent_purposes, consent_policies, domains, subjects CASCADE`)
	s.Require().NoError(err)
}

func (s *PostgresRegistrySuite) seedGraph(ctx context.Context) (subject *consent.Subject, domain *consent.Domain, policy *consent.Policy) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	subject = &consent.Subject{ID: "sub_1", ExternalID: "crm-1", IsIdentified: true, CreatedAt: now}
	domain = &consent.Domain{ID: "dom_1", Name: "example.com", CreatedAt: now}
	policy = &consent.Policy{
		ID: "pol_1", Type: consent.TypeCookieBanner, Version: "1.0",
		Name: "cookie_banner policy", IsActive: true, EffectiveDate: now, CreatedAt: now,
	}
	s.Require().NoError(s.registry.CreateSubject(ctx, subject))
	s.Require().NoError(s.registry.CreateDomain(ctx, domain))
	s.Require().NoError(s.registry.CreatePolicy(ctx, policy))
	return subject, domain, policy
}

func (s *PostgresRegistrySuite) TestSubjectRoundTrip() {
	ctx := context.Background()
	subject, _, _ := s.seedGraph(ctx)

	got, err := s.registry.GetSubject(ctx, subject.ID)
	s.Require().NoError(err)
	s.Equal(subject.ExternalID, got.ExternalID)
	s.True(got.IsIdentified)

	byExt, err := s.registry.GetSubjectByExternalID(ctx, "crm-1")
	s.Require().NoError(err)
	s.Equal(subject.ID, byExt.ID)

	_, err = s.registry.GetSubject(ctx, "sub_missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresRegistrySuite) TestAnonymousSubjectHasNullExternalID() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s.Require().NoError(s.registry.CreateSubject(ctx, &consent.Subject{ID: "sub_anon1", CreatedAt: now}))
	// A second anonymous subject must not collide on the unique external_id.
	s.Require().NoError(s.registry.CreateSubject(ctx, &consent.Subject{ID: "sub_anon2", CreatedAt: now}))

	got, err := s.registry.GetSubject(ctx, "sub_anon1")
	s.Require().NoError(err)
	s.Empty(got.ExternalID)
}

func (s *PostgresRegistrySuite) TestGetLatestPolicy() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	mk := func(id string, active bool, effective time.Time) *consent.Policy {
		return &consent.Policy{
			ID: id, Type: consent.TypePrivacyPolicy, Version: "1.0", Name: "pp",
			IsActive: active, EffectiveDate: effective, CreatedAt: now,
		}
	}
	s.Require().NoError(s.registry.CreatePolicy(ctx, mk("pol_old", true, now.AddDate(0, -6, 0))))
	s.Require().NoError(s.registry.CreatePolicy(ctx, mk("pol_new", true, now)))
	s.Require().NoError(s.registry.CreatePolicy(ctx, mk("pol_future_inactive", false, now.AddDate(0, 6, 0))))

	latest, err := s.registry.GetLatestPolicy(ctx, consent.TypePrivacyPolicy)
	s.Require().NoError(err)
	s.Equal("pol_new", latest.ID)
}

func (s *PostgresRegistrySuite) TestConsentRoundTripWithArraysAndJSON() {
	ctx := context.Background()
	subject, domain, policy := s.seedGraph(ctx)
	now := time.Now().UTC().Truncate(time.Microsecond)

	record := &consent.Consent{
		ID: "cns_1", SubjectID: subject.ID, DomainID: domain.ID, PolicyID: policy.ID,
		PurposeIDs: []string{"pur_a", "pur_b"},
		Status:     consent.StatusActive, IsActive: true, GivenAt: now,
		IPAddress: "203.0.113.9", UserAgent: "test",
		Metadata: map[string]any{"source": "banner", "attempt": float64(1)},
	}
	s.Require().NoError(s.registry.CreateConsent(ctx, record))

	got, err := s.registry.ListConsents(ctx, subject.ID, domain.ID, policy.ID)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal([]string{"pur_a", "pur_b"}, got[0].PurposeIDs)
	s.Equal(record.Metadata, got[0].Metadata)
	s.Equal(consent.StatusActive, got[0].Status)
}

func (s *PostgresRegistrySuite) TestListConsentsFiltersAndOrder() {
	ctx := context.Background()
	subject, domain, policy := s.seedGraph(ctx)
	base := time.Now().UTC().Truncate(time.Microsecond)

	mk := func(id string, givenAt time.Time) *consent.Consent {
		return &consent.Consent{
			ID: id, SubjectID: subject.ID, DomainID: domain.ID, PolicyID: policy.ID,
			Status: consent.StatusActive, GivenAt: givenAt,
		}
	}
	s.Require().NoError(s.registry.CreateConsent(ctx, mk("cns_old", base.Add(-time.Hour))))
	s.Require().NoError(s.registry.CreateConsent(ctx, mk("cns_new", base)))

	got, err := s.registry.ListConsents(ctx, subject.ID, "", "")
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("cns_new", got[0].ID)

	empty, err := s.registry.ListConsents(ctx, "sub_other", "", "")
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *PostgresRegistrySuite) TestRunInTxRollback() {
	ctx := context.Background()
	subject, domain, policy := s.seedGraph(ctx)
	now := time.Now().UTC().Truncate(time.Microsecond)
	boom := errors.New("force rollback")

	err := s.registry.RunInTx(ctx, func(tx consent.Registry) error {
		if err := tx.CreateConsent(ctx, &consent.Consent{
			ID: "cns_tx", SubjectID: subject.ID, DomainID: domain.ID, PolicyID: policy.ID,
			Status: consent.StatusActive, GivenAt: now,
		}); err != nil {
			return err
		}
		if err := tx.CreateRecord(ctx, &consent.Record{
			ID: "rec_tx", ConsentID: "cns_tx", SubjectID: subject.ID,
			ActionType: "consent.set", CreatedAt: now,
		}); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	got, listErr := s.registry.ListConsents(ctx, subject.ID, "", "")
	s.Require().NoError(listErr)
	s.Empty(got, "a failed transaction leaves no partial rows")
}

func (s *PostgresRegistrySuite) TestRunInTxCommit() {
	ctx := context.Background()
	subject, domain, policy := s.seedGraph(ctx)
	now := time.Now().UTC().Truncate(time.Microsecond)

	err := s.registry.RunInTx(ctx, func(tx consent.Registry) error {
		if err := tx.CreateConsent(ctx, &consent.Consent{
			ID: "cns_tx", SubjectID: subject.ID, DomainID: domain.ID, PolicyID: policy.ID,
			Status: consent.StatusActive, GivenAt: now,
		}); err != nil {
			return err
		}
		return tx.AppendAuditLog(ctx, &consent.AuditLog{
			ID: "log_tx", EntityType: "consent", EntityID: "cns_tx",
			ActionType: "consent.set", SubjectID: subject.ID, CreatedAt: now,
		})
	})
	s.Require().NoError(err)

	got, err := s.registry.ListConsents(ctx, subject.ID, "", "")
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *PostgresRegistrySuite) TestHealthAndStorageType() {
	s.Equal("postgres", s.registry.StorageType())
	s.NoError(s.registry.Health(context.Background()))
}
