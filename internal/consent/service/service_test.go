package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentd/internal/audit"
	"consentd/internal/consent"
	"consentd/internal/consent/store"
	dErrors "consentd/pkg/domain-errors"
	"consentd/pkg/requestcontext"
)

func newTestService(t *testing.T) (*Service, *store.MemoryRegistry) {
	t.Helper()
	registry := store.NewMemoryRegistry()
	logger := slog.New(slog.DiscardHandler)
	publisher := audit.NewPublisher(64, logger)
	return New(registry, publisher, nil, logger, "test"), registry
}

func testCtx() context.Context {
	ctx := requestcontext.WithClientMetadata(context.Background(), "203.0.113.9", "Mozilla/5.0 test")
	return requestcontext.WithTime(ctx, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
}

func TestSetConsent_CookieBanner(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := testCtx()

	resp, err := svc.SetConsent(ctx, &SetConsentRequest{
		Type:        string(consent.TypeCookieBanner),
		Domain:      "example.com",
		Preferences: map[string]bool{"functional": true, "marketing": false},
		Metadata:    map[string]any{"source": "banner"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.ID)
	assert.NotEmpty(t, resp.SubjectID)
	assert.NotEmpty(t, resp.RecordID)
	assert.Equal(t, "example.com", resp.Domain)
	assert.Equal(t, string(consent.StatusActive), resp.Status)
	assert.Equal(t, map[string]any{"source": "banner"}, resp.Metadata)

	consents, err := registry.ListConsents(ctx, resp.SubjectID, "", "")
	require.NoError(t, err)
	require.Len(t, consents, 1)
	assert.Len(t, consents[0].PurposeIDs, 1, "only granted preferences become purposes")
	assert.Equal(t, "203.0.113.9", consents[0].IPAddress)

	// The declined purpose code was never created.
	_, err = registry.GetPurposeByCode(ctx, "functional")
	require.NoError(t, err)
	_, err = registry.GetPurposeByCode(ctx, "marketing")
	assert.Error(t, err)

	require.Len(t, registry.Records(), 1)
	require.Len(t, registry.AuditLogs(), 1)
	assert.Equal(t, resp.ID, registry.AuditLogs()[0].EntityID)
}

func TestSetConsent_IdempotentPolicyResolution(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := testCtx()

	req := &SetConsentRequest{
		Type:        string(consent.TypeCookieBanner),
		Domain:      "example.com",
		Preferences: map[string]bool{"functional": true},
	}
	first, err := svc.SetConsent(ctx, req)
	require.NoError(t, err)
	second, err := svc.SetConsent(ctx, req)
	require.NoError(t, err)

	consents, err := registry.ListConsents(ctx, "", "", "")
	require.NoError(t, err)
	require.Len(t, consents, 2)
	assert.Equal(t, consents[0].PolicyID, consents[1].PolicyID,
		"the second call reuses the policy created by the first")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSetConsent_SubjectIdentityMismatch(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := testCtx()

	require.NoError(t, registry.CreateSubject(ctx, &consent.Subject{
		ID:           "sub_fixed",
		ExternalID:   "crm-123",
		IsIdentified: true,
	}))

	_, err := svc.SetConsent(ctx, &SetConsentRequest{
		Type:              string(consent.TypePrivacyPolicy),
		Domain:            "example.com",
		SubjectID:         "sub_fixed",
		ExternalSubjectID: "crm-OTHER",
	})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeBadRequest, dErrors.CodeOf(err))

	// Matching identifiers resolve fine.
	_, err = svc.SetConsent(ctx, &SetConsentRequest{
		Type:              string(consent.TypePrivacyPolicy),
		Domain:            "example.com",
		SubjectID:         "sub_fixed",
		ExternalSubjectID: "crm-123",
	})
	assert.NoError(t, err)
}

func TestSetConsent_ExternalSubjectFindOrCreate(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := testCtx()

	first, err := svc.SetConsent(ctx, &SetConsentRequest{
		Type:              string(consent.TypeTermsAndConditions),
		Domain:            "example.com",
		ExternalSubjectID: "crm-42",
	})
	require.NoError(t, err)
	second, err := svc.SetConsent(ctx, &SetConsentRequest{
		Type:              string(consent.TypeTermsAndConditions),
		Domain:            "example.com",
		ExternalSubjectID: "crm-42",
	})
	require.NoError(t, err)
	assert.Equal(t, first.SubjectID, second.SubjectID)

	subject, err := registry.GetSubjectByExternalID(ctx, "crm-42")
	require.NoError(t, err)
	assert.True(t, subject.IsIdentified)
}

func TestSetConsent_AnonymousNeedsClientAddress(t *testing.T) {
	svc, _ := newTestService(t)

	// No identifiers and no client IP: nothing to tie the consent to.
	bare := requestcontext.WithTime(context.Background(), time.Now())
	_, err := svc.SetConsent(bare, &SetConsentRequest{
		Type:   string(consent.TypeOther),
		Domain: "example.com",
	})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeBadRequest, dErrors.CodeOf(err))

	// With a client IP an anonymous subject is created.
	resp, err := svc.SetConsent(testCtx(), &SetConsentRequest{
		Type:   string(consent.TypeOther),
		Domain: "example.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SubjectID)
}

func TestSetConsent_ExplicitPolicy(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := testCtx()

	_, err := svc.SetConsent(ctx, &SetConsentRequest{
		Type:     string(consent.TypePrivacyPolicy),
		Domain:   "example.com",
		PolicyID: "pol_missing",
	})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeNotFound, dErrors.CodeOf(err))

	require.NoError(t, registry.CreatePolicy(ctx, &consent.Policy{
		ID:       "pol_retired",
		Type:     consent.TypePrivacyPolicy,
		Version:  "0.9",
		IsActive: false,
	}))
	_, err = svc.SetConsent(ctx, &SetConsentRequest{
		Type:     string(consent.TypePrivacyPolicy),
		Domain:   "example.com",
		PolicyID: "pol_retired",
	})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeConflict, dErrors.CodeOf(err))
}

// auditFailingRegistry forces the audit-log write inside a transaction to
// fail so atomicity can be observed from outside.
type auditFailingRegistry struct {
	consent.Registry
}

type auditFailingTx struct {
	consent.Registry
}

func (r *auditFailingRegistry) RunInTx(ctx context.Context, fn func(consent.Registry) error) error {
	return r.Registry.RunInTx(ctx, func(tx consent.Registry) error {
		return fn(&auditFailingTx{Registry: tx})
	})
}

func (t *auditFailingTx) AppendAuditLog(context.Context, *consent.AuditLog) error {
	return errors.New("audit write refused")
}

func TestSetConsent_TransactionalAtomicity(t *testing.T) {
	registry := store.NewMemoryRegistry()
	logger := slog.New(slog.DiscardHandler)
	publisher := audit.NewPublisher(64, logger)
	svc := New(&auditFailingRegistry{Registry: registry}, publisher, nil, logger, "test")
	ctx := testCtx()

	_, err := svc.SetConsent(ctx, &SetConsentRequest{
		Type:        string(consent.TypeCookieBanner),
		Domain:      "example.com",
		Preferences: map[string]bool{"functional": true},
	})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeInternal, dErrors.CodeOf(err))

	// The failed transaction left no partial rows behind.
	consents, listErr := registry.ListConsents(ctx, "", "", "")
	require.NoError(t, listErr)
	assert.Empty(t, consents)
	assert.Empty(t, registry.Records())
	assert.Empty(t, registry.AuditLogs())
}

func seedConsent(t *testing.T, svc *Service, ctx context.Context, preferences map[string]bool) *SetConsentResponse {
	t.Helper()
	resp, err := svc.SetConsent(ctx, &SetConsentRequest{
		Type:        string(consent.TypeCookieBanner),
		Domain:      "example.com",
		Preferences: preferences,
	})
	require.NoError(t, err)
	return resp
}

func TestVerifyConsent_StructuredInvalidity(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := testCtx()

	t.Run("subject not found", func(t *testing.T) {
		resp, err := svc.VerifyConsent(ctx, &VerifyConsentRequest{
			SubjectID: "sub_nobody",
			Domain:    "example.com",
			Type:      string(consent.TypeCookieBanner),
		})
		require.NoError(t, err, "expected business failures never throw")
		assert.False(t, resp.IsValid)
		assert.Equal(t, []string{"Subject not found"}, resp.Reasons)
	})

	seeded := seedConsent(t, svc, ctx, map[string]bool{"functional": true})

	t.Run("domain not found", func(t *testing.T) {
		resp, err := svc.VerifyConsent(ctx, &VerifyConsentRequest{
			SubjectID: seeded.SubjectID,
			Domain:    "other.example",
			Type:      string(consent.TypeCookieBanner),
		})
		require.NoError(t, err)
		assert.False(t, resp.IsValid)
		assert.Equal(t, []string{"Domain not found"}, resp.Reasons)
	})

	t.Run("cookie banner requires preferences", func(t *testing.T) {
		resp, err := svc.VerifyConsent(ctx, &VerifyConsentRequest{
			SubjectID: seeded.SubjectID,
			Domain:    "example.com",
			Type:      string(consent.TypeCookieBanner),
		})
		require.NoError(t, err)
		assert.False(t, resp.IsValid)
		assert.Equal(t, []string{"Preferences are required"}, resp.Reasons)
	})

	t.Run("unknown purpose code", func(t *testing.T) {
		resp, err := svc.VerifyConsent(ctx, &VerifyConsentRequest{
			SubjectID:   seeded.SubjectID,
			Domain:      "example.com",
			Type:        string(consent.TypeCookieBanner),
			Preferences: []string{"functional", "never-created"},
		})
		require.NoError(t, err)
		assert.False(t, resp.IsValid)
		assert.Equal(t, []string{"Could not find all purposes"}, resp.Reasons)
	})

	// Every attempt above wrote its own audit-log row: one from the seeding
	// set call plus four verifications.
	assert.Len(t, registry.AuditLogs(), 5)
}

func TestVerifyConsent_Valid(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := testCtx()
	seeded := seedConsent(t, svc, ctx, map[string]bool{"functional": true, "analytics": true})

	resp, err := svc.VerifyConsent(ctx, &VerifyConsentRequest{
		SubjectID:   seeded.SubjectID,
		Domain:      "example.com",
		Type:        string(consent.TypeCookieBanner),
		Preferences: []string{"functional"},
	})
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Empty(t, resp.Reasons)
	require.NotNil(t, resp.Consent)
	assert.Equal(t, seeded.ID, resp.Consent.ID)
	assert.Len(t, resp.Consent.PurposeIDs, 2)
}

func TestVerifyConsent_PurposeSupersetFilter(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := testCtx()

	// Stored consent grants only "functional"; "analytics" exists as a
	// purpose but was never granted.
	seeded := seedConsent(t, svc, ctx, map[string]bool{"functional": true})
	require.NoError(t, registry.CreatePurpose(ctx, &consent.Purpose{
		ID:   "pur_analytics",
		Code: "analytics",
	}))

	resp, err := svc.VerifyConsent(ctx, &VerifyConsentRequest{
		SubjectID:   seeded.SubjectID,
		Domain:      "example.com",
		Type:        string(consent.TypeCookieBanner),
		Preferences: []string{"functional", "analytics"},
	})
	require.NoError(t, err)

	// The purpose filter excludes the stored consent, so no consent payload
	// is returned; isValid still reports true because a consent row exists
	// at all. Documented contract, not a bug in this test.
	assert.Nil(t, resp.Consent, "consent without the full purpose set is filtered out")
	assert.True(t, resp.IsValid, "validity tracks raw existence")
}

func TestVerifyConsent_NoConsentFound(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := testCtx()

	require.NoError(t, registry.CreateSubject(ctx, &consent.Subject{ID: "sub_empty"}))
	require.NoError(t, registry.CreateDomain(ctx, &consent.Domain{ID: "dom_1", Name: "example.com"}))
	require.NoError(t, registry.CreatePolicy(ctx, &consent.Policy{
		ID:       "pol_1",
		Type:     consent.TypeMarketingCommunications,
		IsActive: true,
	}))

	resp, err := svc.VerifyConsent(ctx, &VerifyConsentRequest{
		SubjectID: "sub_empty",
		Domain:    "example.com",
		Type:      string(consent.TypeMarketingCommunications),
	})
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, []string{"No consent found"}, resp.Reasons)
}

func TestVerifyConsent_MostRecentFirst(t *testing.T) {
	svc, _ := newTestService(t)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	ctxOld := requestcontext.WithTime(
		requestcontext.WithClientMetadata(context.Background(), "203.0.113.9", "test"), base)
	ctxNew := requestcontext.WithTime(
		requestcontext.WithClientMetadata(context.Background(), "203.0.113.9", "test"), base.Add(time.Hour))

	first := seedConsent(t, svc, ctxOld, map[string]bool{"functional": true})
	second, err := svc.SetConsent(ctxNew, &SetConsentRequest{
		Type:        string(consent.TypeCookieBanner),
		Domain:      "example.com",
		SubjectID:   first.SubjectID,
		Preferences: map[string]bool{"functional": true},
	})
	require.NoError(t, err)

	resp, err := svc.VerifyConsent(ctxNew, &VerifyConsentRequest{
		SubjectID:   first.SubjectID,
		Domain:      "example.com",
		Type:        string(consent.TypeCookieBanner),
		Preferences: []string{"functional"},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Consent)
	assert.Equal(t, second.ID, resp.Consent.ID, "the newest matching consent is returned")
}

func TestStatus(t *testing.T) {
	svc, _ := newTestService(t)

	status := svc.Status(testCtx())
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, "memory", status.Storage.Type)
	assert.True(t, status.Storage.Available)
}

func TestRequestValidation(t *testing.T) {
	t.Run("set consent", func(t *testing.T) {
		de := (&SetConsentRequest{}).Validate()
		require.NotNil(t, de)
		assert.Equal(t, dErrors.CodeValidation, de.Code)
		assert.Contains(t, de.Meta, "domain")
		assert.Contains(t, de.Meta, "type")

		de = (&SetConsentRequest{Type: "cookie_banner", Domain: "example.com"}).Validate()
		require.NotNil(t, de)
		assert.Contains(t, de.Meta, "preferences")

		assert.Nil(t, (&SetConsentRequest{
			Type:        "cookie_banner",
			Domain:      "example.com",
			Preferences: map[string]bool{},
		}).Validate())
	})

	t.Run("verify consent", func(t *testing.T) {
		de := (&VerifyConsentRequest{Type: "bogus"}).Validate()
		require.NotNil(t, de)
		assert.Contains(t, de.Meta, "domain")
		assert.Contains(t, de.Meta, "type")

		assert.Nil(t, (&VerifyConsentRequest{Type: "cookie_banner", Domain: "example.com"}).Validate())
	})
}
