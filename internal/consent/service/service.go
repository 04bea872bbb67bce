// Package service implements the consent operations: recording consent,
// verifying stored consent against requested purposes, and reporting storage
// health. Handlers own transport concerns; this package owns the pipelines.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"consentd/internal/audit"
	"consentd/internal/consent"
	"consentd/internal/platform/metrics"
	dErrors "consentd/pkg/domain-errors"
	"consentd/pkg/platform/sentinel"
	"consentd/pkg/requestcontext"
)

// Service runs the consent pipelines against a Registry.
type Service struct {
	registry consent.Registry
	auditor  *audit.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	version  string
	tracer   trace.Tracer
}

func New(registry consent.Registry, auditor *audit.Publisher, m *metrics.Metrics, logger *slog.Logger, version string) *Service {
	return &Service{
		registry: registry,
		auditor:  auditor,
		metrics:  m,
		logger:   logger,
		version:  version,
		tracer:   otel.Tracer("consentd/consent"),
	}
}

// SetConsentRequest is the decoded body of POST /consent/set. Cookie-banner
// consents carry per-purpose preferences; document consents may pin a policy.
type SetConsentRequest struct {
	Type              string          `json:"type"`
	Domain            string          `json:"domain"`
	SubjectID         string          `json:"subjectId,omitempty"`
	ExternalSubjectID string          `json:"externalSubjectId,omitempty"`
	PolicyID          string          `json:"policyId,omitempty"`
	Preferences       map[string]bool `json:"preferences,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
}

// Validate checks contract-level requirements and reports per-field problems
// in the error meta.
func (r *SetConsentRequest) Validate() *dErrors.Error {
	fields := map[string]any{}
	if r.Domain == "" {
		fields["domain"] = "domain is required"
	}
	if r.Type == "" {
		fields["type"] = "type is required"
	} else if !consent.Type(r.Type).Valid() {
		fields["type"] = fmt.Sprintf("unknown consent type %q", r.Type)
	}
	if consent.Type(r.Type) == consent.TypeCookieBanner && r.Preferences == nil {
		fields["preferences"] = "preferences are required for cookie_banner consent"
	}
	if len(fields) > 0 {
		return dErrors.New(dErrors.CodeValidation, "invalid consent request").WithMeta(fields)
	}
	return nil
}

type SetConsentResponse struct {
	ID                string         `json:"id"`
	SubjectID         string         `json:"subjectId"`
	ExternalSubjectID string         `json:"externalSubjectId,omitempty"`
	DomainID          string         `json:"domainId"`
	Domain            string         `json:"domain"`
	Type              string         `json:"type"`
	Status            string         `json:"status"`
	RecordID          string         `json:"recordId"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	GivenAt           time.Time      `json:"givenAt"`
}

// SetConsent records a consent decision. The pipeline resolves subject,
// domain, policy, and purposes in order, then writes the consent, its record,
// and the audit-log row in one transaction. Any step's failure aborts the
// whole operation; no partial rows are left behind.
func (s *Service) SetConsent(ctx context.Context, req *SetConsentRequest) (*SetConsentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "consent.set", trace.WithAttributes(
		attribute.String("consent.type", req.Type),
		attribute.String("consent.domain", req.Domain),
	))
	defer span.End()

	now := requestcontext.Now(ctx)
	clientIP := requestcontext.ClientIP(ctx)
	userAgent := requestcontext.UserAgent(ctx)

	subject, err := s.resolveSubject(ctx, req.SubjectID, req.ExternalSubjectID, clientIP, now)
	if err != nil {
		return nil, err
	}
	domain, err := s.resolveDomain(ctx, req.Domain, now)
	if err != nil {
		return nil, err
	}
	policy, err := s.resolvePolicy(ctx, req.PolicyID, consent.Type(req.Type), now)
	if err != nil {
		return nil, err
	}
	purposeIDs, err := s.resolvePurposes(ctx, consent.Type(req.Type), req.Preferences, now)
	if err != nil {
		return nil, err
	}

	record := &consent.Consent{
		ID:         consent.NewID(consent.PrefixConsent),
		SubjectID:  subject.ID,
		DomainID:   domain.ID,
		PolicyID:   policy.ID,
		PurposeIDs: purposeIDs,
		Status:     consent.StatusActive,
		IsActive:   true,
		GivenAt:    now,
		IPAddress:  clientIP,
		UserAgent:  userAgent,
		Metadata:   req.Metadata,
	}
	receipt := &consent.Record{
		ID:         consent.NewID(consent.PrefixRecord),
		ConsentID:  record.ID,
		SubjectID:  subject.ID,
		ActionType: audit.ActionConsentSet,
		Details: map[string]any{
			"policyId":   policy.ID,
			"purposeIds": purposeIDs,
		},
		CreatedAt: now,
	}
	trail := &consent.AuditLog{
		ID:         consent.NewID(consent.PrefixAudit),
		EntityType: "consent",
		EntityID:   record.ID,
		ActionType: audit.ActionConsentSet,
		SubjectID:  subject.ID,
		IPAddress:  clientIP,
		UserAgent:  userAgent,
		Device:     audit.DeviceSummary(userAgent),
		Changes: map[string]any{
			"status":     string(record.Status),
			"purposeIds": purposeIDs,
		},
		CreatedAt: now,
	}

	err = s.registry.RunInTx(ctx, func(tx consent.Registry) error {
		if err := tx.CreateConsent(ctx, record); err != nil {
			return err
		}
		if err := tx.CreateRecord(ctx, receipt); err != nil {
			return err
		}
		return tx.AppendAuditLog(ctx, trail)
	})
	if err != nil {
		if dErrors.From(err) != nil {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record consent")
	}

	if s.metrics != nil {
		s.metrics.ConsentsRecorded.Inc()
	}
	s.auditor.Emit(ctx, audit.Event{
		Action:    audit.ActionConsentSet,
		EntityID:  record.ID,
		SubjectID: subject.ID,
		DomainID:  domain.ID,
		IPAddress: clientIP,
		UserAgent: userAgent,
		Device:    trail.Device,
		Outcome:   "recorded",
		Details:   map[string]any{"type": req.Type, "policyId": policy.ID},
	})
	s.logger.InfoContext(ctx, "consent recorded",
		"consent_id", record.ID,
		"subject_id", subject.ID,
		"domain", domain.Name,
		"type", req.Type,
	)
	span.SetAttributes(attribute.String("consent.id", record.ID))

	return &SetConsentResponse{
		ID:                record.ID,
		SubjectID:         subject.ID,
		ExternalSubjectID: subject.ExternalID,
		DomainID:          domain.ID,
		Domain:            domain.Name,
		Type:              req.Type,
		Status:            string(record.Status),
		RecordID:          receipt.ID,
		Metadata:          req.Metadata,
		GivenAt:           now,
	}, nil
}

// resolveSubject finds or creates the consenting party. When both identifiers
// are supplied they must point at the same row; an anonymous subject is only
// created when a client IP is available to tie the consent to something.
func (s *Service) resolveSubject(ctx context.Context, subjectID, externalID, clientIP string, now time.Time) (*consent.Subject, error) {
	switch {
	case subjectID != "":
		subject, err := s.registry.GetSubject(ctx, subjectID)
		if errors.Is(err, sentinel.ErrNotFound) {
			subject = &consent.Subject{
				ID:           subjectID,
				ExternalID:   externalID,
				IsIdentified: externalID != "",
				CreatedAt:    now,
			}
			if err := s.registry.CreateSubject(ctx, subject); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create subject")
			}
			return subject, nil
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve subject")
		}
		if externalID != "" && subject.ExternalID != externalID {
			return nil, dErrors.New(dErrors.CodeBadRequest, "subjectId and externalSubjectId refer to different subjects")
		}
		return subject, nil

	case externalID != "":
		subject, err := s.registry.GetSubjectByExternalID(ctx, externalID)
		if errors.Is(err, sentinel.ErrNotFound) {
			subject = &consent.Subject{
				ID:           consent.NewID(consent.PrefixSubject),
				ExternalID:   externalID,
				IsIdentified: true,
				CreatedAt:    now,
			}
			if err := s.registry.CreateSubject(ctx, subject); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create subject")
			}
			return subject, nil
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve subject")
		}
		return subject, nil

	case clientIP != "":
		subject := &consent.Subject{
			ID:        consent.NewID(consent.PrefixSubject),
			CreatedAt: now,
		}
		if err := s.registry.CreateSubject(ctx, subject); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create subject")
		}
		return subject, nil

	default:
		return nil, dErrors.New(dErrors.CodeBadRequest, "could not resolve subject: no identifier or client address available")
	}
}

func (s *Service) resolveDomain(ctx context.Context, name string, now time.Time) (*consent.Domain, error) {
	domain, err := s.registry.GetDomain(ctx, name)
	if errors.Is(err, sentinel.ErrNotFound) {
		domain = &consent.Domain{
			ID:        consent.NewID(consent.PrefixDomain),
			Name:      name,
			CreatedAt: now,
		}
		if err := s.registry.CreateDomain(ctx, domain); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create domain")
		}
		return domain, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve domain")
	}
	return domain, nil
}

// resolvePolicy pins an explicit policy or finds-or-creates the latest active
// one for the consent type. An explicit id must exist and be active.
func (s *Service) resolvePolicy(ctx context.Context, policyID string, t consent.Type, now time.Time) (*consent.Policy, error) {
	if policyID != "" {
		policy, err := s.registry.GetPolicy(ctx, policyID)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "policy %s not found", policyID)
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve policy")
		}
		if !policy.IsActive {
			return nil, dErrors.Newf(dErrors.CodeConflict, "policy %s is not active", policyID)
		}
		return policy, nil
	}

	policy, err := s.registry.GetLatestPolicy(ctx, t)
	if errors.Is(err, sentinel.ErrNotFound) {
		policy = &consent.Policy{
			ID:            consent.NewID(consent.PrefixPolicy),
			Type:          t,
			Version:       "1.0",
			Name:          fmt.Sprintf("%s policy", t),
			IsActive:      true,
			EffectiveDate: now,
			CreatedAt:     now,
		}
		if err := s.registry.CreatePolicy(ctx, policy); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create policy")
		}
		return policy, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve policy")
	}
	return policy, nil
}

// resolvePurposes maps granted cookie-banner preferences to purpose ids,
// auto-creating unknown codes as non-essential consent-based purposes. Codes
// are processed in sorted order so repeated requests create ids
// deterministically ordered.
func (s *Service) resolvePurposes(ctx context.Context, t consent.Type, preferences map[string]bool, now time.Time) ([]string, error) {
	if t != consent.TypeCookieBanner || len(preferences) == 0 {
		return nil, nil
	}
	codes := make([]string, 0, len(preferences))
	for code, granted := range preferences {
		if granted {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)

	purposeIDs := make([]string, 0, len(codes))
	for _, code := range codes {
		purpose, err := s.registry.GetPurposeByCode(ctx, code)
		if errors.Is(err, sentinel.ErrNotFound) {
			purpose = &consent.Purpose{
				ID:           consent.NewID(consent.PrefixPurpose),
				Code:         code,
				Name:         code,
				IsEssential:  false,
				DataCategory: "functional",
				LegalBasis:   "consent",
				CreatedAt:    now,
			}
			if err := s.registry.CreatePurpose(ctx, purpose); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create purpose")
			}
		} else if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve purpose")
		}
		purposeIDs = append(purposeIDs, purpose.ID)
	}
	return purposeIDs, nil
}

// VerifyConsentRequest is the decoded body of POST /consent/verify.
// Preferences carry purpose codes the caller requires consent for.
type VerifyConsentRequest struct {
	SubjectID         string   `json:"subjectId,omitempty"`
	ExternalSubjectID string   `json:"externalSubjectId,omitempty"`
	Domain            string   `json:"domain"`
	Type              string   `json:"type"`
	PolicyID          string   `json:"policyId,omitempty"`
	Preferences       []string `json:"preferences,omitempty"`
}

func (r *VerifyConsentRequest) Validate() *dErrors.Error {
	fields := map[string]any{}
	if r.Domain == "" {
		fields["domain"] = "domain is required"
	}
	if r.Type == "" {
		fields["type"] = "type is required"
	} else if !consent.Type(r.Type).Valid() {
		fields["type"] = fmt.Sprintf("unknown consent type %q", r.Type)
	}
	if len(fields) > 0 {
		return dErrors.New(dErrors.CodeValidation, "invalid verify request").WithMeta(fields)
	}
	return nil
}

// VerifiedConsent is the consent payload echoed for a valid verification.
type VerifiedConsent struct {
	ID         string    `json:"id"`
	SubjectID  string    `json:"subjectId"`
	DomainID   string    `json:"domainId"`
	PolicyID   string    `json:"policyId"`
	PurposeIDs []string  `json:"purposeIds"`
	Status     string    `json:"status"`
	GivenAt    time.Time `json:"givenAt"`
}

type VerifyConsentResponse struct {
	IsValid bool             `json:"isValid"`
	Reasons []string         `json:"reasons,omitempty"`
	Consent *VerifiedConsent `json:"consent,omitempty"`
}

// VerifyConsent checks whether a valid consent exists for the given subject,
// domain, and purposes. Expected business failures come back as structured
// invalidity with reasons rather than errors; only infrastructure failures
// return an error. An audit-log entry is written for every attempt, valid or
// not.
func (s *Service) VerifyConsent(ctx context.Context, req *VerifyConsentRequest) (*VerifyConsentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "consent.verify", trace.WithAttributes(
		attribute.String("consent.type", req.Type),
		attribute.String("consent.domain", req.Domain),
	))
	defer span.End()

	subject, reason, err := s.lookupSubject(ctx, req.SubjectID, req.ExternalSubjectID)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return s.invalid(ctx, req, "", reason)
	}

	domain, err := s.registry.GetDomain(ctx, req.Domain)
	if errors.Is(err, sentinel.ErrNotFound) {
		return s.invalid(ctx, req, subject.ID, "Domain not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve domain")
	}

	if consent.Type(req.Type) == consent.TypeCookieBanner && len(req.Preferences) == 0 {
		return s.invalid(ctx, req, subject.ID, "Preferences are required")
	}

	purposeIDs := make([]string, 0, len(req.Preferences))
	for _, code := range req.Preferences {
		purpose, err := s.registry.GetPurposeByCode(ctx, code)
		if errors.Is(err, sentinel.ErrNotFound) {
			return s.invalid(ctx, req, subject.ID, "Could not find all purposes")
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve purpose")
		}
		purposeIDs = append(purposeIDs, purpose.ID)
	}

	policy, reason, err := s.lookupPolicy(ctx, req.PolicyID, consent.Type(req.Type))
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return s.invalid(ctx, req, subject.ID, reason)
	}

	consents, err := s.registry.ListConsents(ctx, subject.ID, domain.ID, policy.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list consents")
	}

	filtered := consents
	if len(purposeIDs) > 0 {
		filtered = nil
		for _, c := range consents {
			if c.HasPurposes(purposeIDs) {
				filtered = append(filtered, c)
			}
		}
	}

	// TODO: isValid tracks raw consent existence, not the purpose-filtered
	// set; confirm with product before tightening, since clients may depend
	// on the current contract.
	isValid := len(consents) > 0

	resp := &VerifyConsentResponse{IsValid: isValid}
	if !isValid {
		resp.Reasons = []string{"No consent found"}
	}
	if len(filtered) > 0 {
		first := filtered[0]
		resp.Consent = &VerifiedConsent{
			ID:         first.ID,
			SubjectID:  first.SubjectID,
			DomainID:   first.DomainID,
			PolicyID:   first.PolicyID,
			PurposeIDs: first.PurposeIDs,
			Status:     string(first.Status),
			GivenAt:    first.GivenAt,
		}
	}

	s.recordVerification(ctx, req, subject.ID, isValid, resp.Reasons)
	span.SetAttributes(attribute.Bool("consent.valid", isValid))
	return resp, nil
}

// lookupSubject resolves a subject without creating one. A missing subject is
// an expected outcome reported as a reason, not an error.
func (s *Service) lookupSubject(ctx context.Context, subjectID, externalID string) (*consent.Subject, string, error) {
	var (
		subject *consent.Subject
		err     error
	)
	switch {
	case subjectID != "":
		subject, err = s.registry.GetSubject(ctx, subjectID)
	case externalID != "":
		subject, err = s.registry.GetSubjectByExternalID(ctx, externalID)
	default:
		return nil, "Subject not found", nil
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, "Subject not found", nil
	}
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve subject")
	}
	return subject, "", nil
}

func (s *Service) lookupPolicy(ctx context.Context, policyID string, t consent.Type) (*consent.Policy, string, error) {
	if policyID != "" {
		policy, err := s.registry.GetPolicy(ctx, policyID)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, "Policy not found", nil
		}
		if err != nil {
			return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve policy")
		}
		if policy.Type != t {
			return nil, "Policy does not match consent type", nil
		}
		return policy, "", nil
	}
	policy, err := s.registry.GetLatestPolicy(ctx, t)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, "Policy not found", nil
	}
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve policy")
	}
	return policy, "", nil
}

// invalid builds the structured-invalidity response and records the attempt.
func (s *Service) invalid(ctx context.Context, req *VerifyConsentRequest, subjectID string, reasons ...string) (*VerifyConsentResponse, error) {
	s.recordVerification(ctx, req, subjectID, false, reasons)
	return &VerifyConsentResponse{IsValid: false, Reasons: reasons}, nil
}

// recordVerification appends the audit-log row for a verification attempt.
// The write is independent of the read path; a failure here is logged but
// does not change the verification outcome.
func (s *Service) recordVerification(ctx context.Context, req *VerifyConsentRequest, subjectID string, isValid bool, reasons []string) {
	now := requestcontext.Now(ctx)
	clientIP := requestcontext.ClientIP(ctx)
	userAgent := requestcontext.UserAgent(ctx)

	changes := map[string]any{
		"isValid": isValid,
		"domain":  req.Domain,
		"type":    req.Type,
	}
	if len(reasons) > 0 {
		changes["reasons"] = reasons
	}
	entry := &consent.AuditLog{
		ID:         consent.NewID(consent.PrefixAudit),
		EntityType: "consent",
		ActionType: audit.ActionConsentVerify,
		SubjectID:  subjectID,
		IPAddress:  clientIP,
		UserAgent:  userAgent,
		Device:     audit.DeviceSummary(userAgent),
		Changes:    changes,
		CreatedAt:  now,
	}
	if err := s.registry.AppendAuditLog(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to write verification audit log", "error", err)
	}

	outcome := "invalid"
	if isValid {
		outcome = "valid"
	}
	if s.metrics != nil {
		s.metrics.VerifyOutcomes.WithLabelValues(fmt.Sprintf("%t", isValid)).Inc()
	}
	s.auditor.Emit(ctx, audit.Event{
		Action:    audit.ActionConsentVerify,
		SubjectID: subjectID,
		IPAddress: clientIP,
		UserAgent: userAgent,
		Outcome:   outcome,
		Details:   changes,
	})
}

// StorageStatus describes the registry backing the service.
type StorageStatus struct {
	Type      string `json:"type"`
	Available bool   `json:"available"`
}

type StatusResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Timestamp time.Time     `json:"timestamp"`
	Storage   StorageStatus `json:"storage"`
}

// Status reports service health including storage reachability.
func (s *Service) Status(ctx context.Context) *StatusResponse {
	storage := StorageStatus{Type: s.registry.StorageType(), Available: true}
	status := "ok"
	if err := s.registry.Health(ctx); err != nil {
		s.logger.WarnContext(ctx, "storage health check failed", "error", err)
		storage.Available = false
		status = "error"
	}
	return &StatusResponse{
		Status:    status,
		Version:   s.version,
		Timestamp: requestcontext.Now(ctx),
		Storage:   storage,
	}
}
