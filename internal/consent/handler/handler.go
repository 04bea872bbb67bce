// Package handler exposes the consent operations as API endpoints. It owns
// request decoding and contract validation; pipeline logic lives in the
// service.
package handler

import (
	"context"
	"encoding/json"

	"consentd/internal/api"
	"consentd/internal/consent/service"
	"consentd/internal/jurisdiction"
	"consentd/internal/platform/metrics"
	dErrors "consentd/pkg/domain-errors"
)

//go:generate mockgen -source=handler.go -destination=mocks/mock_service.go -package=mocks

// Service is the consumer-side contract this handler needs.
type Service interface {
	SetConsent(ctx context.Context, req *service.SetConsentRequest) (*service.SetConsentResponse, error)
	VerifyConsent(ctx context.Context, req *service.VerifyConsentRequest) (*service.VerifyConsentResponse, error)
	Status(ctx context.Context) *service.StatusResponse
}

type Handler struct {
	service Service
	metrics *metrics.Metrics
}

func New(svc Service, m *metrics.Metrics) *Handler {
	return &Handler{service: svc, metrics: m}
}

// Endpoints returns the consent API surface keyed by endpoint name.
func (h *Handler) Endpoints() map[string]api.Endpoint {
	return map[string]api.Endpoint{
		"setConsent":        {Method: "POST", Path: "/consent/set", Handler: h.setConsent},
		"verifyConsent":     {Method: "POST", Path: "/consent/verify", Handler: h.verifyConsent},
		"showConsentBanner": {Method: "GET", Path: "/show-consent-banner", Handler: h.showConsentBanner},
		"status":            {Method: "GET", Path: "/status", Handler: h.status},
	}
}

func (h *Handler) setConsent(ctx context.Context, rc *api.RequestContext) (*api.Response, error) {
	var req service.SetConsentRequest
	if err := decodeBody(rc.Body, &req); err != nil {
		return nil, err
	}
	if de := req.Validate(); de != nil {
		return nil, de
	}
	resp, err := h.service.SetConsent(ctx, &req)
	if err != nil {
		return nil, err
	}
	return &api.Response{Body: resp}, nil
}

func (h *Handler) verifyConsent(ctx context.Context, rc *api.RequestContext) (*api.Response, error) {
	var req service.VerifyConsentRequest
	if err := decodeBody(rc.Body, &req); err != nil {
		return nil, err
	}
	if de := req.Validate(); de != nil {
		return nil, de
	}
	resp, err := h.service.VerifyConsent(ctx, &req)
	if err != nil {
		return nil, err
	}
	return &api.Response{Body: resp}, nil
}

func (h *Handler) showConsentBanner(_ context.Context, rc *api.RequestContext) (*api.Response, error) {
	decision := jurisdiction.Decide(rc.Headers)
	if h.metrics != nil {
		h.metrics.BannerDecisions.WithLabelValues(string(decision.Jurisdiction.Code)).Inc()
	}
	return &api.Response{Body: decision}, nil
}

func (h *Handler) status(ctx context.Context, _ *api.RequestContext) (*api.Response, error) {
	return &api.Response{Body: h.service.Status(ctx)}, nil
}

func decodeBody(body []byte, dst any) error {
	if len(body) == 0 {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed JSON body")
	}
	return nil
}
