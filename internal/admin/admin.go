// Package admin contributes the operator API as a router plugin: a token
// endpoint guarded by the shared admin secret and consent-inspection
// endpoints guarded by a bearer-token hook.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"consentd/internal/api"
	"consentd/internal/consent"
	dErrors "consentd/pkg/domain-errors"
	"consentd/pkg/requestcontext"
)

const tokenTTL = time.Hour

// Identity is the session attached to authenticated admin requests.
type Identity struct {
	Subject   string
	ExpiresAt time.Time
}

// Plugin holds the operator API's dependencies.
type Plugin struct {
	secretHash []byte
	jwtKey     []byte
	registry   consent.Registry
	logger     *slog.Logger
}

// New builds the admin plugin. secretHash is a bcrypt hash of the shared
// admin secret; jwtKey signs issued tokens.
func New(secretHash, jwtKey []byte, registry consent.Registry, logger *slog.Logger) *Plugin {
	return &Plugin{
		secretHash: secretHash,
		jwtKey:     jwtKey,
		registry:   registry,
		logger:     logger,
	}
}

// APIPlugin returns the router plugin contributing the admin endpoints.
func (p *Plugin) APIPlugin() api.Plugin {
	return api.Plugin{
		ID: "admin",
		Endpoints: map[string]api.Endpoint{
			"adminToken":        {Method: "POST", Path: "/admin/token", Handler: p.issueToken},
			"adminListConsents": {Method: "GET", Path: "/admin/consents", Handler: p.listConsents},
		},
		Middlewares: []api.PluginMiddleware{
			{Path: "/admin/consents", Middleware: noStore},
		},
	}
}

// AuthHook guards every admin path except the token endpoint. A valid bearer
// token attaches the admin identity as the session; anything else
// short-circuits with a 401 envelope before the handler runs.
func (p *Plugin) AuthHook() api.BeforeHook {
	return api.BeforeHook{
		Matcher: func(rc *api.RequestContext) bool {
			return strings.HasPrefix(rc.Path, "/admin") && rc.Path != "/admin/token"
		},
		Handler: func(ctx context.Context, rc *api.RequestContext) (*api.HookResult, error) {
			identity, err := p.authenticate(rc.Headers.Get("Authorization"))
			if err != nil {
				p.logger.WarnContext(ctx, "admin authentication failed",
					"path", rc.Path,
					"error", err.Error(),
				)
				return api.Respond(api.ErrorResponse(
					dErrors.New(dErrors.CodeUnauthorized, "invalid or missing admin token"),
				)), nil
			}
			return api.Continue(&api.ContextPatch{Session: identity}), nil
		},
	}
}

func (p *Plugin) authenticate(header string) (*Identity, error) {
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "missing bearer token")
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, dErrors.Newf(dErrors.CodeUnauthorized, "unexpected signing method %v", t.Header["alg"])
		}
		return p.jwtKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "token rejected")
	}
	subject, _ := token.Claims.GetSubject()
	expires, _ := token.Claims.GetExpirationTime()
	identity := &Identity{Subject: subject}
	if expires != nil {
		identity.ExpiresAt = expires.Time
	}
	return identity, nil
}

type tokenRequest struct {
	Secret string `json:"secret"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (p *Plugin) issueToken(ctx context.Context, rc *api.RequestContext) (*api.Response, error) {
	var req tokenRequest
	if err := json.Unmarshal(rc.Body, &req); err != nil || req.Secret == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "secret is required")
	}
	if err := bcrypt.CompareHashAndPassword(p.secretHash, []byte(req.Secret)); err != nil {
		p.logger.WarnContext(ctx, "admin token request with wrong secret",
			"client_ip", rc.ClientIP,
		)
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid admin secret")
	}

	now := requestcontext.Now(ctx)
	expiresAt := now.Add(tokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString(p.jwtKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign token")
	}
	return &api.Response{Body: tokenResponse{Token: signed, ExpiresAt: expiresAt}}, nil
}

type consentSummary struct {
	ID         string    `json:"id"`
	SubjectID  string    `json:"subjectId"`
	DomainID   string    `json:"domainId"`
	PolicyID   string    `json:"policyId"`
	PurposeIDs []string  `json:"purposeIds"`
	Status     string    `json:"status"`
	GivenAt    time.Time `json:"givenAt"`
}

// listConsents returns stored consents, most recent first, optionally
// filtered by subjectId and domainId query parameters.
func (p *Plugin) listConsents(ctx context.Context, rc *api.RequestContext) (*api.Response, error) {
	consents, err := p.registry.ListConsents(ctx,
		rc.Query.Get("subjectId"),
		rc.Query.Get("domainId"),
		rc.Query.Get("policyId"),
	)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list consents")
	}
	out := make([]consentSummary, 0, len(consents))
	for _, c := range consents {
		out = append(out, consentSummary{
			ID:         c.ID,
			SubjectID:  c.SubjectID,
			DomainID:   c.DomainID,
			PolicyID:   c.PolicyID,
			PurposeIDs: c.PurposeIDs,
			Status:     string(c.Status),
			GivenAt:    c.GivenAt,
		})
	}
	return &api.Response{Body: map[string]any{"consents": out}}, nil
}

// noStore keeps admin listings out of shared caches.
func noStore(next api.HandlerFunc) api.HandlerFunc {
	return func(ctx context.Context, rc *api.RequestContext) (*api.Response, error) {
		resp, err := next(ctx, rc)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			resp = &api.Response{}
		}
		return resp.SetHeader("Cache-Control", "no-store"), nil
	}
}
