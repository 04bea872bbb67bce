package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"consentd/internal/platform/metrics"
	dErrors "consentd/pkg/domain-errors"
	"consentd/pkg/platform/httputil"
	"consentd/pkg/requestcontext"
)

// DefaultBasePath is used when the configured base URL has no path component.
const DefaultBasePath = "/api/consent"

// ErrFound is the redirect sentinel. It is never logged and never converted
// to an error envelope; the boundary answers with a plain 302.
var ErrFound = errors.New("found")

type appCtxKey struct{}
type requestCtxKey struct{}

// AppFromContext returns the app context stored by the router for plugin
// middlewares. Per-request context values layered on top take precedence by
// normal context shadowing.
func AppFromContext(ctx context.Context) *AppContext {
	app, _ := ctx.Value(appCtxKey{}).(*AppContext)
	return app
}

// Router composes base endpoints, plugin endpoints, and plugin middlewares
// into one addressable API surface with unified request, response, and error
// interception.
type Router struct {
	resolve     ContextResolver
	endpoints   map[string]Endpoint
	middlewares []PluginMiddleware
	plugins     []Plugin
	logger      *slog.Logger
	metrics     *metrics.Metrics
	mux         *chi.Mux
}

// NewRouter aggregates the API surface. Endpoint name conflicts resolve
// deliberately: between plugins the first registration wins, base endpoints
// override any plugin endpoint of the same name, and the fixed "ok" health
// endpoint is added last.
func NewRouter(resolve ContextResolver, base map[string]Endpoint, plugins []Plugin, logger *slog.Logger, m *metrics.Metrics) *Router {
	endpoints := make(map[string]Endpoint)
	var middlewares []PluginMiddleware
	for _, plugin := range plugins {
		for name, ep := range plugin.Endpoints {
			if _, taken := endpoints[name]; !taken {
				endpoints[name] = ep
			}
		}
		middlewares = append(middlewares, plugin.Middlewares...)
	}
	for name, ep := range base {
		endpoints[name] = ep
	}
	endpoints["ok"] = Endpoint{
		Method: http.MethodGet,
		Path:   "/ok",
		Handler: func(ctx context.Context, rc *RequestContext) (*Response, error) {
			return &Response{Body: map[string]bool{"ok": true}}, nil
		},
	}

	rt := &Router{
		resolve:     resolve,
		endpoints:   endpoints,
		middlewares: middlewares,
		plugins:     plugins,
		logger:      logger,
		metrics:     m,
	}

	mux := chi.NewRouter()
	for name, ep := range endpoints {
		mux.Method(ep.Method, ep.Path, rt.dispatch(name, ep))
	}
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no such endpoint"))
	})
	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "method not allowed"))
	})
	rt.mux = mux
	return rt
}

// BasePath derives the dispatch prefix from a configured base URL. An empty
// or root path falls back to DefaultBasePath.
func BasePath(baseURL string) string {
	if baseURL == "" {
		return DefaultBasePath
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return DefaultBasePath
	}
	path := strings.TrimSuffix(u.Path, "/")
	if path == "" {
		return DefaultBasePath
	}
	return path
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	app, err := rt.resolve(ctx)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "service initializing"))
		return
	}

	rc, err := NewRequestContext(r)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable request body"))
		return
	}

	// Request-level interception: client metadata, then plugin callbacks in
	// registration order. The first plugin to answer wins and dispatch stops.
	rc.ClientIP = ResolveClientIP(rc.Headers, rc.RemoteAddr, app.IPHeaders, app.DisableIPTracking, app.TestMode)
	rc.UserAgent = rc.Headers.Get("User-Agent")
	ctx = requestcontext.WithClientMetadata(ctx, rc.ClientIP, rc.UserAgent)
	ctx = context.WithValue(ctx, appCtxKey{}, app)
	ctx = context.WithValue(ctx, requestCtxKey{}, rc)

	for _, plugin := range rt.plugins {
		if plugin.OnRequest == nil {
			continue
		}
		resp, err := plugin.OnRequest(ctx, rc)
		if err != nil {
			rt.handleError(ctx, w, app, rc, err)
			return
		}
		if resp != nil {
			rt.writeResponse(w, resp)
			return
		}
	}

	basePath := BasePath(app.BaseURL)
	if !strings.HasPrefix(r.URL.Path, basePath) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no such endpoint"))
		return
	}
	rel := strings.TrimPrefix(r.URL.Path, basePath)
	if rel == "" {
		rel = "/"
	}

	r2 := r.Clone(ctx)
	r2.URL.Path = rel
	rt.mux.ServeHTTP(w, r2)
}

// dispatch runs one endpoint call end to end: middleware wrapping, the
// converted call, response interception, and the outer error boundary.
func (rt *Router) dispatch(name string, ep Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		app := AppFromContext(ctx)
		rc, _ := ctx.Value(requestCtxKey{}).(*RequestContext)
		if app == nil || rc == nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "dispatch context missing"))
			return
		}
		start := time.Now()

		wrapped := ep
		// Wrap in reverse so the first registered middleware runs first.
		for i := len(rt.middlewares) - 1; i >= 0; i-- {
			if rt.middlewares[i].matches(ep.Path) {
				wrapped.Handler = rt.middlewares[i].Middleware(wrapped.Handler)
			}
		}

		call := NewCall(wrapped, StaticContext(app))
		result, err := call(ctx, rc, CallOptions{AsResponse: true})
		if err != nil {
			rt.handleError(ctx, w, app, rc, err)
			rt.observe(name, errorStatus(err), start)
			return
		}
		resp := result.Response

		for _, plugin := range rt.plugins {
			if plugin.OnResponse == nil {
				continue
			}
			substituted, err := plugin.OnResponse(ctx, rc, resp)
			if err != nil {
				rt.handleError(ctx, w, app, rc, err)
				rt.observe(name, errorStatus(err), start)
				return
			}
			if substituted != nil {
				// First substitution wins; remaining plugins are skipped.
				resp = substituted
				break
			}
		}

		status := resp.Status
		if de := resp.Err(); de != nil {
			// Captured API errors bypass handleError, so tier the log here.
			rt.logError(ctx, rc, de)
			status = dErrors.ToHTTPStatus(de.Code)
		} else if status == 0 {
			status = http.StatusOK
		}
		rt.observe(name, status, start)
		rt.writeResponse(w, resp)
	}
}

// handleError is the outer boundary around dispatch. Severity-tiered logging
// happens first, then the error is converted to a response: a custom
// OnAPIError.OnError callback may supply one, API errors keep their own code
// and status, and everything else becomes an opaque 500.
func (rt *Router) handleError(ctx context.Context, w http.ResponseWriter, app *AppContext, rc *RequestContext, err error) {
	if errors.Is(err, ErrFound) {
		// Redirect sentinel: not logged, not an error.
		w.WriteHeader(http.StatusFound)
		return
	}
	if app.OnAPIError.Throw {
		// Fail-fast mode: escalate to the outer recovery layer.
		panic(err)
	}
	rt.logError(ctx, rc, err)

	if app.OnAPIError.OnError != nil {
		if resp := app.OnAPIError.OnError(err, rc); resp != nil {
			rt.writeResponse(w, resp)
			return
		}
	}
	httputil.WriteError(w, err)
}

func (rt *Router) logError(ctx context.Context, rc *RequestContext, err error) {
	requestID := requestcontext.RequestID(ctx)
	switch dErrors.CodeOf(err) {
	case dErrors.CodeUnauthorized:
		rt.logger.WarnContext(ctx, "unauthorized request",
			"path", rc.Path,
			"error", err.Error(),
			"request_id", requestID,
		)
	case dErrors.CodeNotFound:
		rt.logger.DebugContext(ctx, "resource not found",
			"path", rc.Path,
			"error", err.Error(),
			"request_id", requestID,
		)
	default:
		rt.logger.ErrorContext(ctx, "request failed",
			"path", rc.Path,
			"error", err.Error(),
			"request_id", requestID,
		)
	}
}

func (rt *Router) writeResponse(w http.ResponseWriter, resp *Response) {
	for key, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if de := resp.Err(); de != nil {
		httputil.WriteError(w, de)
		return
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Body == nil {
		w.WriteHeader(status)
		return
	}
	httputil.WriteJSON(w, status, resp.Body)
}

func (rt *Router) observe(endpoint string, status int, start time.Time) {
	if rt.metrics == nil {
		return
	}
	rt.metrics.ObserveRequest(endpoint, statusLabel(status), time.Since(start))
}

// errorStatus maps a dispatch error to the status the boundary will answer
// with, so the request metrics agree with the wire.
func errorStatus(err error) int {
	if errors.Is(err, ErrFound) {
		return http.StatusFound
	}
	return dErrors.ToHTTPStatus(dErrors.CodeOf(err))
}

func statusLabel(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
