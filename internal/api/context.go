package api

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"

	"consentd/internal/platform/metrics"
)

// RequestContext carries one inbound request through hooks and the endpoint
// handler. It is constructed fresh per call and discarded after the response,
// so no cross-request locking is needed.
type RequestContext struct {
	Method     string
	Path       string
	Headers    http.Header
	Query      url.Values
	Body       []byte
	RemoteAddr string

	ClientIP  string
	UserAgent string

	// Session is populated by authentication hooks; nil for anonymous calls.
	Session any

	// Values holds hook-contributed extension data keyed by name.
	Values map[string]any

	// Returned and ResponseHeaders expose the handler's output to after
	// hooks. They are reset at the start of every call.
	Returned        any
	ResponseHeaders http.Header
}

// NewRequestContext builds a request context from an HTTP request. Headers
// are cloned so hooks never mutate the caller's map in place.
func NewRequestContext(r *http.Request) (*RequestContext, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		body = b
	}
	return &RequestContext{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		Query:      r.URL.Query(),
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		Values:     make(map[string]any),
	}, nil
}

// Response is the uniform output of endpoint handlers, hooks, and plugins.
// A zero Status is written as 200.
type Response struct {
	Status  int
	Body    any
	Headers http.Header
}

// SetHeader sets a response header, allocating the map on first use.
func (r *Response) SetHeader(key, value string) *Response {
	if r.Headers == nil {
		r.Headers = make(http.Header)
	}
	r.Headers.Set(key, value)
	return r
}

// HookRegistry holds the ordered before/after hook chains applied to every
// endpoint call.
type HookRegistry struct {
	Before []BeforeHook
	After  []AfterHook
}

// APIErrorOptions controls how dispatch errors are surfaced.
type APIErrorOptions struct {
	// Throw escalates errors to the outer recovery layer instead of
	// converting them to JSON envelopes (fail-fast mode).
	Throw bool

	// OnError, when set, may supply a replacement response for an error
	// escaping dispatch. A nil return falls back to the generic envelope.
	OnError func(err error, rc *RequestContext) *Response
}

// AppContext is the shared application context endpoints run against. It is
// immutable after construction; per-request state lives on RequestContext.
type AppContext struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	BaseURL string

	IPHeaders         []string
	DisableIPTracking bool
	TestMode          bool

	Hooks      HookRegistry
	OnAPIError APIErrorOptions
}

// ContextResolver yields the app context, possibly completing asynchronous
// initialization on first use. Implementations must be safe for concurrent
// calls.
type ContextResolver func(ctx context.Context) (*AppContext, error)

// StaticContext adapts an already-built app context into a resolver.
func StaticContext(app *AppContext) ContextResolver {
	return func(context.Context) (*AppContext, error) { return app, nil }
}

// mergeHeaders copies src entries into dst key by key. Later sources win per
// key; dst keys absent from src are preserved.
func mergeHeaders(dst, src http.Header) http.Header {
	if src == nil {
		return dst
	}
	if dst == nil {
		dst = make(http.Header)
	}
	for key, values := range src {
		dst[key] = append([]string(nil), values...)
	}
	return dst
}

// mergeValues overlays src onto dst with src winning per key.
func mergeValues(dst, src map[string]any) map[string]any {
	if src == nil {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any)
	}
	maps.Copy(dst, src)
	return dst
}
