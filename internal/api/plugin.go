package api

import "context"

// PluginMiddleware wraps endpoint handlers whose path matches Path. A Path of
// "*" matches every endpoint.
type PluginMiddleware struct {
	Path       string
	Middleware func(next HandlerFunc) HandlerFunc
}

// Plugin contributes endpoints, middlewares, and request/response callbacks
// to the router. Plugins are consulted in registration order.
type Plugin struct {
	ID string

	// Endpoints are merged into the API surface. Between plugins the first
	// registration of a name wins; base endpoints always win over plugins.
	Endpoints map[string]Endpoint

	Middlewares []PluginMiddleware

	// OnRequest runs before dispatch. A non-nil response stops dispatch and
	// is returned directly; later plugins are not consulted.
	OnRequest func(ctx context.Context, rc *RequestContext) (*Response, error)

	// OnResponse may substitute the outgoing response. The first plugin to
	// return a non-nil response wins and later plugins are skipped.
	OnResponse func(ctx context.Context, rc *RequestContext, resp *Response) (*Response, error)
}

// matches reports whether the middleware applies to an endpoint path.
func (m PluginMiddleware) matches(path string) bool {
	return m.Path == "*" || m.Path == path
}
