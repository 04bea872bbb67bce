package api

import (
	"context"
	"net/http"

	dErrors "consentd/pkg/domain-errors"
)

// HandlerFunc is an endpoint implementation. Expected business failures are
// returned as domain errors; anything else is treated as an unexpected fault
// and propagates to the router's outer boundary.
type HandlerFunc func(ctx context.Context, rc *RequestContext) (*Response, error)

// Endpoint binds a handler to its route.
type Endpoint struct {
	Method  string
	Path    string
	Handler HandlerFunc
}

// CallOptions selects the shape of a converted call's return value.
type CallOptions struct {
	// AsResponse returns the full *Response, including captured API errors.
	AsResponse bool
	// ReturnHeaders returns the response value alongside its headers. This
	// is the internal default used between layers.
	ReturnHeaders bool
}

// CallResult is the shaped output of a converted endpoint call. Exactly one
// of the shaping modes populates it: Response for AsResponse, Headers+Value
// for ReturnHeaders, Value alone otherwise.
type CallResult struct {
	Response *Response
	Headers  http.Header
	Value    any
}

// Call is an endpoint made directly invokable, with hook execution and error
// normalization applied around the handler.
type Call func(ctx context.Context, rc *RequestContext, opts CallOptions) (*CallResult, error)

// Err returns the API error captured as the response body, or nil.
func (r *Response) Err() *dErrors.Error {
	if r == nil {
		return nil
	}
	if de, ok := r.Body.(*dErrors.Error); ok {
		return de
	}
	return nil
}

// ErrorResponse wraps a domain error as a response so after hooks can observe
// and transform failures before they reach the wire.
func ErrorResponse(de *dErrors.Error) *Response {
	return &Response{Status: dErrors.ToHTTPStatus(de.Code), Body: de}
}

// NewCall converts an endpoint into a directly callable function bound to a
// (possibly still-resolving) app context.
//
// Per call it resolves the context, prepares the request context, runs the
// before chain, invokes the handler unless a hook vetoed the request, records
// the output for the after chain, and shapes the final value.
func NewCall(ep Endpoint, resolve ContextResolver) Call {
	return func(ctx context.Context, rc *RequestContext, opts CallOptions) (*CallResult, error) {
		app, err := resolve(ctx)
		if err != nil {
			return nil, err
		}

		// Fresh transient state; clone headers so hooks never touch the
		// caller's map.
		rc.Path = ep.Path
		rc.Headers = rc.Headers.Clone()
		if rc.Headers == nil {
			rc.Headers = make(http.Header)
		}
		if rc.Values == nil {
			rc.Values = make(map[string]any)
		}
		rc.Returned = nil
		rc.ResponseHeaders = nil
		rc.Session = nil

		before := app.Hooks.Before
		after := app.Hooks.After

		result, err := RunBeforeHooks(ctx, rc, before)
		if err != nil {
			return nil, err
		}
		if result.ShortCircuits() {
			// A hook vetoed the request; the handler never runs.
			if app.Metrics != nil {
				app.Metrics.HookShortCircuits.Inc()
			}
			return shape(result.Response(), opts)
		}
		applyPatch(rc, result.Patch())

		out, err := ep.Handler(ctx, rc)
		if err != nil {
			de := dErrors.From(err)
			if de == nil {
				// Unexpected faults bubble to the router boundary.
				return nil, err
			}
			// Capture API errors so after hooks can observe them.
			out = ErrorResponse(de)
		}
		if out == nil {
			out = &Response{}
		}

		rc.Returned = out.Body
		rc.ResponseHeaders = out.Headers

		afterResult, err := RunAfterHooks(ctx, rc, after)
		if err != nil {
			return nil, err
		}
		if afterResult.Response != nil {
			out = afterResult.Response
		}
		out.Headers = mergeHeaders(out.Headers, afterResult.Headers)

		if de := out.Err(); de != nil && !opts.AsResponse {
			return nil, de
		}
		return shape(out, opts)
	}
}

// applyPatch folds an accumulated before-hook patch into the request context.
// Headers merge key by key with hook values winning for keys they touch and
// all other keys preserved. Values merge the same way. Session is only
// defaulted: a value already present on the context is kept.
func applyPatch(rc *RequestContext, patch *ContextPatch) {
	if patch == nil {
		return
	}
	rc.Headers = mergeHeaders(rc.Headers, patch.Headers)
	rc.Values = mergeValues(rc.Values, patch.Values)
	if rc.Session == nil {
		rc.Session = patch.Session
	}
}

func shape(out *Response, opts CallOptions) (*CallResult, error) {
	switch {
	case opts.AsResponse:
		return &CallResult{Response: out}, nil
	case opts.ReturnHeaders:
		return &CallResult{Headers: out.Headers, Value: out.Body}, nil
	default:
		return &CallResult{Value: out.Body}, nil
	}
}
