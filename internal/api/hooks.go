package api

import (
	"context"
	"net/http"
)

// Matcher decides whether a hook applies to a request. A nil matcher always
// matches.
type Matcher func(rc *RequestContext) bool

// ContextPatch is the "continue" payload of a before hook: data to fold into
// the request context before the next hook or the handler runs.
type ContextPatch struct {
	Headers http.Header
	Values  map[string]any
	Session any
}

// HookResult is the tagged outcome of a before hook. It is either a
// continuation carrying a context patch or a direct response that
// short-circuits the chain. The explicit tag avoids guessing intent from the
// shape of the returned value.
type HookResult struct {
	response *Response
	patch    *ContextPatch
}

// Continue produces a continuation result. A nil patch continues without
// contributing anything.
func Continue(patch *ContextPatch) *HookResult {
	return &HookResult{patch: patch}
}

// Respond produces a short-circuit result: the chain stops and resp becomes
// the call's response without the endpoint handler running.
func Respond(resp *Response) *HookResult {
	return &HookResult{response: resp}
}

// ShortCircuits reports whether this result stops the chain.
func (r *HookResult) ShortCircuits() bool { return r != nil && r.response != nil }

// Response returns the short-circuit response, or nil for continuations.
func (r *HookResult) Response() *Response { return r.response }

// Patch returns the accumulated context patch, or nil.
func (r *HookResult) Patch() *ContextPatch { return r.patch }

// BeforeHook runs before the endpoint handler. Returning nil is equivalent to
// Continue(nil). Errors propagate to the caller untranslated.
type BeforeHook struct {
	Matcher Matcher
	Handler func(ctx context.Context, rc *RequestContext) (*HookResult, error)
}

// AfterResult is the outcome of an after hook: an optional replacement
// response and headers to add to the final response.
type AfterResult struct {
	Response *Response
	Headers  http.Header
}

// AfterHook runs after the endpoint handler with the handler's output visible
// on the request context (Returned, ResponseHeaders).
type AfterHook struct {
	Matcher Matcher
	Handler func(ctx context.Context, rc *RequestContext) (*AfterResult, error)
}

// RunBeforeHooks executes hooks in order against rc. Continuation patches
// accumulate: headers merge key by key with later hooks winning per key,
// values merge the same way, and a non-nil Session from a later hook wins.
// The first short-circuit result is returned immediately and no further hooks
// run. When every hook continues, the accumulated patch is returned.
func RunBeforeHooks(ctx context.Context, rc *RequestContext, hooks []BeforeHook) (*HookResult, error) {
	acc := &ContextPatch{}
	for _, hook := range hooks {
		if hook.Matcher != nil && !hook.Matcher(rc) {
			continue
		}
		result, err := hook.Handler(ctx, rc)
		if err != nil {
			return nil, err
		}
		if result == nil {
			continue
		}
		if result.ShortCircuits() {
			return result, nil
		}
		patch := result.Patch()
		if patch == nil {
			continue
		}
		acc.Headers = mergeHeaders(acc.Headers, patch.Headers)
		acc.Values = mergeValues(acc.Values, patch.Values)
		if patch.Session != nil {
			acc.Session = patch.Session
		}
	}
	return Continue(acc), nil
}

// RunAfterHooks executes hooks in order. The first hook to produce a non-nil
// response sets the result; later matching hooks still run for their side
// effects but cannot override it. Headers accumulate across all matching
// hooks regardless of whether a response has been set. Errors propagate
// uncaught so the endpoint layer's translation can take over.
func RunAfterHooks(ctx context.Context, rc *RequestContext, hooks []AfterHook) (*AfterResult, error) {
	final := &AfterResult{}
	for _, hook := range hooks {
		if hook.Matcher != nil && !hook.Matcher(rc) {
			continue
		}
		result, err := hook.Handler(ctx, rc)
		if err != nil {
			return nil, err
		}
		if result == nil {
			continue
		}
		if result.Response != nil && final.Response == nil {
			final.Response = result.Response
		}
		final.Headers = mergeHeaders(final.Headers, result.Headers)
	}
	return final, nil
}
