package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRC() *RequestContext {
	return &RequestContext{
		Method:  "POST",
		Path:    "/consent/set",
		Headers: make(http.Header),
		Values:  make(map[string]any),
	}
}

func beforeHook(fn func(ctx context.Context, rc *RequestContext) (*HookResult, error)) BeforeHook {
	return BeforeHook{Handler: fn}
}

func TestRunBeforeHooks_RegistrationOrder(t *testing.T) {
	var order []string
	hooks := []BeforeHook{
		beforeHook(func(context.Context, *RequestContext) (*HookResult, error) {
			order = append(order, "first")
			return nil, nil
		}),
		beforeHook(func(context.Context, *RequestContext) (*HookResult, error) {
			order = append(order, "second")
			return Continue(nil), nil
		}),
		beforeHook(func(context.Context, *RequestContext) (*HookResult, error) {
			order = append(order, "third")
			return nil, nil
		}),
	}

	result, err := RunBeforeHooks(context.Background(), newTestRC(), hooks)
	require.NoError(t, err)
	assert.False(t, result.ShortCircuits())
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRunBeforeHooks_ShortCircuitStopsChain(t *testing.T) {
	thirdRan := false
	hooks := []BeforeHook{
		beforeHook(func(context.Context, *RequestContext) (*HookResult, error) {
			return Continue(nil), nil
		}),
		beforeHook(func(context.Context, *RequestContext) (*HookResult, error) {
			return Respond(&Response{Status: http.StatusTeapot, Body: "stop"}), nil
		}),
		beforeHook(func(context.Context, *RequestContext) (*HookResult, error) {
			thirdRan = true
			return nil, nil
		}),
	}

	result, err := RunBeforeHooks(context.Background(), newTestRC(), hooks)
	require.NoError(t, err)
	require.True(t, result.ShortCircuits())
	assert.Equal(t, http.StatusTeapot, result.Response().Status)
	assert.False(t, thirdRan, "hooks after a short-circuit must not run")
}

func TestRunBeforeHooks_PatchAccumulation(t *testing.T) {
	hooks := []BeforeHook{
		beforeHook(func(context.Context, *RequestContext) (*HookResult, error) {
			return Continue(&ContextPatch{
				Headers: http.Header{"X-Tenant": {"alpha"}, "X-Trace": {"t1"}},
				Values:  map[string]any{"stage": "one", "keep": true},
				Session: "first-session",
			}), nil
		}),
		beforeHook(func(context.Context, *RequestContext) (*HookResult, error) {
			return Continue(&ContextPatch{
				Headers: http.Header{"X-Tenant": {"beta"}},
				Values:  map[string]any{"stage": "two"},
			}), nil
		}),
		beforeHook(func(context.Context, *RequestContext) (*HookResult, error) {
			return Continue(&ContextPatch{Session: "last-session"}), nil
		}),
	}

	result, err := RunBeforeHooks(context.Background(), newTestRC(), hooks)
	require.NoError(t, err)
	patch := result.Patch()
	require.NotNil(t, patch)

	assert.Equal(t, "beta", patch.Headers.Get("X-Tenant"), "later hook wins per header key")
	assert.Equal(t, "t1", patch.Headers.Get("X-Trace"), "untouched keys are preserved")
	assert.Equal(t, "two", patch.Values["stage"], "later hook wins per value key")
	assert.Equal(t, true, patch.Values["keep"])
	assert.Equal(t, "last-session", patch.Session, "later non-nil session wins")
}

func TestRunBeforeHooks_MatcherSkipsHook(t *testing.T) {
	matchedRan, skippedRan := false, false
	hooks := []BeforeHook{
		{
			Matcher: func(rc *RequestContext) bool { return rc.Path == "/consent/set" },
			Handler: func(context.Context, *RequestContext) (*HookResult, error) {
				matchedRan = true
				return nil, nil
			},
		},
		{
			Matcher: func(rc *RequestContext) bool { return rc.Path == "/admin/consents" },
			Handler: func(context.Context, *RequestContext) (*HookResult, error) {
				skippedRan = true
				return nil, nil
			},
		},
	}

	_, err := RunBeforeHooks(context.Background(), newTestRC(), hooks)
	require.NoError(t, err)
	assert.True(t, matchedRan)
	assert.False(t, skippedRan)
}

func TestRunBeforeHooks_ErrorPropagates(t *testing.T) {
	boom := errors.New("hook exploded")
	hooks := []BeforeHook{
		beforeHook(func(context.Context, *RequestContext) (*HookResult, error) {
			return nil, boom
		}),
	}

	_, err := RunBeforeHooks(context.Background(), newTestRC(), hooks)
	assert.ErrorIs(t, err, boom)
}

func TestRunAfterHooks_FirstResponseWinsLaterHooksStillRun(t *testing.T) {
	var ran []string
	hooks := []AfterHook{
		{Handler: func(context.Context, *RequestContext) (*AfterResult, error) {
			ran = append(ran, "first")
			return &AfterResult{Response: &Response{Body: "winner"}}, nil
		}},
		{Handler: func(context.Context, *RequestContext) (*AfterResult, error) {
			ran = append(ran, "second")
			return &AfterResult{Response: &Response{Body: "loser"}}, nil
		}},
	}

	result, err := RunAfterHooks(context.Background(), newTestRC(), hooks)
	require.NoError(t, err)
	assert.Equal(t, "winner", result.Response.Body)
	assert.Equal(t, []string{"first", "second"}, ran, "later hooks run for side effects")
}

func TestRunAfterHooks_HeadersAccumulateAcrossAllHooks(t *testing.T) {
	hooks := []AfterHook{
		{Handler: func(context.Context, *RequestContext) (*AfterResult, error) {
			return &AfterResult{
				Response: &Response{Body: "done"},
				Headers:  http.Header{"X-One": {"1"}},
			}, nil
		}},
		{Handler: func(context.Context, *RequestContext) (*AfterResult, error) {
			return &AfterResult{Headers: http.Header{"X-Two": {"2"}}}, nil
		}},
	}

	result, err := RunAfterHooks(context.Background(), newTestRC(), hooks)
	require.NoError(t, err)
	assert.Equal(t, "1", result.Headers.Get("X-One"))
	assert.Equal(t, "2", result.Headers.Get("X-Two"), "headers keep merging after a response is set")
}

func TestRunAfterHooks_ErrorPropagates(t *testing.T) {
	boom := errors.New("after hook failed")
	hooks := []AfterHook{
		{Handler: func(context.Context, *RequestContext) (*AfterResult, error) {
			return nil, boom
		}},
	}

	_, err := RunAfterHooks(context.Background(), newTestRC(), hooks)
	assert.ErrorIs(t, err, boom)
}
