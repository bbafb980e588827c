package tools

import (
	"context"

	"github.com/basket/skillgate/internal/shared"
)

// Observer receives the lifecycle of each tool call made inside one agent
// session. Tools are defined once per Genkit instance, so the session's
// observer travels on the context instead of being captured at definition.
type Observer interface {
	// Permit decides whether the call may run. A denied call never starts.
	Permit(ctx context.Context, tool string, input any) bool
	ToolStart(ctx context.Context, tool string, input any)
	ToolEnd(ctx context.Context, tool string, output string, err error)
}

type observerKey struct{}

// WithObserver attaches o to ctx.
func WithObserver(ctx context.Context, o Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, o)
}

// ObserverFrom returns the session observer on ctx, or nil.
func ObserverFrom(ctx context.Context) Observer {
	o, _ := ctx.Value(observerKey{}).(Observer)
	return o
}

// Observe runs fn under the session observer found on ctx: permission check,
// then start, call, end. Errors and panics become failure text so the model
// always receives a string.
func Observe[In any](ctx context.Context, tool string, input In, fn func(context.Context, In) (string, error)) (out string) {
	obs := ObserverFrom(ctx)
	if obs != nil && !obs.Permit(ctx, tool, input) {
		return shared.FailureText(shared.Errorf(shared.KindPermissionDenied, "tool %s is not permitted in this session", tool))
	}
	if obs != nil {
		obs.ToolStart(ctx, tool, input)
	}

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = shared.Errorf(shared.KindInternal, "tool %s panicked: %v", tool, r)
			out = shared.FailureText(err)
		}
		if obs != nil {
			obs.ToolEnd(ctx, tool, out, err)
		}
	}()

	out, err = fn(ctx, input)
	if err != nil {
		out = shared.FailureText(err)
	}
	return out
}

// ObserverFuncs adapts plain functions to Observer. Nil fields allow and
// ignore.
type ObserverFuncs struct {
	PermitFunc func(ctx context.Context, tool string, input any) bool
	StartFunc  func(ctx context.Context, tool string, input any)
	EndFunc    func(ctx context.Context, tool string, output string, err error)
}

func (f ObserverFuncs) Permit(ctx context.Context, tool string, input any) bool {
	if f.PermitFunc == nil {
		return true
	}
	return f.PermitFunc(ctx, tool, input)
}

func (f ObserverFuncs) ToolStart(ctx context.Context, tool string, input any) {
	if f.StartFunc != nil {
		f.StartFunc(ctx, tool, input)
	}
}

func (f ObserverFuncs) ToolEnd(ctx context.Context, tool string, output string, err error) {
	if f.EndFunc != nil {
		f.EndFunc(ctx, tool, output, err)
	}
}

var _ Observer = ObserverFuncs{}
