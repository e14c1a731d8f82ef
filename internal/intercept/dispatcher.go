package intercept

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/profiler"
)

// Dispatcher wraps calls so their entry and exit reach the profiler found in
// the call's context. Profiler failures are contained: the wrapped call always
// runs and its result is never altered.
type Dispatcher struct {
	policy *Policy
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher. A nil policy intercepts every target.
func NewDispatcher(policy *Policy, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		policy: policy,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

func noop() {}

// Enter reports entry into method on target and returns the function that
// reports its exit. The returned function is safe to call more than once; only
// the first call has an effect.
//
//	defer d.Enter(ctx, s, "PlaceOrder")()
func (d *Dispatcher) Enter(ctx context.Context, target any, method string) func() {
	p := profiler.FromContext(ctx)
	if p == nil {
		return noop
	}
	if d.policy != nil && !d.policy.ShouldIntercept(target) {
		return noop
	}

	inv := profiler.NewInvocation(target, method)
	if !d.guard(inv, func() { p.MethodEntry(inv) }) {
		return noop
	}

	exited := false
	return func() {
		if exited {
			return
		}
		exited = true
		d.guard(inv, p.MethodExit)
	}
}

// Call runs fn as method of target.
func (d *Dispatcher) Call(ctx context.Context, target any, method string, fn func(context.Context) error) error {
	defer d.Enter(ctx, target, method)()
	return fn(ctx)
}

// CallValue runs fn as method of target and returns its result.
func CallValue[T any](ctx context.Context, d *Dispatcher, target any, method string, fn func(context.Context) (T, error)) (T, error) {
	defer d.Enter(ctx, target, method)()
	return fn(ctx)
}

// guard runs fn and recovers a profiler panic, reporting whether fn
// completed.
func (d *Dispatcher) guard(inv profiler.Invocation, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			d.logger.Error().
				Str("method", inv.FullName()).
				Str("panic", fmt.Sprint(r)).
				Msg("Profiler panicked during interception")
		}
	}()
	fn()
	return true
}
