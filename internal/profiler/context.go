package profiler

import (
	"context"
	"reflect"
)

type contextKey struct{}

// NewContext returns a copy of ctx carrying p.
func NewContext(ctx context.Context, p Interceptor) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the profiler carried by ctx, or nil.
func FromContext(ctx context.Context) Interceptor {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(contextKey{}).(Interceptor)
	return p
}

// Invocation describes one intercepted call.
type Invocation struct {
	TypeName string
	Method   string
	// Target is the receiver of the call. It is never retained past the call.
	Target any
}

// NewInvocation describes a call of method on target.
func NewInvocation(target any, method string) Invocation {
	return Invocation{TypeName: TypeName(target), Method: method, Target: target}
}

// FullName returns "<type>.<method>", or just the method when the type is
// unknown.
func (i Invocation) FullName() string {
	if i.TypeName == "" {
		return i.Method
	}
	return i.TypeName + "." + i.Method
}

// TypeName returns the package-qualified type name of v with pointers
// stripped, e.g. "orders.Service".
func TypeName(v any) string {
	if v == nil {
		return ""
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}
