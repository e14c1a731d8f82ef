// Package intercept decides which call targets are profiled and forwards
// entry and exit of those calls to the request profiler carried in a context.
package intercept

import (
	"reflect"
	"strings"
	"sync"
)

// PolicyConfig lists the target types to intercept and to ignore. Types may
// be given directly or by name. A name is either a fully qualified type
// ("github.com/acme/shop/orders.Service"), its short form ("orders.Service"),
// a package wildcard ("github.com/acme/shop/orders.*") or "*" for every type.
type PolicyConfig struct {
	Intercept      []reflect.Type
	Ignore         []reflect.Type
	InterceptNames []string
	IgnoreNames    []string
}

// Policy is the intercept/ignore predicate. It is safe for concurrent use.
type Policy struct {
	intercept typeSet
	ignore    typeSet
	cache     sync.Map // reflect.Type -> bool
}

// NewPolicy builds a policy from cfg.
func NewPolicy(cfg PolicyConfig) *Policy {
	return &Policy{
		intercept: newTypeSet(cfg.Intercept, cfg.InterceptNames),
		ignore:    newTypeSet(cfg.Ignore, cfg.IgnoreNames),
	}
}

// TypeOf returns the reflect.Type of T, including interface types.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// ShouldIntercept reports whether calls on target are forwarded to the
// profiler. Ignore entries win over intercept entries.
func (p *Policy) ShouldIntercept(target any) bool {
	if target == nil {
		return false
	}
	return p.ShouldInterceptType(reflect.TypeOf(target))
}

// ShouldInterceptType is ShouldIntercept for a type.
func (p *Policy) ShouldInterceptType(t reflect.Type) bool {
	if t == nil {
		return false
	}
	if v, ok := p.cache.Load(t); ok {
		return v.(bool)
	}
	result := p.intercept.matches(t) && !p.ignore.matches(t)
	p.cache.Store(t, result)
	return result
}

type typeSet struct {
	all        bool
	types      []reflect.Type
	names      map[string]struct{}
	pkgs       map[string]struct{}
	interfaces []reflect.Type
}

func newTypeSet(types []reflect.Type, names []string) typeSet {
	s := typeSet{
		names: make(map[string]struct{}),
		pkgs:  make(map[string]struct{}),
	}
	for _, t := range types {
		if t == nil {
			continue
		}
		if t.Kind() == reflect.Interface {
			s.interfaces = append(s.interfaces, t)
			continue
		}
		s.types = append(s.types, base(t))
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if name == "*" {
			s.all = true
			continue
		}
		if pkg, ok := strings.CutSuffix(name, ".*"); ok {
			s.pkgs[pkg] = struct{}{}
			continue
		}
		s.names[strings.TrimPrefix(name, "*")] = struct{}{}
	}
	return s
}

func (s typeSet) matches(t reflect.Type) bool {
	if s.all {
		return true
	}
	b := base(t)
	for _, candidate := range s.types {
		if candidate == b {
			return true
		}
	}
	for _, iface := range s.interfaces {
		if t.Implements(iface) || reflect.PointerTo(b).Implements(iface) {
			return true
		}
	}

	if len(s.names) > 0 {
		if _, ok := s.names[b.String()]; ok {
			return true
		}
		if b.PkgPath() != "" {
			if _, ok := s.names[b.PkgPath()+"."+b.Name()]; ok {
				return true
			}
		}
	}
	if len(s.pkgs) > 0 && b.PkgPath() != "" {
		if _, ok := s.pkgs[b.PkgPath()]; ok {
			return true
		}
		short := b.String()
		if i := strings.LastIndexByte(short, '.'); i > 0 {
			if _, ok := s.pkgs[short[:i]]; ok {
				return true
			}
		}
	}
	return false
}

func base(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
