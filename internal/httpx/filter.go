package httpx

import (
	"net/http"
	"path"
	"strings"
)

// FilterConfig selects the requests worth profiling.
type FilterConfig struct {
	// IgnoreExtensions skips paths ending in one of these extensions, such as
	// ".css". Matching is case-insensitive.
	IgnoreExtensions []string
	// IncludePaths limits profiling to these path prefixes. Empty includes
	// every path.
	IncludePaths []string
	// ExcludePaths are never profiled, even when included.
	ExcludePaths []string
	// URLs adds the enabled stored URLs to the include list. It may be nil.
	URLs *URLList
}

// Filter applies static rules to decide whether a request is profiled.
type Filter struct {
	ignore  map[string]bool
	include []string
	exclude []string
	urls    *URLList
}

// NewFilter creates a request filter.
func NewFilter(cfg FilterConfig) *Filter {
	f := &Filter{
		ignore:  make(map[string]bool, len(cfg.IgnoreExtensions)),
		include: cfg.IncludePaths,
		exclude: cfg.ExcludePaths,
		urls:    cfg.URLs,
	}
	for _, ext := range cfg.IgnoreExtensions {
		f.ignore[strings.ToLower(ext)] = true
	}
	return f
}

// ShouldProfile reports whether r should be profiled. A nil filter profiles
// everything.
func (f *Filter) ShouldProfile(r *http.Request) bool {
	if f == nil {
		return true
	}
	p := r.URL.Path

	// Rule 1: explicit exclusions, such as the metrics endpoint.
	for _, prefix := range f.exclude {
		if hasPathPrefix(p, prefix) {
			return false
		}
	}

	// Rule 2: static assets.
	if ext := path.Ext(p); ext != "" && f.ignore[strings.ToLower(ext)] {
		return false
	}

	// Rule 3: include list, configured paths plus enabled stored URLs.
	stored := f.urls.URLs()
	if len(f.include) == 0 && len(stored) == 0 {
		return true
	}
	for _, prefix := range f.include {
		if hasPathPrefix(p, prefix) {
			return true
		}
	}
	for _, prefix := range stored {
		if hasPathPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// hasPathPrefix matches whole path segments, so "/api" matches "/api/x" but
// not "/apis".
func hasPathPrefix(p, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	if len(p) < len(prefix) || !strings.EqualFold(p[:len(prefix)], prefix) {
		return false
	}
	return len(p) == len(prefix) || p[len(prefix)] == '/'
}
