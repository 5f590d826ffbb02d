package cache

import (
	"net/http"
	"path"
	"strings"
)

// ReadSafe reports whether the method may be served from cache.
func ReadSafe(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return true
	default:
		return false
	}
}

// Mutating reports whether the method invalidates cached state. Methods that
// are neither read-safe nor mutating (OPTIONS, TRACE) pass through untouched.
func Mutating(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// Policy holds the declarative cacheability rules. Each check is a veto: any
// failing rule is sufficient to keep a response out of the cache.
type Policy struct {
	Statuses     []int
	MaxBodyBytes int
	SkipPaths    []string
}

// StatusCacheable reports whether the response status is in the configured
// cacheable set.
func (p Policy) StatusCacheable(status int) bool {
	for _, allowed := range p.Statuses {
		if status == allowed {
			return true
		}
	}
	return false
}

// WithinSizeLimit reports whether the payload is under the configured
// ceiling. A zero ceiling disables the check.
func (p Policy) WithinSizeLimit(size int) bool {
	return p.MaxBodyBytes <= 0 || size <= p.MaxBodyBytes
}

// SkipPath reports whether the request path is excluded from cache
// participation. Patterns are path globs; a trailing `/*` also matches any
// nested depth.
func (p Policy) SkipPath(requestPath string) bool {
	normalized := NormalizePath(requestPath)
	for _, pattern := range p.SkipPaths {
		if pattern == "" {
			continue
		}
		if strings.HasSuffix(pattern, "/*") {
			prefix := strings.TrimSuffix(pattern, "*")
			if strings.HasPrefix(normalized, prefix) || normalized == strings.TrimSuffix(prefix, "/") {
				return true
			}
		}
		if ok, err := path.Match(pattern, normalized); err == nil && ok {
			return true
		}
	}
	return false
}

// NoStoreSignal reports whether the response explicitly refused caching:
// Cache-Control no-store/no-cache/private, or a Set-Cookie header, which
// marks the payload as per-client state.
func NoStoreSignal(headers http.Header) bool {
	if ParseCacheControl(headers.Get("Cache-Control")).Forbidden() {
		return true
	}
	return headers.Get("Set-Cookie") != ""
}
