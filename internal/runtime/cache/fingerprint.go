package cache

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"sort"
	"strings"
)

// Fingerprint is the canonical identity of a cacheable request variant:
// method, normalized path, and the configured cache-varying headers and query
// parameters. Identical inputs always hash to the same value.
type Fingerprint struct {
	Method  string
	Path    string
	Headers map[string]string
	Query   map[string]string
}

// NewFingerprint captures the relevant request components. Only the header and
// query names listed in varyHeaders/varyQuery participate; everything else is
// deliberately excluded so per-session noise cannot fragment the cache.
func NewFingerprint(r *http.Request, varyHeaders, varyQuery []string) Fingerprint {
	fp := Fingerprint{
		Method: strings.ToUpper(r.Method),
		Path:   NormalizePath(r.URL.Path),
	}
	if len(varyHeaders) > 0 {
		fp.Headers = make(map[string]string, len(varyHeaders))
		for _, name := range varyHeaders {
			if value := r.Header.Get(name); value != "" {
				fp.Headers[strings.ToLower(name)] = value
			}
		}
	}
	if len(varyQuery) > 0 {
		query := r.URL.Query()
		fp.Query = make(map[string]string, len(varyQuery))
		for _, name := range varyQuery {
			if value := query.Get(name); value != "" {
				fp.Query[strings.ToLower(name)] = value
			}
		}
	}
	return fp
}

// Hash computes a deterministic FNV-1a digest of the fingerprint. Header and
// query components are written in sorted order so map iteration cannot leak
// into the result. The salt lets deployments partition a shared store.
func (f Fingerprint) Hash(salt []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(salt)
	_, _ = h.Write([]byte(f.Method))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(f.Path))
	_, _ = h.Write([]byte("|"))
	writeSorted(h, f.Headers)
	_, _ = h.Write([]byte("|"))
	writeSorted(h, f.Query)
	return fmt.Sprintf("%016x", h.Sum64())
}

func writeSorted(h interface{ Write([]byte) (int, error) }, values map[string]string) {
	if len(values) == 0 {
		return
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s", k, values[k]))
	}
	_, _ = h.Write([]byte(strings.Join(parts, "|")))
}
