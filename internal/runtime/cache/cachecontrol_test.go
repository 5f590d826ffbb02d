package cache

import (
	"testing"
	"time"
)

func TestParseCacheControlDirectives(t *testing.T) {
	d := ParseCacheControl("public, max-age=120, s-maxage=600")
	if d.MaxAge == nil || *d.MaxAge != 120 {
		t.Fatalf("max-age not parsed: %+v", d)
	}
	if d.SMaxAge == nil || *d.SMaxAge != 600 {
		t.Fatalf("s-maxage not parsed: %+v", d)
	}
	if d.Forbidden() {
		t.Fatalf("public response should not be forbidden")
	}
}

func TestParseCacheControlForbidden(t *testing.T) {
	for _, header := range []string{"no-store", "no-cache", "private", "private, max-age=60"} {
		if !ParseCacheControl(header).Forbidden() {
			t.Fatalf("%q should forbid shared caching", header)
		}
	}
	if ParseCacheControl("").Forbidden() {
		t.Fatalf("empty header should not forbid caching")
	}
}

func TestDirectiveTTLPrecedence(t *testing.T) {
	ttl := ParseCacheControl("max-age=120, s-maxage=600").TTL()
	if ttl == nil || *ttl != 600*time.Second {
		t.Fatalf("s-maxage should win over max-age, got %v", ttl)
	}

	ttl = ParseCacheControl("max-age=120").TTL()
	if ttl == nil || *ttl != 120*time.Second {
		t.Fatalf("max-age TTL = %v, want 2m", ttl)
	}

	if ttl := ParseCacheControl("public").TTL(); ttl != nil {
		t.Fatalf("no lifetime directive should yield nil, got %v", ttl)
	}

	ttl = ParseCacheControl("no-store, max-age=120").TTL()
	if ttl == nil || *ttl != 0 {
		t.Fatalf("forbidden response should yield zero TTL, got %v", ttl)
	}
}

func TestParseCacheControlIgnoresMalformedValues(t *testing.T) {
	d := ParseCacheControl("max-age=abc, s-maxage=-5")
	if d.MaxAge != nil || d.SMaxAge != nil {
		t.Fatalf("malformed values should be ignored: %+v", d)
	}
}
