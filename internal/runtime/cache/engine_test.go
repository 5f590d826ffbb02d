package cache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type failingStore struct{}

func (failingStore) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("backend down")
}
func (failingStore) Set(context.Context, string, Entry) error { return errors.New("backend down") }
func (failingStore) DeleteByTags(context.Context, []string) error {
	return errors.New("backend down")
}
func (failingStore) Size(context.Context) (int64, error) { return 0, errors.New("backend down") }
func (failingStore) Close(context.Context) error         { return nil }

func newTestEngine(opts EngineOptions) *Engine {
	if opts.Policy.Statuses == nil {
		opts.Policy = Policy{Statuses: []int{200}, MaxBodyBytes: 1 << 20, SkipPaths: opts.Policy.SkipPaths}
	}
	if opts.TTL == 0 {
		opts.TTL = time.Minute
	}
	return NewEngine(opts)
}

func okResponse(body string) CapturedResponse {
	headers := http.Header{}
	headers.Set("Content-Type", "text/plain")
	return CapturedResponse{Status: 200, Headers: headers, Body: []byte(body)}
}

func TestEngineStoreThenLookup(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(EngineOptions{Store: NewMemory()})
	req := httptest.NewRequest("GET", "/users/42", nil)

	if _, ok := engine.Lookup(ctx, req); ok {
		t.Fatalf("cold cache should miss")
	}
	if !engine.Store(ctx, req, okResponse("hello")) {
		t.Fatalf("cacheable response should be stored")
	}
	entry, ok := engine.Lookup(ctx, req)
	if !ok {
		t.Fatalf("expected hit after store")
	}
	if string(entry.Body) != "hello" || entry.Status != 200 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestEngineVetoesAreEachSufficient(t *testing.T) {
	ctx := context.Background()
	req := httptest.NewRequest("GET", "/users/42", nil)

	engine := newTestEngine(EngineOptions{Store: NewMemory()})

	bad := okResponse("x")
	bad.Status = 500
	if engine.Store(ctx, req, bad) {
		t.Fatalf("non-cacheable status must not be stored")
	}

	noStore := okResponse("x")
	noStore.Headers.Set("Cache-Control", "no-store")
	if engine.Store(ctx, req, noStore) {
		t.Fatalf("no-store response must not be stored")
	}

	cookie := okResponse("x")
	cookie.Headers.Set("Set-Cookie", "session=abc")
	if engine.Store(ctx, req, cookie) {
		t.Fatalf("cookie-bearing response must not be stored")
	}

	small := NewEngine(EngineOptions{
		Store:  NewMemory(),
		Policy: Policy{Statuses: []int{200}, MaxBodyBytes: 2},
		TTL:    time.Minute,
	})
	if small.Store(ctx, req, okResponse("too large")) {
		t.Fatalf("oversized response must not be stored")
	}

	if engine.Store(ctx, httptest.NewRequest("POST", "/users/42", nil), okResponse("x")) {
		t.Fatalf("mutating requests never produce cache entries")
	}
}

func TestEngineSkipPathAndCondition(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(EngineOptions{
		Store:  NewMemory(),
		Policy: Policy{Statuses: []int{200}, SkipPaths: []string{"/admin/*"}},
		Veto: func(r *http.Request) bool {
			return r.Header.Get("Authorization") != ""
		},
		TTL: time.Minute,
	})

	admin := httptest.NewRequest("GET", "/admin/users", nil)
	if engine.Participates(admin) {
		t.Fatalf("skip pattern should exclude the request")
	}
	if engine.Store(ctx, admin, okResponse("x")) {
		t.Fatalf("excluded request must not be stored")
	}

	authed := httptest.NewRequest("GET", "/users/42", nil)
	authed.Header.Set("Authorization", "Bearer token")
	if engine.Participates(authed) {
		t.Fatalf("veto condition should exclude the request")
	}

	plain := httptest.NewRequest("GET", "/users/42", nil)
	if !engine.Participates(plain) {
		t.Fatalf("unexcluded request should participate")
	}
}

func TestEngineDegradesOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(EngineOptions{Store: failingStore{}})
	req := httptest.NewRequest("GET", "/users/42", nil)

	if _, ok := engine.Lookup(ctx, req); ok {
		t.Fatalf("failing backend must degrade to a miss")
	}
	if engine.Store(ctx, req, okResponse("x")) {
		t.Fatalf("failed store must report not-stored")
	}
	// Invalidation failures are logged and swallowed; the call must return.
	engine.Invalidate(ctx, httptest.NewRequest("POST", "/users/42", nil))
}

func TestEngineInvalidatePurgesTagGroup(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(EngineOptions{Store: NewMemory()})

	child := httptest.NewRequest("GET", "/users/42/posts", nil)
	other := httptest.NewRequest("GET", "/orders/7", nil)
	engine.Store(ctx, child, okResponse("posts"))
	engine.Store(ctx, other, okResponse("order"))

	engine.Invalidate(ctx, httptest.NewRequest("POST", "/users/42", nil))

	if _, ok := engine.Lookup(ctx, child); ok {
		t.Fatalf("descendant entry should be purged by the parent write")
	}
	if _, ok := engine.Lookup(ctx, other); !ok {
		t.Fatalf("unrelated entry should survive the write")
	}
}

func TestEngineInvalidateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(EngineOptions{Store: NewMemory()})

	child := httptest.NewRequest("GET", "/users/42/posts", nil)
	other := httptest.NewRequest("GET", "/orders/7", nil)
	engine.Store(ctx, child, okResponse("posts"))
	engine.Store(ctx, other, okResponse("order"))

	write := httptest.NewRequest("POST", "/users/42", nil)
	engine.Invalidate(ctx, write)
	engine.Invalidate(ctx, write)

	if _, ok := engine.Lookup(ctx, child); ok {
		t.Fatalf("purged entry should stay gone")
	}
	if _, ok := engine.Lookup(ctx, other); !ok {
		t.Fatalf("unrelated entry should survive repeated purges")
	}
	size, err := engine.Size(ctx)
	if err != nil || size != 1 {
		t.Fatalf("size after repeated purges = %d (err=%v), want 1", size, err)
	}
}

func TestEngineEpochBumpOrphansEntries(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(EngineOptions{Store: NewMemory(), Epoch: 1})
	req := httptest.NewRequest("GET", "/users/42", nil)

	engine.Store(ctx, req, okResponse("v1"))
	if _, ok := engine.Lookup(ctx, req); !ok {
		t.Fatalf("expected hit before epoch bump")
	}

	engine.SetEpoch(2)
	if _, ok := engine.Lookup(ctx, req); ok {
		t.Fatalf("previous generation must be unreachable after the bump")
	}
}

func TestEngineFollowsCacheControlLifetime(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	engine := NewEngine(EngineOptions{
		Store:              store,
		Policy:             Policy{Statuses: []int{200}},
		TTL:                time.Minute,
		MaxTTL:             time.Hour,
		FollowCacheControl: true,
	})
	req := httptest.NewRequest("GET", "/users/42", nil)

	resp := okResponse("x")
	resp.Headers.Set("Cache-Control", "max-age=120")
	if !engine.Store(ctx, req, resp) {
		t.Fatalf("max-age response should be stored")
	}
	entry, ok, err := store.Get(ctx, engine.Key(req))
	if err != nil || !ok {
		t.Fatalf("entry not in store: ok=%v err=%v", ok, err)
	}
	lifetime := entry.ExpiresAt.Sub(entry.StoredAt)
	if lifetime < 119*time.Second || lifetime > 121*time.Second {
		t.Fatalf("lifetime should follow max-age, got %v", lifetime)
	}
}

func TestEngineCapsLifetimeAtCeiling(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	engine := NewEngine(EngineOptions{
		Store:              store,
		Policy:             Policy{Statuses: []int{200}},
		TTL:                time.Minute,
		MaxTTL:             5 * time.Minute,
		FollowCacheControl: true,
	})
	req := httptest.NewRequest("GET", "/users/42", nil)

	resp := okResponse("x")
	resp.Headers.Set("Cache-Control", "max-age=86400")
	engine.Store(ctx, req, resp)

	entry, ok, _ := store.Get(ctx, engine.Key(req))
	if !ok {
		t.Fatalf("entry not stored")
	}
	if lifetime := entry.ExpiresAt.Sub(entry.StoredAt); lifetime > 5*time.Minute {
		t.Fatalf("lifetime should be capped at the ceiling, got %v", lifetime)
	}
}

func TestEngineStripsVolatileHeaders(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	engine := newTestEngine(EngineOptions{Store: store})
	req := httptest.NewRequest("GET", "/users/42", nil)

	resp := okResponse("x")
	resp.Headers.Set("Transfer-Encoding", "chunked")
	resp.Headers.Set("Connection", "keep-alive")
	resp.Headers.Set("ETag", `"abc"`)
	engine.Store(ctx, req, resp)

	entry, ok, _ := store.Get(ctx, engine.Key(req))
	if !ok {
		t.Fatalf("entry not stored")
	}
	if _, found := entry.Headers["Transfer-Encoding"]; found {
		t.Fatalf("hop-by-hop header leaked into the entry")
	}
	if _, found := entry.Headers["Connection"]; found {
		t.Fatalf("hop-by-hop header leaked into the entry")
	}
	if entry.Headers["ETag"] != `"abc"` {
		t.Fatalf("representation header should be preserved")
	}
}
