package runtime

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinkius-labs/speedgate/internal/config"
	"github.com/vinkius-labs/speedgate/internal/expr"
	"github.com/vinkius-labs/speedgate/internal/runtime/breaker"
	"github.com/vinkius-labs/speedgate/internal/runtime/cache"
	"github.com/vinkius-labs/speedgate/internal/runtime/health"
	"github.com/vinkius-labs/speedgate/internal/templates"
)

type countingUpstream struct {
	hits   atomic.Int64
	status int
	body   string
}

func (u *countingUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.hits.Add(1)
	status := u.status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(u.body))
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.CooldownSeconds = 30
	return cfg
}

func newTestPipeline(t *testing.T, cfg config.Config, store cache.Store) *Pipeline {
	t.Helper()
	if store == nil {
		store = cache.NewMemory()
	}
	snap, err := BuildSnapshot(cfg, cfg.Cache.Epoch, SnapshotDeps{Store: store})
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	return NewPipeline(nil, PipelineOptions{
		Breaker: breaker.New(breaker.Options{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Window:           cfg.Breaker.Window(),
			Cooldown:         cfg.Breaker.Cooldown(),
			MaxCooldown:      cfg.Breaker.MaxCooldown(),
			HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
		}),
		Snapshot: snap,
	})
}

func doRequest(handler http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, nil)
	for name, values := range header {
		r.Header[name] = values
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func TestMiddlewareMissThenHit(t *testing.T) {
	upstream := &countingUpstream{body: "payload"}
	pipe := newTestPipeline(t, testConfig(), nil)
	handler := pipe.Middleware(upstream)

	first := doRequest(handler, "GET", "/users/42", nil)
	if first.Code != 200 || first.Body.String() != "payload" {
		t.Fatalf("first response: %d %q", first.Code, first.Body.String())
	}
	if got := first.Header().Get("X-Speedgate-Cache"); got != "miss" {
		t.Fatalf("first request should be a miss, got %q", got)
	}
	if first.Header().Get("X-Speedgate-Duration-Ms") == "" {
		t.Fatalf("duration header missing")
	}

	second := doRequest(handler, "GET", "/users/42", nil)
	if second.Code != 200 || second.Body.String() != "payload" {
		t.Fatalf("second response: %d %q", second.Code, second.Body.String())
	}
	if got := second.Header().Get("X-Speedgate-Cache"); got != "hit" {
		t.Fatalf("second request should hit, got %q", got)
	}
	if hits := upstream.hits.Load(); hits != 1 {
		t.Fatalf("upstream should be touched once, got %d", hits)
	}
}

func TestMiddlewareWriteInvalidatesBeforeResponding(t *testing.T) {
	upstream := &countingUpstream{body: "payload"}
	pipe := newTestPipeline(t, testConfig(), nil)
	handler := pipe.Middleware(upstream)

	doRequest(handler, "GET", "/users/42/posts", nil)
	if got := doRequest(handler, "GET", "/users/42/posts", nil).Header().Get("X-Speedgate-Cache"); got != "hit" {
		t.Fatalf("expected warm cache, got %q", got)
	}

	// The write responds only after dependent entries are purged, so the very
	// next read must reach the upstream again.
	post := doRequest(handler, "POST", "/users/42", nil)
	if post.Code != 200 {
		t.Fatalf("post status: %d", post.Code)
	}

	after := doRequest(handler, "GET", "/users/42/posts", nil)
	if got := after.Header().Get("X-Speedgate-Cache"); got != "miss" {
		t.Fatalf("stale read after write: cache header %q", got)
	}
	if hits := upstream.hits.Load(); hits != 3 {
		t.Fatalf("upstream hits = %d, want 3 (read, write, re-read)", hits)
	}
}

func TestMiddlewareFailedWriteKeepsCache(t *testing.T) {
	upstream := &countingUpstream{body: "payload"}
	pipe := newTestPipeline(t, testConfig(), nil)
	handler := pipe.Middleware(upstream)

	doRequest(handler, "GET", "/users/42", nil)

	upstream.status = http.StatusUnprocessableEntity
	doRequest(handler, "POST", "/users/42", nil)
	upstream.status = 0

	if got := doRequest(handler, "GET", "/users/42", nil).Header().Get("X-Speedgate-Cache"); got != "hit" {
		t.Fatalf("rejected write must not purge the cache, got %q", got)
	}
}

func TestMiddlewareBreakerRejectsAfterThreshold(t *testing.T) {
	upstream := &countingUpstream{status: http.StatusInternalServerError}
	pipe := newTestPipeline(t, testConfig(), nil)
	handler := pipe.Middleware(upstream)

	doRequest(handler, "GET", "/users/1", nil)
	doRequest(handler, "GET", "/users/2", nil)

	rejected := doRequest(handler, "GET", "/users/3", nil)
	if rejected.Code != http.StatusServiceUnavailable {
		t.Fatalf("tripped circuit should reject with 503, got %d", rejected.Code)
	}
	if rejected.Header().Get("Retry-After") == "" {
		t.Fatalf("rejection should carry Retry-After")
	}
	if got := rejected.Header().Get("X-Speedgate-Circuit"); got != "open" {
		t.Fatalf("circuit header = %q, want open", got)
	}
	if hits := upstream.hits.Load(); hits != 2 {
		t.Fatalf("rejected request must not reach the upstream, hits=%d", hits)
	}

	// Failures on one route scope leave others untouched.
	if doRequest(handler, "GET", "/orders/1", nil).Code == http.StatusServiceUnavailable {
		t.Fatalf("orders scope should still admit")
	}
}

func TestMiddlewareFallbackTemplate(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.Fallback.Body = `{{ .Scope }} unavailable ({{ .State }})`
	cfg.Breaker.Fallback.ContentType = "text/plain"

	store := cache.NewMemory()
	snap, err := BuildSnapshot(cfg, 1, SnapshotDeps{Store: store, Renderer: templates.NewRenderer(nil)})
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	pipe := NewPipeline(nil, PipelineOptions{
		Breaker: breaker.New(breaker.Options{
			FailureThreshold: 1,
			Window:           cfg.Breaker.Window(),
			Cooldown:         cfg.Breaker.Cooldown(),
		}),
		Snapshot: snap,
	})
	handler := pipe.Middleware(&countingUpstream{status: http.StatusInternalServerError})

	doRequest(handler, "GET", "/users/1", nil)
	rejected := doRequest(handler, "GET", "/users/1", nil)
	if rejected.Body.String() != "users unavailable (open)" {
		t.Fatalf("fallback body = %q", rejected.Body.String())
	}
}

func TestMiddlewareCompressesEligibleResponses(t *testing.T) {
	upstream := &countingUpstream{body: strings.Repeat("compressible ", 200)}
	pipe := newTestPipeline(t, testConfig(), nil)
	handler := pipe.Middleware(upstream)

	header := http.Header{}
	header.Set("Accept-Encoding", "gzip")
	resp := doRequest(handler, "GET", "/page", header)
	if got := resp.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", got)
	}
	r, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != upstream.body {
		t.Fatalf("decompressed body mismatch")
	}

	// A cached hit renegotiates per client.
	plain := doRequest(handler, "GET", "/page", nil)
	if plain.Header().Get("Content-Encoding") != "" {
		t.Fatalf("client without Accept-Encoding should get identity")
	}
	if plain.Body.String() != upstream.body {
		t.Fatalf("cached identity body mismatch")
	}
}

func TestMiddlewareSmallBodiesStayIdentity(t *testing.T) {
	upstream := &countingUpstream{body: "tiny"}
	pipe := newTestPipeline(t, testConfig(), nil)
	handler := pipe.Middleware(upstream)

	header := http.Header{}
	header.Set("Accept-Encoding", "gzip, br")
	resp := doRequest(handler, "GET", "/page", header)
	if resp.Header().Get("Content-Encoding") != "" {
		t.Fatalf("small payload should not be compressed")
	}
}

func TestMiddlewareNeutralMethodBypassesCache(t *testing.T) {
	upstream := &countingUpstream{body: "options"}
	pipe := newTestPipeline(t, testConfig(), nil)
	handler := pipe.Middleware(upstream)

	doRequest(handler, "OPTIONS", "/users/42", nil)
	doRequest(handler, "OPTIONS", "/users/42", nil)
	if hits := upstream.hits.Load(); hits != 2 {
		t.Fatalf("neutral methods must always reach the upstream, hits=%d", hits)
	}
}

func TestMiddlewareVetoConditionBypassesCache(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Condition = `lookup(request.headers, "authorization") != null`
	env, err := expr.NewEnvironment()
	if err != nil {
		t.Fatalf("expr env: %v", err)
	}
	snap, err := BuildSnapshot(cfg, 1, SnapshotDeps{Store: cache.NewMemory(), Expr: env})
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	upstream := &countingUpstream{body: "private"}
	pipe := NewPipeline(nil, PipelineOptions{Snapshot: snap})
	handler := pipe.Middleware(upstream)

	header := http.Header{}
	header.Set("Authorization", "Bearer token")
	doRequest(handler, "GET", "/users/42", header)
	doRequest(handler, "GET", "/users/42", header)
	if hits := upstream.hits.Load(); hits != 2 {
		t.Fatalf("vetoed requests must bypass the cache, hits=%d", hits)
	}

	doRequest(handler, "GET", "/users/42", nil)
	if got := doRequest(handler, "GET", "/users/42", nil).Header().Get("X-Speedgate-Cache"); got != "hit" {
		t.Fatalf("anonymous requests should still cache, got %q", got)
	}
}

func TestMiddlewareAuthenticatedWriteStillInvalidates(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Condition = `lookup(request.headers, "authorization") != null`
	env, err := expr.NewEnvironment()
	if err != nil {
		t.Fatalf("expr env: %v", err)
	}
	snap, err := BuildSnapshot(cfg, 1, SnapshotDeps{Store: cache.NewMemory(), Expr: env})
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	upstream := &countingUpstream{body: "profile"}
	pipe := NewPipeline(nil, PipelineOptions{Snapshot: snap})
	handler := pipe.Middleware(upstream)

	doRequest(handler, "GET", "/users/42", nil)
	if got := doRequest(handler, "GET", "/users/42", nil).Header().Get("X-Speedgate-Cache"); got != "hit" {
		t.Fatalf("expected warm anonymous cache, got %q", got)
	}

	// The writer itself bypasses the cache, but its purge must still land or
	// the anonymous entry goes stale.
	header := http.Header{}
	header.Set("Authorization", "Bearer token")
	doRequest(handler, "POST", "/users/42", header)

	if got := doRequest(handler, "GET", "/users/42", nil).Header().Get("X-Speedgate-Cache"); got != "miss" {
		t.Fatalf("write must purge dependent entries even when the writer bypasses the cache, got %q", got)
	}
}

func TestMiddlewareWriteOnSkippedPathStillInvalidates(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.SkipPaths = []string{"/users/42/refresh"}
	upstream := &countingUpstream{body: "profile"}
	pipe := newTestPipeline(t, cfg, nil)
	handler := pipe.Middleware(upstream)

	doRequest(handler, "GET", "/users/42", nil)
	if got := doRequest(handler, "GET", "/users/42", nil).Header().Get("X-Speedgate-Cache"); got != "hit" {
		t.Fatalf("expected warm cache, got %q", got)
	}

	doRequest(handler, "POST", "/users/42/refresh", nil)

	if got := doRequest(handler, "GET", "/users/42", nil).Header().Get("X-Speedgate-Cache"); got != "miss" {
		t.Fatalf("write on a skipped path must purge overlapping tag groups, got %q", got)
	}
}

func TestMiddlewareVaryHeaderNotDuplicated(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Vary", "Accept-Encoding")
		_, _ = w.Write([]byte("payload"))
	})
	pipe := newTestPipeline(t, testConfig(), nil)
	handler := pipe.Middleware(upstream)

	for _, phase := range []string{"miss", "hit"} {
		resp := doRequest(handler, "GET", "/page", nil)
		if got := resp.Header().Get("X-Speedgate-Cache"); got != phase {
			t.Fatalf("cache header = %q, want %q", got, phase)
		}
		if values := resp.Header().Values("Vary"); len(values) != 1 || values[0] != "Accept-Encoding" {
			t.Fatalf("%s response Vary = %v, want a single Accept-Encoding", phase, values)
		}
	}
}

func TestPipelineReloadAdvancesEpoch(t *testing.T) {
	cfg := testConfig()
	store := cache.NewMemory()
	pipe := newTestPipeline(t, cfg, store)
	upstream := &countingUpstream{body: "payload"}
	handler := pipe.Middleware(upstream)

	doRequest(handler, "GET", "/users/42", nil)
	if got := doRequest(handler, "GET", "/users/42", nil).Header().Get("X-Speedgate-Cache"); got != "hit" {
		t.Fatalf("expected warm cache before reload, got %q", got)
	}

	reloaded, err := BuildSnapshot(cfg, cfg.Cache.Epoch+1, SnapshotDeps{Store: store})
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	pipe.Reload(reloaded)

	if got := doRequest(handler, "GET", "/users/42", nil).Header().Get("X-Speedgate-Cache"); got != "miss" {
		t.Fatalf("reload must orphan the previous generation, got %q", got)
	}
}

func TestServeHealthDocument(t *testing.T) {
	cfg := testConfig()
	store := cache.NewMemory()
	aggregator := health.NewAggregator(health.Options{Window: time.Minute})
	aggregator.Register(health.NewStoreProbe("cache", store))

	snap, err := BuildSnapshot(cfg, 1, SnapshotDeps{Store: store})
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	pipe := NewPipeline(nil, PipelineOptions{
		Breaker:  breaker.New(breaker.Options{}),
		Health:   aggregator,
		Snapshot: snap,
	})

	_ = store.Set(context.Background(), "k", cache.Entry{
		Status:    200,
		Body:      []byte("x"),
		StoredAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	})

	w := httptest.NewRecorder()
	pipe.ServeHealth(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health endpoint status: %d", w.Code)
	}
	body := w.Body.String()
	for _, fragment := range []string{`"status":"ok"`, `"cache"`, `"entries":1`, `"probes"`} {
		if !strings.Contains(body, fragment) {
			t.Fatalf("health document missing %s: %s", fragment, body)
		}
	}
}
