package cache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vinkius-labs/speedgate/internal/metrics"
)

const (
	defaultNamespace = "speedgate:resp:v1"
	defaultTimeout   = 250 * time.Millisecond
)

// uncachedHeaders never enter a cache entry; Set-Cookie is excluded because a
// cookie-bearing response is per-client state, not a shared representation.
var uncachedHeaders = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"proxy-connection":  {},
	"transfer-encoding": {},
	"upgrade":           {},
	"content-length":    {},
	"content-encoding":  {},
	"set-cookie":        {},
}

// CapturedResponse is the application's response as observed by the pipeline
// before compression.
type CapturedResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// EngineOptions configures a response cache engine.
type EngineOptions struct {
	Store   Store
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Policy  Policy
	// Veto, when non-nil, is consulted per request; a true result keeps the
	// request out of the cache entirely (both lookup and store).
	Veto               func(*http.Request) bool
	Namespace          string
	Epoch              int
	KeySalt            string
	TTL                time.Duration
	MaxTTL             time.Duration
	FollowCacheControl bool
	VaryHeaders        []string
	VaryQuery          []string
	Timeout            time.Duration
}

// Engine decides cacheability, reads and writes entries keyed by the request
// fingerprint, and purges tag groups on mutating requests. It holds no
// long-lived state of its own; persistence is delegated to the Store.
//
// Every store failure degrades: lookups report a miss, stores and
// invalidations are logged and swallowed. The underlying request must never
// depend on cache availability.
type Engine struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Recorder
	policy  Policy
	veto    func(*http.Request) bool

	namespace          string
	epoch              atomic.Int64
	salt               []byte
	ttl                time.Duration
	maxTTL             time.Duration
	followCacheControl bool
	varyHeaders        []string
	varyQuery          []string
	timeout            time.Duration
}

// NewEngine constructs the engine around the provided store.
func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = NewMemory()
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	e := &Engine{
		store:              store,
		logger:             logger.With(slog.String("agent", "response_cache")),
		metrics:            opts.Metrics,
		policy:             opts.Policy,
		veto:               opts.Veto,
		namespace:          namespace,
		salt:               []byte(opts.KeySalt),
		ttl:                ttl,
		maxTTL:             opts.MaxTTL,
		followCacheControl: opts.FollowCacheControl,
		varyHeaders:        opts.VaryHeaders,
		varyQuery:          opts.VaryQuery,
		timeout:            timeout,
	}
	epoch := opts.Epoch
	if epoch <= 0 {
		epoch = 1
	}
	e.epoch.Store(int64(epoch))
	return e
}

// Key derives the namespaced store key for a request fingerprint.
func (e *Engine) Key(r *http.Request) string {
	fp := NewFingerprint(r, e.varyHeaders, e.varyQuery)
	return fmt.Sprintf("%s:%d:%s", e.namespace, e.epoch.Load(), fp.Hash(e.salt))
}

// SetEpoch bumps the key namespace generation, making every previously stored
// entry unreachable. Used on configuration reloads.
func (e *Engine) SetEpoch(epoch int) {
	if epoch > 0 {
		e.epoch.Store(int64(epoch))
	}
}

// Participates reports whether the request may interact with the cache at
// all, applying skip patterns and the optional veto condition.
func (e *Engine) Participates(r *http.Request) bool {
	if e.policy.SkipPath(r.URL.Path) {
		return false
	}
	if e.veto != nil && e.veto(r) {
		return false
	}
	return true
}

// Lookup returns a live entry matching the request fingerprint, or a miss.
// Only read-safe methods can hit; every failure path is a miss.
func (e *Engine) Lookup(ctx context.Context, r *http.Request) (Entry, bool) {
	if !ReadSafe(r.Method) || !e.Participates(r) {
		return Entry{}, false
	}
	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	entry, ok, err := e.store.Get(opCtx, e.Key(r))
	if err != nil {
		e.observe(metrics.CacheOperationLookup, metrics.CacheOutcomeError, start)
		e.logger.Warn("cache lookup degraded to miss", slog.Any("error", err), slog.String("path", r.URL.Path))
		return Entry{}, false
	}
	if !ok || entry.Expired(time.Now()) {
		e.observe(metrics.CacheOperationLookup, metrics.CacheOutcomeMiss, start)
		return Entry{}, false
	}
	e.observe(metrics.CacheOperationLookup, metrics.CacheOutcomeHit, start)
	return entry, true
}

// Store persists a captured response when every cacheability rule allows it,
// tagging the entry with the request path's tag set. Returns whether the
// entry was stored. The write is detached from the client's cancellation so
// an early disconnect cannot abort shared state other requests depend on.
func (e *Engine) Store(ctx context.Context, r *http.Request, captured CapturedResponse) bool {
	start := time.Now()
	if !ReadSafe(r.Method) || !e.Participates(r) {
		return false
	}
	if !e.policy.StatusCacheable(captured.Status) ||
		!e.policy.WithinSizeLimit(len(captured.Body)) ||
		NoStoreSignal(captured.Headers) {
		e.observe(metrics.CacheOperationStore, metrics.CacheOutcomeSkipped, start)
		return false
	}
	ttl := e.entryTTL(captured.Headers)
	if ttl <= 0 {
		e.observe(metrics.CacheOperationStore, metrics.CacheOutcomeSkipped, start)
		return false
	}

	now := time.Now().UTC()
	entry := Entry{
		Status:    captured.Status,
		Headers:   storableHeaders(captured.Headers),
		Body:      captured.Body,
		Tags:      DeriveTags(r.URL.Path),
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.store.Set(opCtx, e.Key(r), entry); err != nil {
		e.observe(metrics.CacheOperationStore, metrics.CacheOutcomeError, start)
		e.logger.Warn("cache store failed", slog.Any("error", err), slog.String("path", r.URL.Path))
		return false
	}
	e.observe(metrics.CacheOperationStore, metrics.CacheOutcomeStored, start)
	return true
}

// Invalidate purges every entry whose tag set intersects the request path's
// tags. It runs synchronously: a write is not complete until dependent cached
// reads are gone. Failures are logged and swallowed.
func (e *Engine) Invalidate(ctx context.Context, r *http.Request) {
	start := time.Now()
	tags := DeriveTags(r.URL.Path)
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.store.DeleteByTags(opCtx, tags); err != nil {
		e.observe(metrics.CacheOperationInvalidate, metrics.CacheOutcomeError, start)
		e.logger.Warn("cache invalidation failed",
			slog.Any("error", err),
			slog.String("path", r.URL.Path),
			slog.Int("tag_count", len(tags)))
		return
	}
	e.observe(metrics.CacheOperationInvalidate, metrics.CacheOutcomePurged, start)
}

// Size reports the number of live entries in the underlying store.
func (e *Engine) Size(ctx context.Context) (int64, error) {
	return e.store.Size(ctx)
}

// Close releases the underlying store.
func (e *Engine) Close(ctx context.Context) error {
	return e.store.Close(ctx)
}

// entryTTL resolves the entry lifetime: the response's own Cache-Control when
// followCacheControl is on, otherwise the configured default, both capped by
// the configured ceiling.
func (e *Engine) entryTTL(headers http.Header) time.Duration {
	ttl := e.ttl
	if e.followCacheControl {
		if derived := ParseCacheControl(headers.Get("Cache-Control")).TTL(); derived != nil {
			ttl = *derived
		}
	}
	if e.maxTTL > 0 && ttl > e.maxTTL {
		ttl = e.maxTTL
	}
	return ttl
}

func (e *Engine) observe(op metrics.CacheOperation, outcome metrics.CacheOutcome, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveCache(op, outcome, time.Since(start))
	}
}

func storableHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		if _, skip := uncachedHeaders[strings.ToLower(name)]; skip {
			continue
		}
		out[name] = values[0]
	}
	return out
}
