package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vinkius-labs/speedgate/internal/config"
	"github.com/vinkius-labs/speedgate/internal/expr"
	"github.com/vinkius-labs/speedgate/internal/metrics"
	"github.com/vinkius-labs/speedgate/internal/runtime/breaker"
	"github.com/vinkius-labs/speedgate/internal/runtime/cache"
	"github.com/vinkius-labs/speedgate/internal/runtime/compression"
	"github.com/vinkius-labs/speedgate/internal/runtime/health"
	"github.com/vinkius-labs/speedgate/internal/runtime/pipeline"
	"github.com/vinkius-labs/speedgate/internal/templates"
)

const (
	headerCache    = "X-Speedgate-Cache"
	headerCircuit  = "X-Speedgate-Circuit"
	headerDuration = "X-Speedgate-Duration-Ms"
)

// Fallback shapes the response served while a circuit rejects traffic.
type Fallback struct {
	Status      int
	ContentType string
	Template    *templates.Template
}

// Snapshot is the reloadable slice of the pipeline: everything derived from
// configuration that can be swapped atomically while requests are in flight.
// The breaker and health aggregator live outside the snapshot so their state
// survives reloads.
type Snapshot struct {
	Engine         *cache.Engine
	Negotiator     *compression.Negotiator
	Fallback       Fallback
	BreakerEnabled bool
	RouteScoped    bool
	CriticalProbes []string
}

// SnapshotDeps are the long-lived dependencies a snapshot build borrows.
type SnapshotDeps struct {
	Store    cache.Store
	Renderer *templates.Renderer
	Expr     *expr.Environment
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

// BuildSnapshot derives a pipeline snapshot from configuration. The epoch
// overrides the configured one so reloads can advance the cache generation.
func BuildSnapshot(cfg config.Config, epoch int, deps SnapshotDeps) (*Snapshot, error) {
	var veto func(*http.Request) bool
	if condition := strings.TrimSpace(cfg.Cache.Condition); condition != "" {
		if deps.Expr == nil {
			return nil, fmt.Errorf("runtime: cache condition configured without an expression environment")
		}
		program, err := deps.Expr.Compile(condition)
		if err != nil {
			return nil, fmt.Errorf("runtime: cache condition: %w", err)
		}
		logger := deps.Logger
		if logger == nil {
			logger = slog.Default()
		}
		veto = func(r *http.Request) bool {
			skip, err := program.EvalBool(expr.RequestActivation(r))
			if err != nil {
				// An undecidable condition must not take the cache down with it.
				logger.Warn("cache condition failed; request bypasses cache",
					slog.Any("error", err), slog.String("path", r.URL.Path))
				return true
			}
			return skip
		}
	}

	engine := cache.NewEngine(cache.EngineOptions{
		Store:   deps.Store,
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
		Policy: cache.Policy{
			Statuses:     cfg.Cache.CacheableStatuses(),
			MaxBodyBytes: cfg.Cache.MaxBodyBytes,
			SkipPaths:    cfg.Cache.SkipPaths,
		},
		Veto:               veto,
		Epoch:              epoch,
		KeySalt:            cfg.Cache.KeySalt,
		TTL:                cfg.Cache.CacheTTL(),
		MaxTTL:             cfg.Cache.MaxTTL(),
		FollowCacheControl: cfg.Cache.FollowCacheControl,
		VaryHeaders:        cfg.Cache.VaryHeaders,
		VaryQuery:          cfg.Cache.VaryQuery,
		Timeout:            cfg.Cache.StoreTimeout(),
	})

	fallback := Fallback{
		Status:      cfg.Breaker.Fallback.Status,
		ContentType: cfg.Breaker.Fallback.ContentType,
	}
	if fallback.Status == 0 {
		fallback.Status = http.StatusServiceUnavailable
	}
	if deps.Renderer != nil {
		var (
			tmpl *templates.Template
			err  error
		)
		switch {
		case cfg.Breaker.Fallback.BodyFile != "":
			tmpl, err = deps.Renderer.CompileFile(cfg.Breaker.Fallback.BodyFile)
		case cfg.Breaker.Fallback.Body != "":
			tmpl, err = deps.Renderer.CompileInline("fallback", cfg.Breaker.Fallback.Body)
		}
		if err != nil {
			return nil, fmt.Errorf("runtime: fallback template: %w", err)
		}
		fallback.Template = tmpl
	}

	return &Snapshot{
		Engine: engine,
		Negotiator: compression.NewNegotiator(compression.Options{
			Preferred: cfg.Compression.Preferred,
			MinBytes:  cfg.Compression.MinBytes,
			Types:     cfg.Compression.Types,
		}),
		Fallback:       fallback,
		BreakerEnabled: cfg.Breaker.Enabled,
		RouteScoped:    strings.EqualFold(cfg.Breaker.Scope, "route"),
		CriticalProbes: cfg.Breaker.CriticalProbes,
	}, nil
}

// PipelineOptions wires the orchestrator's collaborators.
type PipelineOptions struct {
	Metrics  *metrics.Recorder
	Breaker  *breaker.Breaker
	Health   *health.Aggregator
	Snapshot *Snapshot
}

// Pipeline orders the stages every request walks through: circuit admission,
// cache lookup or invalidation, the application itself, cache store, and
// compression. It degrades in one direction only: cache trouble turns into
// misses and breaker trouble into admissions, never into failed requests.
type Pipeline struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	breaker *breaker.Breaker
	health  *health.Aggregator

	mu   sync.RWMutex
	snap *Snapshot
}

// NewPipeline assembles the orchestrator.
func NewPipeline(logger *slog.Logger, opts PipelineOptions) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	snap := opts.Snapshot
	if snap == nil {
		snap = &Snapshot{
			Engine:     cache.NewEngine(cache.EngineOptions{Logger: logger}),
			Negotiator: compression.NewNegotiator(compression.Options{}),
			Fallback:   Fallback{Status: http.StatusServiceUnavailable},
		}
	}
	return &Pipeline{
		logger:  logger.With(slog.String("component", "pipeline")),
		metrics: opts.Metrics,
		breaker: opts.Breaker,
		health:  opts.Health,
		snap:    snap,
	}
}

// Reload swaps in a new snapshot. In-flight requests finish on the snapshot
// they started with.
func (p *Pipeline) Reload(snap *Snapshot) {
	if snap == nil {
		return
	}
	p.mu.Lock()
	old := p.snap
	p.snap = snap
	p.mu.Unlock()
	if old != nil && old.Engine != nil && snap.Engine != old.Engine {
		p.logger.Info("pipeline snapshot reloaded")
	}
}

func (p *Pipeline) snapshot() *Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Close releases the active snapshot's cache store.
func (p *Pipeline) Close(ctx context.Context) error {
	return p.snapshot().Engine.Close(ctx)
}

// Middleware wraps the application handler with the full pipeline.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := p.snapshot()
		state := pipeline.NewState(r)

		decision := p.admit(r, snap)
		state.Breaker.Scope = decision.Scope
		state.Breaker.State = decision.State.String()
		state.Breaker.Probe = decision.Probe
		if !decision.Admit {
			p.rejectRequest(w, snap, state, decision)
			return
		}

		switch {
		case cache.Mutating(r.Method):
			p.serveMutating(w, r, next, snap, state, decision)
		case cache.ReadSafe(r.Method):
			p.serveReadSafe(w, r, next, snap, state, decision)
		default:
			p.servePassthrough(w, r, next, snap, state, decision)
		}
	})
}

// admit runs the circuit check for the request's scope. A disabled breaker
// admits everything; critical probe failures force the scope open before the
// normal state machine is consulted.
func (p *Pipeline) admit(r *http.Request, snap *Snapshot) breaker.Decision {
	scope := breaker.ScopeGlobal
	if snap.RouteScoped {
		scope = breaker.RouteScope(r)
	}
	if !snap.BreakerEnabled || p.breaker == nil {
		return breaker.Decision{Scope: scope, State: breaker.StateClosed, Admit: true}
	}
	if p.health != nil && len(snap.CriticalProbes) > 0 {
		if !p.health.Healthy(r.Context(), snap.CriticalProbes...) {
			p.breaker.ForceOpen(scope)
		}
	}
	return p.breaker.Allow(scope)
}

func (p *Pipeline) rejectRequest(w http.ResponseWriter, snap *Snapshot, state *pipeline.State, decision breaker.Decision) {
	state.Outcome = pipeline.OutcomeRejected
	retrySeconds := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retrySeconds < 1 {
		retrySeconds = 1
	}

	body := fmt.Sprintf("service unavailable; retry in %ds\n", retrySeconds)
	contentType := "text/plain; charset=utf-8"
	if snap.Fallback.Template != nil {
		rendered, err := snap.Fallback.Template.Render(map[string]any{
			"Scope":             decision.Scope,
			"State":             decision.State.String(),
			"RetryAfterSeconds": retrySeconds,
			"Status":            snap.Fallback.Status,
		})
		if err != nil {
			p.logger.Warn("fallback template failed; serving plain body", slog.Any("error", err))
		} else {
			body = rendered
			if snap.Fallback.ContentType != "" {
				contentType = snap.Fallback.ContentType
			}
		}
	}

	header := w.Header()
	header.Set("Content-Type", contentType)
	header.Set("Retry-After", strconv.Itoa(retrySeconds))
	header.Set(headerCircuit, decision.State.String())
	header.Set(headerDuration, formatDuration(state.Elapsed()))
	w.WriteHeader(snap.Fallback.Status)
	_, _ = w.Write([]byte(body))

	state.Response.Status = snap.Fallback.Status
	p.observe(state)
}

// serveMutating runs the application, feeds the breaker, then synchronously
// purges every cached entry sharing a tag with the path. The response is held
// back until the purge finishes so a client can never read its own stale
// write. Participation rules gate lookups and stores only; a write whose own
// requests would bypass the cache still purges the entries it touched.
func (p *Pipeline) serveMutating(w http.ResponseWriter, r *http.Request, next http.Handler, snap *Snapshot, state *pipeline.State, decision breaker.Decision) {
	state.Outcome = pipeline.OutcomeWrite
	recorder := newResponseRecorder()
	next.ServeHTTP(recorder, r)
	captured := recorder.captured()
	p.record(snap, decision, captured.Status)

	if captured.Status < 400 {
		snap.Engine.Invalidate(r.Context(), r)
	}
	p.writeResponse(w, r, snap, state, decision, captured, false)
}

func (p *Pipeline) serveReadSafe(w http.ResponseWriter, r *http.Request, next http.Handler, snap *Snapshot, state *pipeline.State, decision breaker.Decision) {
	state.Cache.Participates = snap.Engine.Participates(r)
	if entry, ok := snap.Engine.Lookup(r.Context(), r); ok {
		state.Outcome = pipeline.OutcomeHit
		state.Cache.Hit = true
		headers := make(http.Header, len(entry.Headers))
		for name, value := range entry.Headers {
			headers.Set(name, value)
		}
		captured := cache.CapturedResponse{Status: entry.Status, Headers: headers, Body: entry.Body}
		p.writeResponse(w, r, snap, state, decision, captured, true)
		return
	}

	if state.Cache.Participates {
		state.Outcome = pipeline.OutcomeMiss
	} else {
		state.Outcome = pipeline.OutcomeBypass
	}
	recorder := newResponseRecorder()
	next.ServeHTTP(recorder, r)
	captured := recorder.captured()
	p.record(snap, decision, captured.Status)
	state.Cache.Stored = snap.Engine.Store(r.Context(), r, captured)
	p.writeResponse(w, r, snap, state, decision, captured, false)
}

func (p *Pipeline) servePassthrough(w http.ResponseWriter, r *http.Request, next http.Handler, snap *Snapshot, state *pipeline.State, decision breaker.Decision) {
	state.Outcome = pipeline.OutcomeBypass
	recorder := newResponseRecorder()
	next.ServeHTTP(recorder, r)
	captured := recorder.captured()
	p.record(snap, decision, captured.Status)
	p.writeResponse(w, r, snap, state, decision, captured, false)
}

// record feeds the response status back to the breaker. Server errors count
// as failures; anything below 500 means the application answered.
func (p *Pipeline) record(snap *Snapshot, decision breaker.Decision, status int) {
	if !snap.BreakerEnabled || p.breaker == nil {
		return
	}
	p.breaker.Record(decision.Scope, status < 500, decision.Probe)
}

// writeResponse is the single exit for successful pipeline passes: it applies
// content negotiation, stamps the diagnostic headers, and emits the payload.
func (p *Pipeline) writeResponse(w http.ResponseWriter, r *http.Request, snap *Snapshot, state *pipeline.State, decision breaker.Decision, captured cache.CapturedResponse, fromCache bool) {
	body := captured.Body
	encoding := compression.EncodingIdentity
	if r.Method != http.MethodHead {
		encoding = snap.Negotiator.Select(
			r.Header.Get("Accept-Encoding"),
			captured.Headers.Get("Content-Type"),
			len(body),
		)
		if encoding != compression.EncodingIdentity {
			encoded, err := compression.Encode(encoding, body)
			if err != nil {
				p.logger.Warn("compression failed; serving identity",
					slog.Any("error", err), slog.String("encoding", encoding))
				encoding = compression.EncodingIdentity
			} else {
				body = encoded
			}
		}
	}
	state.Compression.Encoding = encoding
	if p.metrics != nil {
		p.metrics.ObserveCompression(encoding)
	}

	header := w.Header()
	for name, values := range captured.Headers {
		header[name] = values
	}
	header.Del("Content-Length")
	if encoding != compression.EncodingIdentity {
		header.Set("Content-Encoding", encoding)
	}
	if !varyIncludes(header, "Accept-Encoding") {
		header.Add("Vary", "Accept-Encoding")
	}
	if fromCache {
		header.Set(headerCache, "hit")
	} else if state.Cache.Participates && cache.ReadSafe(r.Method) {
		header.Set(headerCache, "miss")
	}
	if decision.State != breaker.StateClosed {
		header.Set(headerCircuit, decision.State.String())
	}
	header.Set(headerDuration, formatDuration(state.Elapsed()))
	header.Set("Content-Length", strconv.Itoa(len(body)))

	status := captured.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}

	state.Response.Status = status
	state.Response.Bytes = len(body)
	state.Response.FromCache = fromCache
	p.observe(state)
}

func (p *Pipeline) observe(state *pipeline.State) {
	if p.metrics != nil {
		p.metrics.ObserveRequest(string(state.Outcome), state.Response.Status, state.Cache.Hit, state.Elapsed())
	}
	p.logger.Debug("request completed",
		slog.String("method", state.Method),
		slog.String("path", state.Path),
		slog.String("outcome", string(state.Outcome)),
		slog.Int("status", state.Response.Status),
		slog.String("scope", state.Breaker.Scope),
		slog.Duration("elapsed", state.Elapsed()))
}

// healthDocument is the /healthz response shape.
type healthDocument struct {
	Status    string                   `json:"status"`
	CheckedAt time.Time                `json:"checkedAt"`
	Probes    map[string]health.Result `json:"probes"`
	Breaker   map[string]string        `json:"breaker,omitempty"`
	Cache     cacheDocument            `json:"cache"`
}

type cacheDocument struct {
	Entries int64  `json:"entries"`
	Error   string `json:"error,omitempty"`
}

// ServeHealth reports the aggregated probe results, per-scope circuit states,
// and cache entry count as JSON. Degraded dependencies flip the document
// status but the endpoint itself always answers 200: reachability of the
// gateway is what the endpoint asserts.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	snap := p.snapshot()
	doc := healthDocument{
		Status:    "ok",
		CheckedAt: time.Now().UTC(),
		Probes:    map[string]health.Result{},
	}
	if p.health != nil {
		doc.Probes = p.health.Check(r.Context())
		for _, result := range doc.Probes {
			if !result.Healthy {
				doc.Status = "degraded"
			}
		}
	}
	if p.breaker != nil {
		doc.Breaker = p.breaker.Snapshot()
		for _, state := range doc.Breaker {
			if state != breaker.StateClosed.String() {
				doc.Status = "degraded"
			}
		}
	}
	if entries, err := snap.Engine.Size(r.Context()); err != nil {
		doc.Cache.Error = err.Error()
		doc.Status = "degraded"
	} else {
		doc.Cache.Entries = entries
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}

// varyIncludes reports whether the Vary header already names the given field.
func varyIncludes(header http.Header, field string) bool {
	for _, value := range header.Values("Vary") {
		for _, item := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(item), field) {
				return true
			}
		}
	}
	return false
}

func formatDuration(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 2, 64)
}
