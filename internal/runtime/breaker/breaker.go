package breaker

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinkius-labs/speedgate/internal/metrics"
)

// State is the circuit position for one scope.
type State int

const (
	// StateClosed admits all traffic and counts failures.
	StateClosed State = iota
	// StateOpen rejects traffic until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of probe requests.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ScopeGlobal is the single shared scope when per-route isolation is off.
const ScopeGlobal = "global"

// Decision is the admission verdict for one request.
type Decision struct {
	Scope string
	State State
	// Admit reports whether the request may proceed to the application.
	Admit bool
	// Probe marks an admitted request as a half-open trial whose outcome
	// decides the next state.
	Probe bool
	// RetryAfter is the remaining cooldown for rejected requests.
	RetryAfter time.Duration
}

// Options configures the breaker.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// FailureThreshold is the failure count within the window that trips the
	// circuit.
	FailureThreshold int
	// Window is the sliding interval over which failures accumulate.
	Window time.Duration
	// Cooldown is the initial open duration; consecutive re-trips double it up
	// to MaxCooldown.
	Cooldown time.Duration
	// MaxCooldown caps the exponential backoff.
	MaxCooldown time.Duration
	// HalfOpenProbes bounds concurrent trial requests in half-open.
	HalfOpenProbes int
}

type circuit struct {
	mu sync.Mutex

	state            State
	failures         []time.Time
	openedAt         time.Time
	cooldown         time.Duration
	halfOpenInFlight int
}

// Breaker is a per-scope circuit arena. Scopes materialize lazily on first
// use; an unknown scope starts closed, which keeps the failure mode of the
// breaker itself fail-open.
type Breaker struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	opts    Options
	now     func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New constructs a breaker arena.
func New(opts Options) *Breaker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.MaxCooldown < opts.Cooldown {
		opts.MaxCooldown = opts.Cooldown
	}
	if opts.HalfOpenProbes <= 0 {
		opts.HalfOpenProbes = 1
	}
	return &Breaker{
		logger:   logger.With(slog.String("agent", "breaker")),
		metrics:  opts.Metrics,
		opts:     opts,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

// RouteScope derives the breaker scope from a request path: the first path
// segment, or "root" for the root path itself. Deep paths under one API
// surface share one circuit.
func RouteScope(r *http.Request) string {
	trimmed := strings.Trim(r.URL.Path, "/")
	if trimmed == "" {
		return "root"
	}
	if idx := strings.IndexByte(trimmed, '/'); idx > 0 {
		return trimmed[:idx]
	}
	return trimmed
}

// Allow decides admission for a request in the given scope. Open circuits
// transition to half-open once the cooldown has elapsed; half-open circuits
// admit up to the configured number of concurrent probes and reject the rest.
func (b *Breaker) Allow(scope string) Decision {
	c := b.circuit(scope)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.now()
	switch c.state {
	case StateClosed:
		return Decision{Scope: scope, State: StateClosed, Admit: true}
	case StateOpen:
		remaining := c.cooldown - now.Sub(c.openedAt)
		if remaining > 0 {
			return Decision{Scope: scope, State: StateOpen, Admit: false, RetryAfter: remaining}
		}
		b.transitionLocked(c, scope, StateHalfOpen)
		c.halfOpenInFlight = 1
		return Decision{Scope: scope, State: StateHalfOpen, Admit: true, Probe: true}
	case StateHalfOpen:
		if c.halfOpenInFlight >= b.opts.HalfOpenProbes {
			return Decision{Scope: scope, State: StateHalfOpen, Admit: false, RetryAfter: c.cooldown}
		}
		c.halfOpenInFlight++
		return Decision{Scope: scope, State: StateHalfOpen, Admit: true, Probe: true}
	default:
		return Decision{Scope: scope, State: c.state, Admit: true}
	}
}

// Record feeds a request outcome back into the scope's circuit. In half-open
// a probe success closes the circuit and resets the backoff; a probe failure
// re-opens it with a doubled cooldown. In closed state failures accumulate in
// the sliding window and trip the circuit at the threshold.
func (b *Breaker) Record(scope string, success bool, probe bool) {
	c := b.circuit(scope)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.now()
	if probe && c.state == StateHalfOpen {
		if c.halfOpenInFlight > 0 {
			c.halfOpenInFlight--
		}
		if success {
			c.failures = nil
			c.cooldown = b.opts.Cooldown
			b.transitionLocked(c, scope, StateClosed)
			return
		}
		b.tripLocked(c, scope, now, true)
		return
	}

	if c.state != StateClosed {
		// Late outcomes from requests admitted before the trip carry no new
		// information; the open circuit already reflects the failure.
		return
	}
	if success {
		return
	}

	cutoff := now.Add(-b.opts.Window)
	kept := c.failures[:0]
	for _, at := range c.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	c.failures = append(kept, now)
	if len(c.failures) >= b.opts.FailureThreshold {
		b.tripLocked(c, scope, now, false)
	}
}

// ForceOpen trips the scope regardless of its failure history. Used when a
// critical health probe reports the dependency down. Tripping an already open
// circuit only refreshes its opened-at instant, never stacks the backoff.
func (b *Breaker) ForceOpen(scope string) {
	c := b.circuit(scope)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen {
		c.openedAt = b.now()
		return
	}
	b.tripLocked(c, scope, b.now(), c.state == StateHalfOpen)
}

// StateOf reports the scope's current state without mutating it.
func (b *Breaker) StateOf(scope string) State {
	c := b.circuit(scope)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot lists every materialized scope and its state, sorted by scope name.
func (b *Breaker) Snapshot() map[string]string {
	b.mu.Lock()
	scopes := make([]string, 0, len(b.circuits))
	for scope := range b.circuits {
		scopes = append(scopes, scope)
	}
	b.mu.Unlock()
	sort.Strings(scopes)

	out := make(map[string]string, len(scopes))
	for _, scope := range scopes {
		out[scope] = b.StateOf(scope).String()
	}
	return out
}

func (b *Breaker) circuit(scope string) *circuit {
	if scope == "" {
		scope = ScopeGlobal
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[scope]
	if !ok {
		c = &circuit{state: StateClosed, cooldown: b.opts.Cooldown}
		b.circuits[scope] = c
	}
	return c
}

// tripLocked opens the circuit. A re-trip out of half-open doubles the
// cooldown up to the cap; a fresh trip out of closed starts from the base.
func (b *Breaker) tripLocked(c *circuit, scope string, now time.Time, backoff bool) {
	if backoff {
		c.cooldown *= 2
		if c.cooldown > b.opts.MaxCooldown {
			c.cooldown = b.opts.MaxCooldown
		}
	} else {
		c.cooldown = b.opts.Cooldown
	}
	c.openedAt = now
	c.failures = nil
	c.halfOpenInFlight = 0
	b.transitionLocked(c, scope, StateOpen)
}

func (b *Breaker) transitionLocked(c *circuit, scope string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if b.metrics != nil {
		b.metrics.ObserveBreakerTransition(scope, from.String(), to.String(), int(to))
	}
	b.logger.Info("circuit transition",
		slog.String("scope", scope),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Duration("cooldown", c.cooldown))
}
