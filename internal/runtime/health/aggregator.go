package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vinkius-labs/speedgate/internal/metrics"
)

const (
	defaultMemoizeWindow = 10 * time.Second
	defaultProbeTimeout  = time.Second
)

// Probe is a bounded-time check of one dependency's availability.
type Probe interface {
	Name() string
	Run(ctx context.Context) (healthy bool, detail string)
}

// Result is one memoized probe outcome.
type Result struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

type probeState struct {
	probe Probe

	mu     sync.Mutex
	result Result
	valid  bool
}

// Aggregator runs named probes with short-lived memoized results so repeated
// callers (the breaker, the health endpoint) do not hammer expensive checks.
// It always returns a complete result set: a probe that errors, panics, or
// overruns its timeout is reported unhealthy, never propagated.
type Aggregator struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	window  time.Duration
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	probes map[string]*probeState
}

// Options configures the aggregator.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// Window is how long a probe result stays trustworthy before it must be
	// recomputed.
	Window time.Duration
	// Timeout bounds a single probe execution.
	Timeout time.Duration
}

// NewAggregator constructs an empty aggregator; probes are added via
// Register.
func NewAggregator(opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := opts.Window
	if window <= 0 {
		window = defaultMemoizeWindow
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Aggregator{
		logger:  logger.With(slog.String("agent", "health")),
		metrics: opts.Metrics,
		window:  window,
		timeout: timeout,
		now:     time.Now,
		probes:  make(map[string]*probeState),
	}
}

// Register adds a probe under its name. Later registrations replace earlier
// ones.
func (a *Aggregator) Register(probe Probe) {
	if probe == nil || probe.Name() == "" {
		return
	}
	a.mu.Lock()
	a.probes[probe.Name()] = &probeState{probe: probe}
	a.mu.Unlock()
}

// Names lists the registered probe names in sorted order.
func (a *Aggregator) Names() []string {
	a.mu.RLock()
	names := make([]string, 0, len(a.probes))
	for name := range a.probes {
		names = append(names, name)
	}
	a.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Check returns a result for every requested probe name, recomputing those
// whose memoized result is older than the window. Unknown names come back
// unhealthy with a diagnostic detail so the caller still sees a complete set.
func (a *Aggregator) Check(ctx context.Context, names ...string) map[string]Result {
	if len(names) == 0 {
		names = a.Names()
	}
	results := make(map[string]Result, len(names))
	for _, name := range names {
		a.mu.RLock()
		state, ok := a.probes[name]
		a.mu.RUnlock()
		if !ok {
			results[name] = Result{
				Name:      name,
				Healthy:   false,
				Detail:    "probe not registered",
				CheckedAt: a.now(),
			}
			continue
		}
		results[name] = a.resolve(ctx, state)
	}
	return results
}

// Healthy reports whether every requested probe is currently healthy.
func (a *Aggregator) Healthy(ctx context.Context, names ...string) bool {
	for _, result := range a.Check(ctx, names...) {
		if !result.Healthy {
			return false
		}
	}
	return true
}

// resolve returns the memoized result when fresh, otherwise recomputes under
// the probe's own lock so concurrent callers within the window observe one
// shared execution.
func (a *Aggregator) resolve(ctx context.Context, state *probeState) Result {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.valid && a.now().Sub(state.result.CheckedAt) < a.window {
		return state.result
	}
	result := a.run(ctx, state.probe)
	state.result = result
	state.valid = true
	if a.metrics != nil {
		a.metrics.ObserveProbe(result.Name, result.Healthy)
	}
	if !result.Healthy {
		a.logger.Warn("probe unhealthy",
			slog.String("probe", result.Name),
			slog.String("detail", result.Detail))
	}
	return result
}

// run executes the probe on its own goroutine so a check that ignores its
// context still cannot stall the caller past the timeout.
func (a *Aggregator) run(ctx context.Context, probe Probe) Result {
	probeCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type outcome struct {
		healthy bool
		detail  string
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- outcome{healthy: false, detail: fmt.Sprintf("probe panic: %v", recovered)}
			}
		}()
		healthy, detail := probe.Run(probeCtx)
		done <- outcome{healthy: healthy, detail: detail}
	}()

	checkedAt := a.now()
	select {
	case out := <-done:
		return Result{Name: probe.Name(), Healthy: out.healthy, Detail: out.detail, CheckedAt: checkedAt}
	case <-probeCtx.Done():
		return Result{
			Name:      probe.Name(),
			Healthy:   false,
			Detail:    fmt.Sprintf("probe timed out after %s", a.timeout),
			CheckedAt: checkedAt,
		}
	}
}
