package pipeline

import (
	"net/http"
	"time"
)

// Outcome labels a finished request for metrics and logs.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeMiss     Outcome = "miss"
	OutcomeBypass   Outcome = "bypass"
	OutcomeWrite    Outcome = "write"
	OutcomeRejected Outcome = "rejected"
)

// State carries one request's observations across the pipeline stages so the
// final write and the instrumentation read from a single place.
type State struct {
	Method    string
	Path      string
	StartedAt time.Time

	Cache struct {
		Participates bool
		Hit          bool
		Stored       bool
	}

	Breaker struct {
		Scope string
		State string
		Probe bool
	}

	Compression struct {
		Encoding string
	}

	Response struct {
		Status    int
		Bytes     int
		FromCache bool
	}

	Outcome Outcome
}

// NewState seeds the per-request state from the incoming request.
func NewState(r *http.Request) *State {
	s := &State{
		Method:    r.Method,
		Path:      r.URL.Path,
		StartedAt: time.Now(),
	}
	s.Outcome = OutcomeBypass
	return s
}

// Elapsed is the wall time since the request entered the pipeline.
func (s *State) Elapsed() time.Duration {
	return time.Since(s.StartedAt)
}
