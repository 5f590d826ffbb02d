package server

import (
	"net/http"
	"strings"
)

// PipelineHTTP is the surface the router needs from the runtime pipeline.
type PipelineHTTP interface {
	Middleware(next http.Handler) http.Handler
	ServeHealth(http.ResponseWriter, *http.Request)
}

// Options selects the operational endpoints the router exposes alongside
// proxied traffic.
type Options struct {
	// Metrics, when non-nil, is mounted at /metrics.
	Metrics http.Handler
}

// NewHandler dispatches the operational endpoints and sends everything else
// through the pipeline to the upstream handler. Operational paths bypass the
// pipeline entirely: a tripped circuit must not hide the health report that
// explains it.
func NewHandler(p PipelineHTTP, upstream http.Handler, opts Options) http.Handler {
	if p == nil || upstream == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}
	proxied := p.Middleware(upstream)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch normalizeRoute(r.URL.Path) {
		case "healthz":
			p.ServeHealth(w, r)
		case "metrics":
			if opts.Metrics == nil {
				http.NotFound(w, r)
				return
			}
			opts.Metrics.ServeHTTP(w, r)
		default:
			proxied.ServeHTTP(w, r)
		}
	})
}

func normalizeRoute(path string) string {
	trimmed := strings.Trim(path, "/")
	switch strings.ToLower(trimmed) {
	case "health", "healthz":
		return "healthz"
	case "metrics":
		return "metrics"
	default:
		return ""
	}
}
