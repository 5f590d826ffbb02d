package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// FuncProbe adapts a plain function into a Probe.
type FuncProbe struct {
	ProbeName string
	Check     func(ctx context.Context) (bool, string)
}

func (p FuncProbe) Name() string { return p.ProbeName }

func (p FuncProbe) Run(ctx context.Context) (bool, string) {
	if p.Check == nil {
		return false, "no check function"
	}
	return p.Check(ctx)
}

// SizeReporter is the slice of the cache store the probe needs: a store that
// can count its entries is a store that can answer queries.
type SizeReporter interface {
	Size(ctx context.Context) (int64, error)
}

type storeProbe struct {
	name  string
	store SizeReporter
}

// NewStoreProbe reports the cache backend healthy when it answers a size
// query within the probe deadline.
func NewStoreProbe(name string, store SizeReporter) Probe {
	return &storeProbe{name: name, store: store}
}

func (p *storeProbe) Name() string { return p.name }

func (p *storeProbe) Run(ctx context.Context) (bool, string) {
	if p.store == nil {
		return false, "no store configured"
	}
	size, err := p.store.Size(ctx)
	if err != nil {
		return false, fmt.Sprintf("store unavailable: %v", err)
	}
	return true, fmt.Sprintf("%d entries", size)
}

type httpProbe struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPProbe reports healthy when a GET against the target URL returns a
// 2xx within the probe deadline.
func NewHTTPProbe(name, url string) Probe {
	return &httpProbe{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (p *httpProbe) Name() string { return p.name }

func (p *httpProbe) Run(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, fmt.Sprintf("bad probe url: %v", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("probe request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return true, fmt.Sprintf("status %d", resp.StatusCode)
}
