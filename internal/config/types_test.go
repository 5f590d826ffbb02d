package config

import (
	"testing"
	"time"
)

func TestValidateDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]func(*Config){
		"bad port":             func(c *Config) { c.Server.Listen.Port = 0 },
		"bad upstream url":     func(c *Config) { c.Upstream.URL = "://nope" },
		"bad cache backend":    func(c *Config) { c.Cache.Backend = "floppy" },
		"redis without addr":   func(c *Config) { c.Cache.Backend = "redis" },
		"disk without path":    func(c *Config) { c.Cache.Backend = "disk" },
		"bad status code":      func(c *Config) { c.Cache.Statuses = []int{42} },
		"empty skip pattern":   func(c *Config) { c.Cache.SkipPaths = []string{" "} },
		"bad breaker scope":    func(c *Config) { c.Breaker.Scope = "galaxy" },
		"zero threshold":       func(c *Config) { c.Breaker.FailureThreshold = 0 },
		"max below cooldown":   func(c *Config) { c.Breaker.MaxCooldownSeconds = 1 },
		"body and bodyFile":    func(c *Config) { c.Breaker.Fallback.Body = "a"; c.Breaker.Fallback.BodyFile = "b" },
		"bad preferred coding": func(c *Config) { c.Compression.Preferred = "lzma" },
		"unnamed probe":        func(c *Config) { c.Health.Probes = []ProbeConfig{{Type: "cache"}} },
		"http probe no url":    func(c *Config) { c.Health.Probes = []ProbeConfig{{Name: "up", Type: "http"}} },
		"duplicate probes": func(c *Config) {
			c.Health.Probes = []ProbeConfig{{Name: "up", Type: "cache"}, {Name: "up", Type: "cache"}}
		},
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation failure", name)
		}
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Cache.CacheTTL() != time.Minute {
		t.Fatalf("cache ttl = %v", cfg.Cache.CacheTTL())
	}
	if cfg.Cache.StoreTimeout() != 250*time.Millisecond {
		t.Fatalf("store timeout = %v", cfg.Cache.StoreTimeout())
	}
	if (CacheConfig{}).StoreTimeout() != 250*time.Millisecond {
		t.Fatalf("zero timeout should fall back to 250ms")
	}
	if cfg.Breaker.Window() != time.Minute || cfg.Breaker.Cooldown() != 30*time.Second {
		t.Fatalf("breaker durations: %v %v", cfg.Breaker.Window(), cfg.Breaker.Cooldown())
	}
	if (HealthConfig{}).ProbeTimeout() != time.Second {
		t.Fatalf("zero probe timeout should fall back to 1s")
	}
}

func TestCacheableStatusesFoldsRedirects(t *testing.T) {
	cfg := CacheConfig{Statuses: []int{200}}
	if got := cfg.CacheableStatuses(); len(got) != 1 {
		t.Fatalf("without opt-in: %v", got)
	}
	cfg.CacheRedirects = true
	got := cfg.CacheableStatuses()
	want := map[int]bool{200: true, 301: true, 308: true}
	if len(got) != 3 {
		t.Fatalf("with opt-in: %v", got)
	}
	for _, status := range got {
		if !want[status] {
			t.Fatalf("unexpected status %d in %v", status, got)
		}
	}
}
