package config

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// Config holds every option consumed by the pipeline at construction time.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Upstream    UpstreamConfig    `koanf:"upstream"`
	Cache       CacheConfig       `koanf:"cache"`
	Breaker     BreakerConfig     `koanf:"breaker"`
	Compression CompressionConfig `koanf:"compression"`
	Health      HealthConfig      `koanf:"health"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle layer.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Templates TemplatesConfig `koanf:"templates"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// TemplatesConfig captures the fallback template sandbox root.
type TemplatesConfig struct {
	TemplatesFolder     string   `koanf:"templatesFolder"`
	TemplatesAllowEnv   bool     `koanf:"templatesAllowEnv"`
	TemplatesAllowedEnv []string `koanf:"templatesAllowedEnv"`
}

// UpstreamConfig points the proxy at the protected application.
type UpstreamConfig struct {
	URL            string `koanf:"url"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// CacheConfig tunes the response cache engine and its store backend.
type CacheConfig struct {
	Backend            string   `koanf:"backend"`
	TTLSeconds         int      `koanf:"ttlSeconds"`
	MaxTTLSeconds      int      `koanf:"maxTTLSeconds"`
	FollowCacheControl bool     `koanf:"followCacheControl"`
	MaxBodyBytes       int      `koanf:"maxBodyBytes"`
	Statuses           []int    `koanf:"statuses"`
	CacheRedirects     bool     `koanf:"cacheRedirects"`
	VaryHeaders        []string `koanf:"varyHeaders"`
	VaryQuery          []string `koanf:"varyQuery"`
	SkipPaths          []string `koanf:"skipPaths"`
	// Condition is an optional CEL expression evaluated against the inbound
	// request. A true result vetoes cache participation for that request.
	Condition     string `koanf:"condition"`
	KeySalt       string `koanf:"keySalt"`
	Epoch         int    `koanf:"epoch"`
	TimeoutMillis int    `koanf:"timeoutMillis"`

	Redis RedisCacheConfig `koanf:"redis"`
	Disk  DiskCacheConfig  `koanf:"disk"`
}

// RedisCacheConfig describes the valkey/redis store backend.
type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// DiskCacheConfig describes the leveldb-backed store.
type DiskCacheConfig struct {
	Path string `koanf:"path"`
}

// BreakerConfig tunes the per-scope circuit breaker state machines.
type BreakerConfig struct {
	Enabled            bool           `koanf:"enabled"`
	Scope              string         `koanf:"scope"`
	FailureThreshold   int            `koanf:"failureThreshold"`
	WindowSeconds      int            `koanf:"windowSeconds"`
	CooldownSeconds    int            `koanf:"cooldownSeconds"`
	MaxCooldownSeconds int            `koanf:"maxCooldownSeconds"`
	HalfOpenProbes     int            `koanf:"halfOpenProbes"`
	CriticalProbes     []string       `koanf:"criticalProbes"`
	Fallback           FallbackConfig `koanf:"fallback"`
}

// FallbackConfig shapes the response served while a circuit is open.
type FallbackConfig struct {
	Status      int    `koanf:"status"`
	Body        string `koanf:"body"`
	BodyFile    string `koanf:"bodyFile"`
	ContentType string `koanf:"contentType"`
}

// CompressionConfig tunes the outgoing encoding negotiation.
type CompressionConfig struct {
	Preferred string   `koanf:"preferred"`
	MinBytes  int      `koanf:"minBytes"`
	Types     []string `koanf:"types"`
}

// HealthConfig drives the probe aggregator.
type HealthConfig struct {
	MemoizeSeconds int           `koanf:"memoizeSeconds"`
	TimeoutMillis  int           `koanf:"timeoutMillis"`
	Probes         []ProbeConfig `koanf:"probes"`
}

// ProbeConfig declares one named availability probe.
type ProbeConfig struct {
	Name string `koanf:"name"`
	Type string `koanf:"type"`
	URL  string `koanf:"url"`
}

// CacheTTL returns the configured default entry lifetime.
func (c CacheConfig) CacheTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// MaxTTL returns the entry lifetime ceiling, zero meaning no ceiling.
func (c CacheConfig) MaxTTL() time.Duration {
	return time.Duration(c.MaxTTLSeconds) * time.Second
}

// StoreTimeout bounds each cache store round trip so an unresponsive backend
// degrades to a miss instead of stalling the request.
func (c CacheConfig) StoreTimeout() time.Duration {
	if c.TimeoutMillis <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// CacheableStatuses resolves the effective status-code set, folding in the
// redirect opt-in.
func (c CacheConfig) CacheableStatuses() []int {
	statuses := make([]int, 0, len(c.Statuses)+2)
	statuses = append(statuses, c.Statuses...)
	if c.CacheRedirects {
		statuses = append(statuses, 301, 308)
	}
	return statuses
}

// Window returns the sliding failure-accounting window.
func (c BreakerConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Cooldown returns the base open-state cooldown.
func (c BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// MaxCooldown returns the backoff ceiling for repeated re-opens.
func (c BreakerConfig) MaxCooldown() time.Duration {
	return time.Duration(c.MaxCooldownSeconds) * time.Second
}

// MemoizeWindow returns how long probe results stay trustworthy.
func (c HealthConfig) MemoizeWindow() time.Duration {
	return time.Duration(c.MemoizeSeconds) * time.Second
}

// ProbeTimeout bounds a single probe execution.
func (c HealthConfig) ProbeTimeout() time.Duration {
	if c.TimeoutMillis <= 0 {
		return time.Second
	}
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic. Configuration errors are fatal at construction, never at
// request time.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Upstream.URL != "" {
		parsed, err := url.Parse(c.Upstream.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("config: upstream.url invalid: %q", c.Upstream.URL)
		}
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateBreaker(); err != nil {
		return err
	}
	if err := c.validateCompression(); err != nil {
		return err
	}
	return c.validateHealth()
}

func (c *Config) validateCache() error {
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: cache.ttlSeconds invalid: %d", c.Cache.TTLSeconds)
	}
	if c.Cache.MaxTTLSeconds < 0 {
		return fmt.Errorf("config: cache.maxTTLSeconds invalid: %d", c.Cache.MaxTTLSeconds)
	}
	if c.Cache.MaxBodyBytes < 0 {
		return fmt.Errorf("config: cache.maxBodyBytes invalid: %d", c.Cache.MaxBodyBytes)
	}
	if c.Cache.Epoch < 0 {
		return fmt.Errorf("config: cache.epoch invalid: %d", c.Cache.Epoch)
	}
	for _, status := range c.Cache.Statuses {
		if status < 100 || status > 599 {
			return fmt.Errorf("config: cache.statuses contains invalid code: %d", status)
		}
	}
	for _, pattern := range c.Cache.SkipPaths {
		if strings.TrimSpace(pattern) == "" {
			return errors.New("config: cache.skipPaths contains an empty pattern")
		}
		if _, err := path.Match(pattern, "/probe"); err != nil {
			return fmt.Errorf("config: cache.skipPaths pattern %q invalid: %w", pattern, err)
		}
	}
	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	case "disk":
		if strings.TrimSpace(c.Cache.Disk.Path) == "" {
			return errors.New("config: cache.disk.path required for disk backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	return nil
}

func (c *Config) validateBreaker() error {
	scope := strings.TrimSpace(strings.ToLower(c.Breaker.Scope))
	switch scope {
	case "", "global", "route":
	default:
		return fmt.Errorf("config: breaker.scope unsupported: %s", c.Breaker.Scope)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: breaker.failureThreshold invalid: %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.WindowSeconds <= 0 {
		return fmt.Errorf("config: breaker.windowSeconds invalid: %d", c.Breaker.WindowSeconds)
	}
	if c.Breaker.CooldownSeconds <= 0 {
		return fmt.Errorf("config: breaker.cooldownSeconds invalid: %d", c.Breaker.CooldownSeconds)
	}
	if c.Breaker.MaxCooldownSeconds > 0 && c.Breaker.MaxCooldownSeconds < c.Breaker.CooldownSeconds {
		return fmt.Errorf("config: breaker.maxCooldownSeconds below cooldownSeconds: %d", c.Breaker.MaxCooldownSeconds)
	}
	if c.Breaker.HalfOpenProbes <= 0 {
		return fmt.Errorf("config: breaker.halfOpenProbes invalid: %d", c.Breaker.HalfOpenProbes)
	}
	if c.Breaker.Fallback.Status != 0 && (c.Breaker.Fallback.Status < 100 || c.Breaker.Fallback.Status > 599) {
		return fmt.Errorf("config: breaker.fallback.status invalid: %d", c.Breaker.Fallback.Status)
	}
	if c.Breaker.Fallback.Body != "" && c.Breaker.Fallback.BodyFile != "" {
		return errors.New("config: breaker.fallback.body and bodyFile are mutually exclusive")
	}
	return nil
}

func (c *Config) validateCompression() error {
	preferred := strings.TrimSpace(strings.ToLower(c.Compression.Preferred))
	switch preferred {
	case "", "identity", "gzip", "br", "zstd":
	default:
		return fmt.Errorf("config: compression.preferred unsupported: %s", c.Compression.Preferred)
	}
	if c.Compression.MinBytes < 0 {
		return fmt.Errorf("config: compression.minBytes invalid: %d", c.Compression.MinBytes)
	}
	return nil
}

func (c *Config) validateHealth() error {
	if c.Health.MemoizeSeconds < 0 {
		return fmt.Errorf("config: health.memoizeSeconds invalid: %d", c.Health.MemoizeSeconds)
	}
	seen := make(map[string]struct{}, len(c.Health.Probes))
	for i, probe := range c.Health.Probes {
		name := strings.TrimSpace(probe.Name)
		if name == "" {
			return fmt.Errorf("config: health.probes[%d].name required", i)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("config: health.probes duplicate name %q", name)
		}
		seen[name] = struct{}{}
		switch strings.TrimSpace(strings.ToLower(probe.Type)) {
		case "cache":
		case "http":
			if strings.TrimSpace(probe.URL) == "" {
				return fmt.Errorf("config: health.probes[%d] http probe requires url", i)
			}
		default:
			return fmt.Errorf("config: health.probes[%d].type unsupported: %s", i, probe.Type)
		}
	}
	for _, name := range c.Breaker.CriticalProbes {
		if strings.TrimSpace(name) == "" {
			return errors.New("config: breaker.criticalProbes contains an empty name")
		}
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design
// defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Templates: TemplatesConfig{
				TemplatesFolder:   "./templates",
				TemplatesAllowEnv: false,
			},
		},
		Upstream: UpstreamConfig{
			TimeoutSeconds: 30,
		},
		Cache: CacheConfig{
			Backend:       "memory",
			TTLSeconds:    60,
			MaxTTLSeconds: 3600,
			MaxBodyBytes:  1 << 20,
			Statuses:      []int{200, 203},
			Epoch:         1,
			TimeoutMillis: 250,
		},
		Breaker: BreakerConfig{
			Enabled:            true,
			Scope:              "route",
			FailureThreshold:   5,
			WindowSeconds:      60,
			CooldownSeconds:    30,
			MaxCooldownSeconds: 300,
			HalfOpenProbes:     1,
			Fallback: FallbackConfig{
				Status: 503,
			},
		},
		Compression: CompressionConfig{
			Preferred: "br",
			MinBytes:  1024,
			Types: []string{
				"text/",
				"application/json",
				"application/javascript",
				"application/xml",
				"image/svg+xml",
			},
		},
		Health: HealthConfig{
			MemoizeSeconds: 10,
			TimeoutMillis:  1000,
		},
	}
}
