package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	ktoml "github.com/knadh/koanf/parsers/toml"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules
// and validates it so invalid settings fail at startup instead of per request.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserForFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader":       "server.logging.correlationHeader",
			"server.templates.templatesfolder":       "server.templates.templatesFolder",
			"server.templates.templatesallowenv":     "server.templates.templatesAllowEnv",
			"server.templates.templatesallowedenv":   "server.templates.templatesAllowedEnv",
			"upstream.timeoutseconds":                "upstream.timeoutSeconds",
			"cache.ttlseconds":                       "cache.ttlSeconds",
			"cache.maxttlseconds":                    "cache.maxTTLSeconds",
			"cache.followcachecontrol":               "cache.followCacheControl",
			"cache.maxbodybytes":                     "cache.maxBodyBytes",
			"cache.cacheredirects":                   "cache.cacheRedirects",
			"cache.varyheaders":                      "cache.varyHeaders",
			"cache.varyquery":                        "cache.varyQuery",
			"cache.skippaths":                        "cache.skipPaths",
			"cache.keysalt":                          "cache.keySalt",
			"cache.timeoutmillis":                    "cache.timeoutMillis",
			"cache.redis.tls.cafile":                 "cache.redis.tls.caFile",
			"breaker.failurethreshold":               "breaker.failureThreshold",
			"breaker.windowseconds":                  "breaker.windowSeconds",
			"breaker.cooldownseconds":                "breaker.cooldownSeconds",
			"breaker.maxcooldownseconds":             "breaker.maxCooldownSeconds",
			"breaker.halfopenprobes":                 "breaker.halfOpenProbes",
			"breaker.criticalprobes":                 "breaker.criticalProbes",
			"breaker.fallback.bodyfile":              "breaker.fallback.bodyFile",
			"breaker.fallback.contenttype":           "breaker.fallback.contentType",
			"compression.minbytes":                   "compression.minBytes",
			"health.memoizeseconds":                  "health.memoizeSeconds",
			"health.timeoutmillis":                   "health.timeoutMillis",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__TTL_SECONDS ->
			// cache.ttlseconds); single underscores collapse inside a segment.
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserForFile(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		return kyaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return ktoml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension: %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap
// provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"templates": map[string]any{
				"templatesFolder":     cfg.Server.Templates.TemplatesFolder,
				"templatesAllowEnv":   cfg.Server.Templates.TemplatesAllowEnv,
				"templatesAllowedEnv": cfg.Server.Templates.TemplatesAllowedEnv,
			},
		},
		"upstream": map[string]any{
			"url":            cfg.Upstream.URL,
			"timeoutSeconds": cfg.Upstream.TimeoutSeconds,
		},
		"cache": map[string]any{
			"backend":            cfg.Cache.Backend,
			"ttlSeconds":         cfg.Cache.TTLSeconds,
			"maxTTLSeconds":      cfg.Cache.MaxTTLSeconds,
			"followCacheControl": cfg.Cache.FollowCacheControl,
			"maxBodyBytes":       cfg.Cache.MaxBodyBytes,
			"statuses":           cfg.Cache.Statuses,
			"cacheRedirects":     cfg.Cache.CacheRedirects,
			"varyHeaders":        cfg.Cache.VaryHeaders,
			"varyQuery":          cfg.Cache.VaryQuery,
			"skipPaths":          cfg.Cache.SkipPaths,
			"condition":          cfg.Cache.Condition,
			"keySalt":            cfg.Cache.KeySalt,
			"epoch":              cfg.Cache.Epoch,
			"timeoutMillis":      cfg.Cache.TimeoutMillis,
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
			"disk": map[string]any{
				"path": cfg.Cache.Disk.Path,
			},
		},
		"breaker": map[string]any{
			"enabled":            cfg.Breaker.Enabled,
			"scope":              cfg.Breaker.Scope,
			"failureThreshold":   cfg.Breaker.FailureThreshold,
			"windowSeconds":      cfg.Breaker.WindowSeconds,
			"cooldownSeconds":    cfg.Breaker.CooldownSeconds,
			"maxCooldownSeconds": cfg.Breaker.MaxCooldownSeconds,
			"halfOpenProbes":     cfg.Breaker.HalfOpenProbes,
			"criticalProbes":     cfg.Breaker.CriticalProbes,
			"fallback": map[string]any{
				"status":      cfg.Breaker.Fallback.Status,
				"body":        cfg.Breaker.Fallback.Body,
				"bodyFile":    cfg.Breaker.Fallback.BodyFile,
				"contentType": cfg.Breaker.Fallback.ContentType,
			},
		},
		"compression": map[string]any{
			"preferred": cfg.Compression.Preferred,
			"minBytes":  cfg.Compression.MinBytes,
			"types":     cfg.Compression.Types,
		},
		"health": map[string]any{
			"memoizeSeconds": cfg.Health.MemoizeSeconds,
			"timeoutMillis":  cfg.Health.TimeoutMillis,
		},
	}
}
