package cache

import (
	"strconv"
	"strings"
	"time"
)

// Directive holds the parsed Cache-Control directives of a backend response
// that matter for the caching decision. Unknown directives are ignored.
type Directive struct {
	MaxAge  *int
	SMaxAge *int
	NoCache bool
	NoStore bool
	Private bool
}

// ParseCacheControl extracts the caching-relevant directives from a
// Cache-Control header value.
func ParseCacheControl(header string) Directive {
	directive := Directive{}
	if header == "" {
		return directive
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if key, value, found := strings.Cut(part, "="); found {
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "max-age":
				if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds >= 0 {
					directive.MaxAge = &seconds
				}
			case "s-maxage":
				if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds >= 0 {
					directive.SMaxAge = &seconds
				}
			}
			continue
		}
		switch strings.ToLower(part) {
		case "no-cache":
			directive.NoCache = true
		case "no-store":
			directive.NoStore = true
		case "private":
			directive.Private = true
		}
	}
	return directive
}

// Forbidden reports whether the response explicitly opted out of shared
// caching. Any of no-cache, no-store, or private is sufficient.
func (d Directive) Forbidden() bool {
	return d.NoCache || d.NoStore || d.Private
}

// TTL derives the entry lifetime from the directive. s-maxage wins over
// max-age as the shared-cache preference. A nil result means no directive was
// present and the configured TTL applies.
func (d Directive) TTL() *time.Duration {
	if d.Forbidden() {
		zero := time.Duration(0)
		return &zero
	}
	if d.SMaxAge != nil {
		ttl := time.Duration(*d.SMaxAge) * time.Second
		return &ttl
	}
	if d.MaxAge != nil {
		ttl := time.Duration(*d.MaxAge) * time.Second
		return &ttl
	}
	return nil
}
