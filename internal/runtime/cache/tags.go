package cache

import (
	"path"
	"strings"
)

// RootTag marks every cached entry so a full purge needs no key enumeration.
const RootTag = "root"

// NormalizePath collapses a request path to its canonical form so fingerprints
// and tags stay stable across trivial spelling differences (dot segments,
// duplicate or trailing slashes).
func NormalizePath(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "/" {
		return "/"
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." {
		return "/"
	}
	return cleaned
}

// DeriveTags computes the invalidation tag set for a request path: one tag per
// path prefix plus the root tag. `/users/42/posts` yields `users`,
// `users/42`, `users/42/posts`, and `root`, so invalidating a parent prefix
// reaches every cached child without enumerating them.
//
// Derivation is a pure function of the path and is load-bearing: it must stay
// stable across versions or previously cached entries become unreachable for
// invalidation.
func DeriveTags(rawPath string) []string {
	normalized := NormalizePath(rawPath)
	if normalized == "/" {
		return []string{RootTag}
	}
	segments := strings.Split(strings.Trim(normalized, "/"), "/")
	tags := make([]string, 0, len(segments)+1)
	tags = append(tags, RootTag)
	for i := range segments {
		tags = append(tags, strings.Join(segments[:i+1], "/"))
	}
	return tags
}

// tagsIntersect reports whether the two tag sets share any member.
func tagsIntersect(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	for _, tag := range b {
		if _, ok := set[tag]; ok {
			return true
		}
	}
	return false
}
