package cache

import (
	"reflect"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                   "/",
		"/":                  "/",
		"users":              "/users",
		"/users/":            "/users",
		"/users//42":         "/users/42",
		"/users/42/../43":    "/users/43",
		"/users/./42":        "/users/42",
		"  /users/42  ":      "/users/42",
		"/users/42/posts/..": "/users/42",
	}
	for input, want := range cases {
		if got := NormalizePath(input); got != want {
			t.Fatalf("NormalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestDeriveTagsIncludesEveryPrefix(t *testing.T) {
	got := DeriveTags("/users/42/posts")
	want := []string{RootTag, "users", "users/42", "users/42/posts"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DeriveTags = %v, want %v", got, want)
	}
}

func TestDeriveTagsRootOnly(t *testing.T) {
	got := DeriveTags("/")
	if !reflect.DeepEqual(got, []string{RootTag}) {
		t.Fatalf("DeriveTags(/) = %v, want [%s]", got, RootTag)
	}
}

func TestDeriveTagsStableAcrossSpellings(t *testing.T) {
	a := DeriveTags("/users/42/")
	b := DeriveTags("users//42")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("tag derivation diverged: %v vs %v", a, b)
	}
}

func TestParentMutationReachesChildEntries(t *testing.T) {
	// A write to /users must share a tag with a cached read of /users/42/posts.
	writeTags := DeriveTags("/users")
	readTags := DeriveTags("/users/42/posts")
	if !tagsIntersect(writeTags, readTags) {
		t.Fatalf("expected %v to intersect %v", writeTags, readTags)
	}
	unrelated := DeriveTags("/orders/7")
	if len(writeTags) > 1 && len(unrelated) > 1 {
		if tagsIntersect(writeTags[1:], unrelated[1:]) {
			t.Fatalf("unrelated paths should not intersect beyond the root tag")
		}
	}
}
