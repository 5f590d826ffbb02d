package templates

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewSandboxRequiresDirectory(t *testing.T) {
	if _, err := NewSandbox(""); err == nil {
		t.Fatalf("empty root should error")
	}
	if _, err := NewSandbox("/does/not/exist"); err == nil {
		t.Fatalf("missing root should error")
	}

	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewSandbox(file); err == nil {
		t.Fatalf("non-directory root should error")
	}
}

func TestResolveContainsPaths(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "inner.tmpl"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}

	resolved, err := sandbox.Resolve("inner.tmpl")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if filepath.Dir(resolved) != sandbox.Root() {
		t.Fatalf("resolved outside root: %q", resolved)
	}

	if _, err := sandbox.Resolve("../outside.tmpl"); err == nil {
		t.Fatalf("traversal should be rejected")
	}
	if _, err := sandbox.Resolve("/etc/passwd"); err == nil {
		t.Fatalf("absolute escape should be rejected")
	}
}

func TestResolveSymlinkEscapeRejected(t *testing.T) {
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.tmpl")
	if err := os.WriteFile(secret, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	dir := t.TempDir()
	link := filepath.Join(dir, "link.tmpl")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	if _, err := sandbox.Resolve("link.tmpl"); err == nil {
		t.Fatalf("symlink escape should be rejected")
	}
}
