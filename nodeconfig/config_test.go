package nodeconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultBindAddr(t *testing.T) {
	cfg := Default()
	if cfg.BindAddr != DefaultBindAddr {
		t.Errorf("expected default bind addr %q, got %q", DefaultBindAddr, cfg.BindAddr)
	}
}

func TestLoadParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	if err := os.WriteFile(path, []byte(`bind_addr = "127.0.0.1:4000"`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:4000" {
		t.Errorf("expected bind addr from file, got %q", cfg.BindAddr)
	}
}

func TestResolvePositionalArgOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	if err := os.WriteFile(path, []byte(`bind_addr = "127.0.0.1:4000"`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Resolve(path, "127.0.0.1:9999")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Errorf("expected positional arg to win, got %q", cfg.BindAddr)
	}
}

func TestResolveWithNoOverridesUsesDefault(t *testing.T) {
	cfg, err := Resolve("", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.BindAddr != DefaultBindAddr {
		t.Errorf("expected default bind addr, got %q", cfg.BindAddr)
	}
}
