package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}
	if cfg.Sandbox.Backend != "syscall_filter" {
		t.Errorf("default sandbox backend = %q, want syscall_filter", cfg.Sandbox.Backend)
	}
	if cfg.ContextStore.Backend != "memory" {
		t.Errorf("default context store backend = %q, want memory", cfg.ContextStore.Backend)
	}
	if cfg.Orchestrator.MaxConcurrent <= 0 {
		t.Errorf("default max_concurrent = %d, want > 0", cfg.Orchestrator.MaxConcurrent)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("sandbox:\n  backend: container\n  memory_mb: 512\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q) returned error: %v", path, err)
	}
	if cfg.Sandbox.Backend != "container" {
		t.Errorf("sandbox backend = %q, want container", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.MemoryMB != 512 {
		t.Errorf("memory_mb = %d, want 512", cfg.Sandbox.MemoryMB)
	}
}

func TestProductionRefusesInProcessSandbox(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("production: true\nsandbox:\n  backend: in_process\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject in_process sandbox backend in production mode")
	}
}

func TestRemoteKVRequiresDSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("context_store:\n  backend: remote_kv\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to require a DSN for the remote_kv backend")
	}
}
