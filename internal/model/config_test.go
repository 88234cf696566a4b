package model

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("max retries = %d, want 3", cfg.Retry.MaxRetries)
	}
	if cfg.Barrier.TimeoutSec != 300 {
		t.Errorf("barrier timeout = %d, want 300", cfg.Barrier.TimeoutSec)
	}
	if cfg.Dispatch.MaxContextChars != 2500 {
		t.Errorf("context ceiling = %d, want 2500", cfg.Dispatch.MaxContextChars)
	}
}

func TestLoadConfig_PartialFileKeepsRemainingDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `retry:
  max_retries: 5
memory:
  reflection_max_chars: 4000
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("max retries = %d, want 5", cfg.Retry.MaxRetries)
	}
	if cfg.Memory.ReflectionMaxChars != 4000 {
		t.Errorf("reflection max = %d, want 4000", cfg.Memory.ReflectionMaxChars)
	}
	if cfg.Memory.ReflectionRoundChars != 500 {
		t.Errorf("reflection round = %d, want default 500", cfg.Memory.ReflectionRoundChars)
	}
	if len(cfg.Guard.BlockedTools) == 0 {
		t.Error("blocked tools default lost")
	}
}

func TestLoadConfig_MalformedYAMLIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("retry: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}
