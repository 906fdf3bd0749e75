package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"protomedia/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := strings.Join([]string{
		"[paths]",
		`data_dir = "` + filepath.Join(dir, "data") + `"`,
		`log_dir = "` + filepath.Join(dir, "logs") + `"`,
		"",
		"[queues.image_finishing]",
		"max_attempts = 7",
		"backoff_base_ms = 500",
		"",
		"[status_cache]",
		"ttl_seconds = 60",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected config found at %s, got %s exists=%v", path, resolved, exists)
	}
	if cfg.Queues.ImageFinishing.MaxAttempts != 7 {
		t.Errorf("max_attempts = %d, want 7", cfg.Queues.ImageFinishing.MaxAttempts)
	}
	if cfg.Queues.ImageFinishing.BackoffBaseMs != 500 {
		t.Errorf("backoff_base_ms = %d, want 500", cfg.Queues.ImageFinishing.BackoffBaseMs)
	}
	if cfg.StatusCache.TTLSeconds != 60 {
		t.Errorf("ttl_seconds = %d, want 60", cfg.StatusCache.TTLSeconds)
	}
	// Untouched sections keep their defaults.
	if cfg.Queues.DocumentRendering.MaxAttempts != 3 {
		t.Errorf("document max_attempts = %d, want default 3", cfg.Queues.DocumentRendering.MaxAttempts)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.toml")
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for missing file")
	}
	if cfg.Encoder.Gallery.MaxWidth != 1920 {
		t.Errorf("gallery max_width = %d, want 1920", cfg.Encoder.Gallery.MaxWidth)
	}
}

func TestValidateRejectsBadRenditionFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "[encoder.gallery]\nformat = \"webp\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for unsupported format")
	}
}

func TestWriteSampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if err := config.WriteSample(path); err == nil {
		t.Fatal("expected error when config already exists")
	}
}
