package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadConfigFileMissingUsesDefaults(t *testing.T) {
	cfg, err := ReadConfigFile(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("ReadConfigFile failed: %v", err)
	}
	if cfg.Port != 9001 {
		t.Errorf("Expected default port, got %d", cfg.Port)
	}
	if cfg.Batch.Window != 50*time.Millisecond || cfg.Batch.MaxWritesPerWindow != 120 {
		t.Errorf("Unexpected batch defaults %+v", cfg.Batch)
	}
	if cfg.Cache.FastTTL != 100*time.Millisecond || cfg.Cache.TTL != 5*time.Second {
		t.Errorf("Unexpected cache defaults %+v", cfg.Cache)
	}
	if cfg.Backend.QuotaBytes != 102400 {
		t.Errorf("Unexpected quota default %d", cfg.Backend.QuotaBytes)
	}
}

func TestReadConfigFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
port = 9100
api_secret = "s3cret"
notify_on_change = true

[backend]
dsn = "redis://localhost:6379/0"

[batch]
window = "20ms"

[cache]
ttl = "2s"

[[webhooks.listeners]]
url = "http://localhost:4201"

[[webhooks.listeners]]
url = "http://localhost:4202"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := ReadConfigFile(path)
	if err != nil {
		t.Fatalf("ReadConfigFile failed: %v", err)
	}
	if cfg.Port != 9100 || cfg.ApiSecret != "s3cret" || !cfg.NotifyOnChange {
		t.Errorf("Top-level overrides not applied: %+v", cfg)
	}
	if cfg.Backend.DSN != "redis://localhost:6379/0" {
		t.Errorf("Unexpected dsn %q", cfg.Backend.DSN)
	}
	if cfg.Backend.Namespace != "sync" {
		t.Errorf("Expected untouched default namespace, got %q", cfg.Backend.Namespace)
	}
	if cfg.Batch.Window != 20*time.Millisecond {
		t.Errorf("Expected 20ms window, got %v", cfg.Batch.Window)
	}
	if cfg.Batch.SafetyInterval != 10*time.Second {
		t.Errorf("Expected default safety interval, got %v", cfg.Batch.SafetyInterval)
	}
	if cfg.Cache.TTL != 2*time.Second || cfg.Cache.FastTTL != 100*time.Millisecond {
		t.Errorf("Unexpected cache config %+v", cfg.Cache)
	}
	urls := cfg.ListenerUrls()
	if len(urls) != 2 || urls[0] != "http://localhost:4201" {
		t.Errorf("Unexpected listeners %v", urls)
	}
	if Config.Port != 9100 {
		t.Error("Expected package Config to be updated")
	}
}

func TestReadConfigFileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[batch]\nwindow = \"0s\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadConfigFile(path); err == nil {
		t.Error("Expected zero batch window to be rejected")
	}
}
