package relay

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Port != 3001 {
		t.Fatalf("expected fallback port 3001, got %d", cfg.Port)
	}
	if cfg.CaseIDField != DefaultCaseIDField {
		t.Fatalf("unexpected case id field %q", cfg.CaseIDField)
	}
	if cfg.NATS.ReconnectWait != 2*time.Second {
		t.Fatalf("unexpected reconnect wait %s", cfg.NATS.ReconnectWait)
	}
}

func TestLoadConfigOverridesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livesync.yaml")
	raw := `
port: 9090
state_file: /var/lib/livesync/state.json
nats:
  url: nats://localhost:4222
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.StateFile != "/var/lib/livesync/state.json" {
		t.Fatalf("unexpected state file %q", cfg.StateFile)
	}
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Fatalf("unexpected nats url %q", cfg.NATS.URL)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Logging.Level)
	}
	// Unset keys keep their defaults.
	if cfg.CaseIDField != DefaultCaseIDField {
		t.Fatalf("expected default case id field, got %q", cfg.CaseIDField)
	}
	if cfg.NATS.Subject != "livesync.vitals" {
		t.Fatalf("expected default subject, got %q", cfg.NATS.Subject)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("expected default body limit, got %d", cfg.MaxBodyBytes)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadConfigRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livesync.yaml")
	if err := os.WriteFile(path, []byte("port: [not a port"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}
