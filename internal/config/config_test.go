package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/acrewood/tangle/internal/config"
)

func withHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TANGLE_HOME", dir)
	return dir
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	dir := withHome(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != dir {
		t.Fatalf("expected home %q, got %q", dir, cfg.HomeDir)
	}
	if cfg.DBPath != filepath.Join(dir, "tangle.db") {
		t.Fatalf("unexpected default db path %q", cfg.DBPath)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.OwnerID != 1 {
		t.Fatalf("expected default owner 1, got %d", cfg.OwnerID)
	}
	if cfg.Recap.Schedule != "0 18 * * *" {
		t.Fatalf("unexpected default recap schedule %q", cfg.Recap.Schedule)
	}
}

func TestLoad_ReadsYAML(t *testing.T) {
	dir := withHome(t)

	yaml := `log_level: debug
owner_id: 7
recap:
  enabled: true
  schedule: "30 8 * * 1-5"
otel:
  enabled: true
  exporter: stdout
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %q", cfg.LogLevel)
	}
	if cfg.OwnerID != 7 {
		t.Fatalf("expected owner 7, got %d", cfg.OwnerID)
	}
	if !cfg.Recap.Enabled || cfg.Recap.Schedule != "30 8 * * 1-5" {
		t.Fatalf("unexpected recap config %+v", cfg.Recap)
	}
	if !cfg.OTel.Enabled || cfg.OTel.Exporter != "stdout" {
		t.Fatalf("unexpected otel config %+v", cfg.OTel)
	}
}

func TestSave_RoundTripsAndPreservesUnknownKeys(t *testing.T) {
	dir := withHome(t)

	seed := "log_level: warn\ncustom_note: keep me\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(seed), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.LogLevel = "error"
	if err := config.Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := config.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.LogLevel != "error" {
		t.Fatalf("expected saved log level, got %q", reloaded.LogLevel)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if want := "custom_note: keep me"; !strings.Contains(string(data), want) {
		t.Fatalf("expected unknown key preserved, config was:\n%s", data)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	withHome(t)

	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected identical fingerprints for identical configs")
	}
	b.OwnerID = 9
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected fingerprint to change with owner")
	}
}
