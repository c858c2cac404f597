package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.App.Name != "buoywatch" {
		t.Fatalf("unexpected app name %q", cfg.App.Name)
	}
	if cfg.Queue.Workers != 4 {
		t.Fatalf("unexpected worker count %d", cfg.Queue.Workers)
	}
	if cfg.Scheduler.Interval != 15*time.Minute {
		t.Fatalf("unexpected scheduler interval %v", cfg.Scheduler.Interval)
	}
	if cfg.Notify.StaleAfter != 168*time.Hour {
		t.Fatalf("unexpected stale threshold %v", cfg.Notify.StaleAfter)
	}
	if cfg.Erddap.DefaultTimeout != 30*time.Second {
		t.Fatalf("unexpected default timeout %v", cfg.Erddap.DefaultTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
queue:
  workers: 8
scheduler:
  interval: 5m
  stale_after: 20m
api:
  port: 9090
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Queue.Workers != 8 {
		t.Fatalf("expected 8 workers, got %d", cfg.Queue.Workers)
	}
	if cfg.Scheduler.Interval != 5*time.Minute {
		t.Fatalf("expected 5m interval, got %v", cfg.Scheduler.Interval)
	}
	if cfg.API.ListenAddr() != "0.0.0.0:9090" {
		t.Fatalf("unexpected listen addr %s", cfg.API.ListenAddr())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg.Queue.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero workers")
	}

	cfg.Queue.Workers = 4
	cfg.Notify.Enabled = true
	cfg.Notify.WebhookURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for enabled notify without webhook")
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 1000}}
	if got := cfg.ResolveMaxPoints(0); got != 1000 {
		t.Fatalf("expected config default 1000, got %d", got)
	}
	if got := cfg.ResolveMaxPoints(50); got != 50 {
		t.Fatalf("expected override 50, got %d", got)
	}
}
