package config_test

import (
	"testing"
	"time"

	"studyline/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "proj-1" {
		t.Fatalf("project id not applied: %q", cfg.Project.ID)
	}
}

func TestFromYAML(t *testing.T) {
	data := []byte(`
project:
  id: proj-1
protocol:
  url: https://protocols.example.org/doc.json
  timeout_seconds: 5
scheduler:
  interval_min: 30
  workers: 8
  cache_size: 64
`)
	cfg, err := config.FromYAML(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Protocol.URL != "https://protocols.example.org/doc.json" {
		t.Fatalf("url not parsed")
	}
	if cfg.ProtocolTimeout() != 5*time.Second {
		t.Fatalf("timeout: %v", cfg.ProtocolTimeout())
	}
	if cfg.SchedulerInterval() != 30*time.Minute {
		t.Fatalf("interval: %v", cfg.SchedulerInterval())
	}
	if cfg.SchedulerWorkers() != 8 || cfg.SchedulerCacheSize() != 64 {
		t.Fatalf("worker/cache settings not parsed")
	}
}

func TestMissingProjectIDRejected(t *testing.T) {
	if _, err := config.FromYAML([]byte(`scheduler: {interval_min: 10}`)); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestZeroValuesFallBackToDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`project: {id: proj-1}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProtocolTimeout() != 30*time.Second {
		t.Fatalf("protocol timeout default: %v", cfg.ProtocolTimeout())
	}
	if cfg.SchedulerInterval() != time.Hour {
		t.Fatalf("interval default: %v", cfg.SchedulerInterval())
	}
	if cfg.SchedulerWorkers() != 4 {
		t.Fatalf("workers default: %d", cfg.SchedulerWorkers())
	}
	if cfg.SchedulerCacheSize() != 512 {
		t.Fatalf("cache size default: %d", cfg.SchedulerCacheSize())
	}
	if cfg.DeliveryTimeout() != 10*time.Second {
		t.Fatalf("delivery timeout default: %v", cfg.DeliveryTimeout())
	}
}
