package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.JobConcurrency != 5 || cfg.Pipeline.SubfetchConcurrency != 10 {
		t.Fatalf("unexpected concurrency defaults: %+v %+v", cfg.Scheduler, cfg.Pipeline)
	}
	if cfg.Pipeline.RepairRounds != 2 || cfg.Pipeline.IntegrityPolicy != IntegritySendAnyway {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if len(cfg.HTTP.RetryStatusCodes) != 6 {
		t.Fatalf("expected default retry status codes, got %v", cfg.HTTP.RetryStatusCodes)
	}
	if cfg.Store.Backend != "file" || cfg.Delivery.Primary != "local" {
		t.Fatalf("unexpected store/delivery defaults: %+v %+v", cfg.Store, cfg.Delivery)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  enabled: true
  port: 9090
scheduler:
  job_concurrency: 2
  isolation: subprocess
pipeline:
  subfetch_concurrency: 60
  repair_rounds: 3
  progress_every: 10
  integrity_policy: strict
http:
  timeout_seconds: 45
  retry_status_codes: [429, 503]
store:
  backend: postgres
  dsn: postgres://localhost/batch
delivery:
  primary: webhook
  secondary: gcs
  size_threshold_bytes: 1024
  relay_timeout_seconds: 5
  webhook:
    url: https://hooks.example.com/deliver
  gcs:
    bucket: artifacts
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || !cfg.Server.Enabled {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Scheduler.JobConcurrency != 2 || cfg.Scheduler.Isolation != IsolationSubprocess {
		t.Fatalf("expected scheduler overrides, got %+v", cfg.Scheduler)
	}
	if cfg.Pipeline.SubfetchConcurrency != 60 || cfg.Pipeline.IntegrityPolicy != IntegrityStrict {
		t.Fatalf("expected pipeline overrides, got %+v", cfg.Pipeline)
	}
	if len(cfg.HTTP.RetryStatusCodes) != 2 || cfg.HTTP.RetryStatusCodes[1] != 503 {
		t.Fatalf("expected retry codes override, got %v", cfg.HTTP.RetryStatusCodes)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	if got := cfg.RelayTimeout(); got != 5*time.Second {
		t.Fatalf("expected relay timeout 5s, got %v", got)
	}
	if cfg.Logging.Development {
		t.Fatal("expected production logging")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Scheduler: SchedulerConfig{JobConcurrency: 1, Isolation: IsolationInProcess},
		Pipeline: PipelineConfig{
			SubfetchConcurrency: 2,
			RepairRounds:        1,
			ProgressEvery:       5,
			IntegrityPolicy:     IntegritySendAnyway,
		},
		HTTP:     HTTPConfig{TimeoutSeconds: 10},
		Store:    StoreConfig{Backend: "memory"},
		Delivery: DeliveryConfig{Primary: "local", SizeThresholdBytes: 10, Local: LocalConfig{Dir: "out"}},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name string
		cfg  func(c Config) Config
		want string
	}{
		{name: "job concurrency", cfg: func(c Config) Config { c.Scheduler.JobConcurrency = 0; return c }, want: "scheduler.job_concurrency"},
		{name: "isolation", cfg: func(c Config) Config { c.Scheduler.Isolation = "thread"; return c }, want: "scheduler.isolation"},
		{name: "subfetch", cfg: func(c Config) Config { c.Pipeline.SubfetchConcurrency = 0; return c }, want: "pipeline.subfetch_concurrency"},
		{name: "repair rounds", cfg: func(c Config) Config { c.Pipeline.RepairRounds = 9; return c }, want: "pipeline.repair_rounds"},
		{name: "policy", cfg: func(c Config) Config { c.Pipeline.IntegrityPolicy = "maybe"; return c }, want: "pipeline.integrity_policy"},
		{name: "timeout", cfg: func(c Config) Config { c.HTTP.TimeoutSeconds = 0; return c }, want: "http.timeout_seconds"},
		{name: "postgres dsn", cfg: func(c Config) Config { c.Store.Backend = "postgres"; return c }, want: "store.dsn"},
		{name: "backend", cfg: func(c Config) Config { c.Store.Backend = "mongo"; return c }, want: "store.backend"},
		{name: "webhook url", cfg: func(c Config) Config { c.Delivery.Primary = "webhook"; return c }, want: "delivery.webhook.url"},
		{name: "gcs bucket", cfg: func(c Config) Config { c.Delivery.Secondary = "gcs"; return c }, want: "delivery.gcs.bucket"},
		{name: "threshold", cfg: func(c Config) Config { c.Delivery.SizeThresholdBytes = 0; return c }, want: "delivery.size_threshold_bytes"},
		{name: "server port", cfg: func(c Config) Config { c.Server.Enabled = true; return c }, want: "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg(base).Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
