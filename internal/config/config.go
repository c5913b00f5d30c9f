// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Integrity policies applied when chapters remain unrecoverable after repair.
const (
	IntegritySendAnyway = "send_anyway"
	IntegrityStrict     = "strict"
)

// Worker isolation modes.
const (
	IsolationInProcess  = "inprocess"
	IsolationSubprocess = "subprocess"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Store     StoreConfig     `mapstructure:"store"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the operator HTTP API.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs job-level concurrency and worker isolation.
type SchedulerConfig struct {
	JobConcurrency int    `mapstructure:"job_concurrency"`
	Isolation      string `mapstructure:"isolation"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
}

// PipelineConfig controls the per-job executor.
type PipelineConfig struct {
	SubfetchConcurrency int    `mapstructure:"subfetch_concurrency"`
	MinChapterBytes     int    `mapstructure:"min_chapter_bytes"`
	RepairRounds        int    `mapstructure:"repair_rounds"`
	ProgressEvery       int    `mapstructure:"progress_every"`
	IntegrityPolicy     string `mapstructure:"integrity_policy"`
	WorkDir             string `mapstructure:"work_dir"`
}

// HTTPConfig configures the fetch client.
type HTTPConfig struct {
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	RetryStatusCodes []int   `mapstructure:"retry_status_codes"`
	UserAgent        string  `mapstructure:"user_agent"`
	PerHostRPS       float64 `mapstructure:"per_host_rps"`
	PerHostBurst     int     `mapstructure:"per_host_burst"`
}

// StoreConfig selects and configures the job store backend.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	Dir      string `mapstructure:"dir"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DeliveryConfig configures the delivery router and its channels.
type DeliveryConfig struct {
	Primary            string        `mapstructure:"primary"`
	Secondary          string        `mapstructure:"secondary"`
	SizeThresholdBytes int64         `mapstructure:"size_threshold_bytes"`
	RelayTimeoutSecs   int           `mapstructure:"relay_timeout_seconds"`
	Local              LocalConfig   `mapstructure:"local"`
	Webhook            WebhookConfig `mapstructure:"webhook"`
	GCS                GCSConfig     `mapstructure:"gcs"`
	PubSub             PubSubConfig  `mapstructure:"pubsub"`
}

// LocalConfig configures the outbox directory channel.
type LocalConfig struct {
	Dir string `mapstructure:"dir"`
}

// WebhookConfig configures the HTTP webhook channel.
type WebhookConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// GCSConfig configures the Cloud Storage relay.
type GCSConfig struct {
	Bucket        string `mapstructure:"bucket"`
	Prefix        string `mapstructure:"prefix"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// PubSubConfig holds metadata for delivery announcements.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig throttles progress forwarding.
type ProgressConfig struct {
	MinIntervalMs int  `mapstructure:"min_interval_ms"`
	LogEnabled    bool `mapstructure:"log_enabled"`
	Notify        bool `mapstructure:"notify"`
}

// IntakeConfig configures the inbox directory watcher.
type IntakeConfig struct {
	InboxDir string `mapstructure:"inbox_dir"`
	Watch    bool   `mapstructure:"watch"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BATCHCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.job_concurrency", 5)
	v.SetDefault("scheduler.isolation", IsolationInProcess)
	v.SetDefault("scheduler.poll_interval_ms", 2000)
	v.SetDefault("pipeline.subfetch_concurrency", 10)
	v.SetDefault("pipeline.min_chapter_bytes", 200)
	v.SetDefault("pipeline.repair_rounds", 2)
	v.SetDefault("pipeline.progress_every", 25)
	v.SetDefault("pipeline.integrity_policy", IntegritySendAnyway)
	v.SetDefault("pipeline.work_dir", "downloads")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("http.backoff_max_ms", 8000)
	v.SetDefault("http.retry_status_codes", []int{408, 429, 500, 502, 503, 504})
	v.SetDefault("http.user_agent", "novel-batch-crawler/0.1")
	v.SetDefault("http.per_host_rps", 0)
	v.SetDefault("http.per_host_burst", 1)
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.dir", "state")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("delivery.primary", "local")
	v.SetDefault("delivery.secondary", "none")
	v.SetDefault("delivery.size_threshold_bytes", 50*1024*1024)
	v.SetDefault("delivery.relay_timeout_seconds", 120)
	v.SetDefault("delivery.local.dir", "outbox")
	v.SetDefault("delivery.webhook.timeout_seconds", 60)
	v.SetDefault("delivery.gcs.prefix", "artifacts")
	v.SetDefault("progress.min_interval_ms", 3000)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.notify", true)
	v.SetDefault("intake.watch", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.JobConcurrency <= 0 {
		return fmt.Errorf("scheduler.job_concurrency must be > 0")
	}
	switch c.Scheduler.Isolation {
	case IsolationInProcess, IsolationSubprocess:
	default:
		return fmt.Errorf("scheduler.isolation must be %q or %q", IsolationInProcess, IsolationSubprocess)
	}
	if c.Pipeline.SubfetchConcurrency <= 0 {
		return fmt.Errorf("pipeline.subfetch_concurrency must be > 0")
	}
	if c.Pipeline.RepairRounds < 0 || c.Pipeline.RepairRounds > 3 {
		return fmt.Errorf("pipeline.repair_rounds must be between 0 and 3")
	}
	if c.Pipeline.ProgressEvery <= 0 {
		return fmt.Errorf("pipeline.progress_every must be > 0")
	}
	switch c.Pipeline.IntegrityPolicy {
	case IntegritySendAnyway, IntegrityStrict:
	default:
		return fmt.Errorf("pipeline.integrity_policy must be %q or %q", IntegritySendAnyway, IntegrityStrict)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	return c.validateDelivery()
}

func (c Config) validateStore() error {
	switch c.Store.Backend {
	case "memory":
	case "file":
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir must be set for the file backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	return nil
}

func (c Config) validateDelivery() error {
	if c.Delivery.SizeThresholdBytes <= 0 {
		return fmt.Errorf("delivery.size_threshold_bytes must be > 0")
	}
	switch c.Delivery.Primary {
	case "local":
		if c.Delivery.Local.Dir == "" {
			return fmt.Errorf("delivery.local.dir must be set for the local channel")
		}
	case "webhook":
		if c.Delivery.Webhook.URL == "" {
			return fmt.Errorf("delivery.webhook.url must be set for the webhook channel")
		}
	default:
		return fmt.Errorf("delivery.primary %q is not supported", c.Delivery.Primary)
	}
	switch c.Delivery.Secondary {
	case "", "none":
	case "gcs":
		if c.Delivery.GCS.Bucket == "" {
			return fmt.Errorf("delivery.gcs.bucket must be set for the gcs relay")
		}
		if c.Delivery.RelayTimeoutSecs <= 0 {
			return fmt.Errorf("delivery.relay_timeout_seconds must be > 0")
		}
	default:
		return fmt.Errorf("delivery.secondary %q is not supported", c.Delivery.Secondary)
	}
	return nil
}

// FetchTimeout is the per-request fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RelayTimeout bounds the secondary relay handoff.
func (c Config) RelayTimeout() time.Duration {
	return time.Duration(c.Delivery.RelayTimeoutSecs) * time.Second
}

// PollInterval is how often an idle scheduler re-checks the store.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalMs) * time.Millisecond
}

// ProgressInterval is the minimum gap between forwarded progress updates per job.
func (c Config) ProgressInterval() time.Duration {
	return time.Duration(c.Progress.MinIntervalMs) * time.Millisecond
}
