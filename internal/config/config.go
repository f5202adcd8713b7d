// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	Job        JobConfig        `mapstructure:"job"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// ShutdownTimeoutSeconds bounds the HTTP drain and pool shutdown.
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PoolConfig sizes the browser pool.
type PoolConfig struct {
	Capacity         int `mapstructure:"capacity"`
	Warm             int `mapstructure:"warm"`
	MaxUses          int `mapstructure:"max_uses"`
	MaxFailures      int `mapstructure:"max_failures"`
	AcquireTimeoutMs int `mapstructure:"acquire_timeout_ms"`
	LaunchTimeoutMs  int `mapstructure:"launch_timeout_ms"`
}

// DispatcherConfig governs admission and per-host throttling.
type DispatcherConfig struct {
	QueueDepth   int      `mapstructure:"queue_depth"`
	PerHostRPS   float64  `mapstructure:"per_host_rps"`
	PerHostBurst int      `mapstructure:"per_host_burst"`
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// CaptureConfig holds request defaults and limits.
type CaptureConfig struct {
	DefaultTimeoutMs     int    `mapstructure:"default_timeout_ms"`
	MaxTimeoutMs         int    `mapstructure:"max_timeout_ms"`
	DefaultWait          string `mapstructure:"default_wait"`
	DefaultWaitTimeoutMs int    `mapstructure:"default_wait_timeout_ms"`
	DefaultWaitPolicy    string `mapstructure:"default_wait_policy"`
	DefaultFormat        string `mapstructure:"default_format"`
	DefaultQuality       int    `mapstructure:"default_quality"`
	ViewportWidth        int    `mapstructure:"viewport_width"`
	ViewportHeight       int    `mapstructure:"viewport_height"`
	MaxViewport          int    `mapstructure:"max_viewport"`
}

// JobConfig tunes capture job supervision.
type JobConfig struct {
	KillGraceMs int `mapstructure:"kill_grace_ms"`
}

// EngineConfig selects and configures the browser engine.
type EngineConfig struct {
	Mode         string         `mapstructure:"mode"`
	ExecPath     string         `mapstructure:"exec_path"`
	RemoteURL    string         `mapstructure:"remote_url"`
	UserAgent    string         `mapstructure:"user_agent"`
	Flags        map[string]any `mapstructure:"flags"`
	DockerImage  string         `mapstructure:"docker_image"`
	DockerHostIP string         `mapstructure:"docker_host_ip"`
}

// StorageConfig sets where archived screenshots go.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	// Always archives every successful capture, not only ?store=true.
	Always bool `mapstructure:"always"`
}

// DBConfig controls access to the capture record table.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls capture lifecycle events.
type ProgressConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// LogEnabled adds a sink that debug-logs every event.
	LogEnabled     bool `mapstructure:"log_enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Supported engine modes.
const (
	EngineLocal  = "local"
	EngineRemote = "remote"
	EngineDocker = "docker"
)

// Supported storage backends.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Load builds a Config from .env, disk and environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("PAGESNAP")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("pool.capacity", 4)
	v.SetDefault("pool.warm", 0)
	v.SetDefault("pool.max_uses", 100)
	v.SetDefault("pool.max_failures", 3)
	v.SetDefault("pool.acquire_timeout_ms", 0)
	v.SetDefault("pool.launch_timeout_ms", 30000)
	v.SetDefault("dispatcher.queue_depth", 16)
	v.SetDefault("dispatcher.per_host_rps", 0)
	v.SetDefault("dispatcher.per_host_burst", 1)
	v.SetDefault("dispatcher.blocked_hosts", []string{"metadata.google.internal", "169.254.169.254"})
	v.SetDefault("capture.default_timeout_ms", 30000)
	v.SetDefault("capture.max_timeout_ms", 90000)
	v.SetDefault("capture.default_wait", string(capture.WaitLoad))
	v.SetDefault("capture.default_wait_timeout_ms", 15000)
	v.SetDefault("capture.default_wait_policy", string(capture.WaitPolicyFail))
	v.SetDefault("capture.default_format", string(capture.FormatPNG))
	v.SetDefault("capture.default_quality", 80)
	v.SetDefault("capture.viewport_width", 1280)
	v.SetDefault("capture.viewport_height", 800)
	v.SetDefault("capture.max_viewport", 4096)
	v.SetDefault("job.kill_grace_ms", 2000)
	v.SetDefault("engine.mode", EngineLocal)
	v.SetDefault("engine.user_agent", "pagesnap/0.1")
	v.SetDefault("engine.docker_image", "chromedp/headless-shell:latest")
	v.SetDefault("engine.docker_host_ip", "127.0.0.1")
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.local_dir", "screenshots")
	v.SetDefault("storage.prefix", "screenshots")
	v.SetDefault("db.table", "captures")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "pagesnap")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be > 0")
	}
	if c.Pool.Warm < 0 || c.Pool.Warm > c.Pool.Capacity {
		return fmt.Errorf("pool.warm must be between 0 and pool.capacity")
	}
	if c.Dispatcher.QueueDepth < 0 {
		return fmt.Errorf("dispatcher.queue_depth must be >= 0")
	}
	if c.Capture.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("capture.default_timeout_ms must be > 0")
	}
	if c.Capture.MaxTimeoutMs < c.Capture.DefaultTimeoutMs {
		return fmt.Errorf("capture.max_timeout_ms must be >= capture.default_timeout_ms")
	}
	if c.Capture.DefaultQuality < 1 || c.Capture.DefaultQuality > 100 {
		return fmt.Errorf("capture.default_quality must be between 1 and 100")
	}
	switch c.Engine.Mode {
	case EngineLocal, EngineDocker:
	case EngineRemote:
		if c.Engine.RemoteURL == "" {
			return fmt.Errorf("engine.remote_url must be set when engine.mode is remote")
		}
	default:
		return fmt.Errorf("engine.mode %q is not one of local, remote, docker", c.Engine.Mode)
	}
	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of none, memory, local, gcs", c.Storage.Backend)
	}
	if c.DB.DSN != "" && (c.DB.MaxConns <= 0 || c.DB.MaxConns > 1000) {
		return fmt.Errorf("db.max_conns must be between 1 and 1000")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// CaptureDefaults converts the capture section into request defaults.
func (c Config) CaptureDefaults() capture.Defaults {
	return capture.Defaults{
		Timeout:     millis(c.Capture.DefaultTimeoutMs),
		MaxTimeout:  millis(c.Capture.MaxTimeoutMs),
		Wait:        capture.WaitKind(c.Capture.DefaultWait),
		WaitTimeout: millis(c.Capture.DefaultWaitTimeoutMs),
		WaitPolicy:  capture.WaitPolicy(c.Capture.DefaultWaitPolicy),
		Format:      capture.Format(c.Capture.DefaultFormat),
		Quality:     c.Capture.DefaultQuality,
		Viewport:    capture.Viewport{Width: c.Capture.ViewportWidth, Height: c.Capture.ViewportHeight},
		MaxViewport: c.Capture.MaxViewport,
	}
}

// AcquireTimeout caps how long a job waits for a browser; zero means the
// request deadline alone applies.
func (c Config) AcquireTimeout() time.Duration { return millis(c.Pool.AcquireTimeoutMs) }

// LaunchTimeout bounds a single browser start.
func (c Config) LaunchTimeout() time.Duration { return millis(c.Pool.LaunchTimeoutMs) }

// KillGrace is how long a cancelled engine call may linger before the
// browser is killed.
func (c Config) KillGrace() time.Duration { return millis(c.Job.KillGraceMs) }

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
