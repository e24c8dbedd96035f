// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	API     APIConfig     `mapstructure:"api"`
	Logging LoggingConfig `mapstructure:"logging"`
	DB      DBConfig      `mapstructure:"db"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// APIConfig holds request defaults for the public endpoints.
type APIConfig struct {
	DefaultTarget string        `mapstructure:"default_target"`
	DefaultLimit  int           `mapstructure:"default_limit"`
	MaxLimit      int           `mapstructure:"max_limit"`
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN          string        `mapstructure:"dsn"`
	MaxConns     int32         `mapstructure:"max_conns"`
	MinConns     int32         `mapstructure:"min_conns"`
	SchemaLockID int64         `mapstructure:"schema_lock_id"`
	WaitAttempts int           `mapstructure:"wait_attempts"`
	WaitInterval time.Duration `mapstructure:"wait_interval"`

	// MaxConnLifetime recycles pooled connections; 0 keeps the pgx default.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// TrackerConfig selects the job status backend.
type TrackerConfig struct {
	Provider string `mapstructure:"provider"`
	// BadgerPath is used when provider is badger and the queue is not badger.
	BadgerPath string `mapstructure:"badger_path"`
}

// QueueConfig selects and tunes the job queue.
type QueueConfig struct {
	Provider string       `mapstructure:"provider"`
	Depth    int          `mapstructure:"depth"`
	Badger   BadgerConfig `mapstructure:"badger"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// BadgerConfig tunes the on-disk visibility-timeout queue.
type BadgerConfig struct {
	Path              string        `mapstructure:"path"`
	Name              string        `mapstructure:"name"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxReceive        int           `mapstructure:"max_receive"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// PubSubConfig names a Pub/Sub topic and optional subscription.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
}

// RunnerConfig describes how the external crawl process is launched.
type RunnerConfig struct {
	Command   string   `mapstructure:"command"`
	Args      []string `mapstructure:"args"`
	WorkDir   string   `mapstructure:"work_dir"`
	PathEnv   string   `mapstructure:"path_env"`
	PathValue string   `mapstructure:"path_value"`

	// TailBytes is the size in bytes, not characters, of the stdout and
	// stderr tails kept in a job result. A tail never starts mid-rune, so it
	// may hold up to utf8.UTFMax-1 fewer bytes.
	TailBytes   int           `mapstructure:"tail_bytes"`
	KillGrace   time.Duration `mapstructure:"kill_grace"`
	MaxLogBytes int64         `mapstructure:"max_log_bytes"`
}

// ArchiveConfig selects where full run logs are written.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`

	// GCSChunkSize is the resumable upload chunk size in bytes; 0 keeps the
	// client default.
	GCSChunkSize int `mapstructure:"gcs_chunk_size"`
}

// NotifyConfig holds the completion notification topic.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("api.default_target", "example_spider")
	v.SetDefault("api.default_limit", 50)
	v.SetDefault("api.max_limit", 500)
	v.SetDefault("api.health_timeout", 2*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.schema_lock_id", 727001)
	v.SetDefault("db.wait_attempts", 30)
	v.SetDefault("db.wait_interval", 2*time.Second)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("tracker.provider", "memory")
	v.SetDefault("tracker.badger_path", "data/jobs")
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.badger.path", "data/queue")
	v.SetDefault("queue.badger.name", "crawl-jobs")
	v.SetDefault("queue.badger.visibility_timeout", 65*time.Minute)
	v.SetDefault("queue.badger.max_receive", 5)
	v.SetDefault("queue.badger.poll_interval", 500*time.Millisecond)
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.topic", "crawl-jobs")
	v.SetDefault("queue.pubsub.subscription", "crawl-jobs-workers")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.job_timeout", time.Hour)
	v.SetDefault("runner.command", "quotespider")
	v.SetDefault("runner.args", []string{})
	v.SetDefault("runner.work_dir", ".")
	v.SetDefault("runner.path_env", "CRAWLER_PATH")
	v.SetDefault("runner.path_value", ".")
	v.SetDefault("runner.tail_bytes", 500)
	v.SetDefault("runner.kill_grace", 5*time.Second)
	v.SetDefault("runner.max_log_bytes", int64(8<<20))
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.dir", "data/logs")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.gcs_chunk_size", 0)
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.API.DefaultTarget) == "" {
		return fmt.Errorf("api.default_target must be set")
	}
	if c.API.DefaultLimit <= 0 {
		return fmt.Errorf("api.default_limit must be > 0")
	}
	if c.API.MaxLimit < c.API.DefaultLimit {
		return fmt.Errorf("api.max_limit must be >= api.default_limit")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be > 0")
	}
	if c.Runner.Command == "" {
		return fmt.Errorf("runner.command must be set")
	}
	if c.Runner.TailBytes <= 0 {
		return fmt.Errorf("runner.tail_bytes must be > 0")
	}
	if c.Runner.PathEnv == "" {
		return fmt.Errorf("runner.path_env must be set")
	}

	switch c.Tracker.Provider {
	case "memory", "badger":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when tracker.provider is postgres")
		}
	default:
		return fmt.Errorf("tracker.provider %q is not supported", c.Tracker.Provider)
	}

	switch c.Queue.Provider {
	case "memory":
		if c.Queue.Depth <= 0 {
			return fmt.Errorf("queue.depth must be > 0")
		}
	case "badger":
		if c.Queue.Badger.Path == "" {
			return fmt.Errorf("queue.badger.path must be set")
		}
		if c.Queue.Badger.VisibilityTimeout <= c.Worker.JobTimeout {
			return fmt.Errorf("queue.badger.visibility_timeout must exceed worker.job_timeout")
		}
		if c.Queue.Badger.MaxReceive <= 0 {
			return fmt.Errorf("queue.badger.max_receive must be > 0")
		}
	case "pubsub":
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.Topic == "" {
			return fmt.Errorf("queue.pubsub.project_id and queue.pubsub.topic must be set")
		}
	default:
		return fmt.Errorf("queue.provider %q is not supported", c.Queue.Provider)
	}

	switch c.Archive.Provider {
	case "none", "memory":
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set when archive.provider is local")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
		}
	default:
		return fmt.Errorf("archive.provider %q is not supported", c.Archive.Provider)
	}

	if c.Notify.Topic != "" && c.Notify.ProjectID == "" {
		return fmt.Errorf("notify.project_id must be set when notify.topic is set")
	}
	return nil
}

// SharedBadger reports whether the tracker and the queue should share one
// badger database.
func (c Config) SharedBadger() bool {
	return c.Tracker.Provider == "badger" && c.Queue.Provider == "badger"
}
