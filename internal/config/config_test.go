package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  shutdown_timeout: 3s
api:
  default_target: books
  default_limit: 20
  max_limit: 100
logging:
  development: false
db:
  dsn: postgres://crawler@localhost/crawler
  max_conns: 4
tracker:
  provider: postgres
queue:
  provider: badger
  badger:
    path: /tmp/q
    visibility_timeout: 2h
    max_receive: 3
worker:
  concurrency: 2
  job_timeout: 30m
runner:
  command: scrapy
  args: ["crawl"]
  work_dir: /scraper
  path_env: PYTHONPATH
  path_value: /scraper
  tail_bytes: 1000
archive:
  provider: gcs
  gcs_bucket: crawl-logs
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	require.Equal(t, "books", cfg.API.DefaultTarget)
	require.Equal(t, 100, cfg.API.MaxLimit)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, int32(4), cfg.DB.MaxConns)
	require.Equal(t, "postgres", cfg.Tracker.Provider)
	require.Equal(t, "badger", cfg.Queue.Provider)
	require.Equal(t, 2*time.Hour, cfg.Queue.Badger.VisibilityTimeout)
	require.Equal(t, 30*time.Minute, cfg.Worker.JobTimeout)
	require.Equal(t, []string{"crawl"}, cfg.Runner.Args)
	require.Equal(t, "PYTHONPATH", cfg.Runner.PathEnv)
	require.Equal(t, 1000, cfg.Runner.TailBytes)
	require.Equal(t, "crawl-logs", cfg.Archive.GCSBucket)
	require.False(t, cfg.SharedBadger())
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "example_spider", cfg.API.DefaultTarget)
	require.Equal(t, 50, cfg.API.DefaultLimit)
	require.Equal(t, 500, cfg.API.MaxLimit)
	require.Equal(t, time.Hour, cfg.Worker.JobTimeout)
	require.Equal(t, 500, cfg.Runner.TailBytes)
	require.Equal(t, "CRAWLER_PATH", cfg.Runner.PathEnv)
	require.Equal(t, "memory", cfg.Queue.Provider)
	require.Equal(t, "memory", cfg.Tracker.Provider)
	require.Equal(t, 30, cfg.DB.WaitAttempts)
	require.Equal(t, time.Hour, cfg.DB.MaxConnLifetime)
	require.Zero(t, cfg.Archive.GCSChunkSize)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"port":           func(c *Config) { c.Server.Port = 0 },
		"concurrency":    func(c *Config) { c.Worker.Concurrency = 0 },
		"job timeout":    func(c *Config) { c.Worker.JobTimeout = 0 },
		"tail bytes":     func(c *Config) { c.Runner.TailBytes = 0 },
		"max limit":      func(c *Config) { c.API.MaxLimit = 10 },
		"postgres dsn":   func(c *Config) { c.Tracker.Provider = "postgres"; c.DB.DSN = "" },
		"tracker":        func(c *Config) { c.Tracker.Provider = "redis" },
		"queue":          func(c *Config) { c.Queue.Provider = "sqs" },
		"visibility":     func(c *Config) { c.Queue.Provider = "badger"; c.Queue.Badger.VisibilityTimeout = time.Minute },
		"pubsub project": func(c *Config) { c.Queue.Provider = "pubsub"; c.Queue.PubSub.ProjectID = "" },
		"archive dir":    func(c *Config) { c.Archive.Provider = "local"; c.Archive.Dir = "" },
		"archive bucket": func(c *Config) { c.Archive.Provider = "gcs" },
		"notify project": func(c *Config) { c.Notify.Topic = "done" },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		require.Error(t, cfg.Validate(), name)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_WORKER_CONCURRENCY", "7")
	t.Setenv("CRAWLER_API_DEFAULT_TARGET", "books_spider")
	t.Setenv("CRAWLER_DB_MAX_CONN_LIFETIME", "30m")
	t.Setenv("CRAWLER_ARCHIVE_GCS_CHUNK_SIZE", "262144")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Worker.Concurrency)
	require.Equal(t, "books_spider", cfg.API.DefaultTarget)
	require.Equal(t, 30*time.Minute, cfg.DB.MaxConnLifetime)
	require.Equal(t, 262144, cfg.Archive.GCSChunkSize)
}
