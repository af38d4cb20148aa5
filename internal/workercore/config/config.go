// Package config loads worker settings from environment variables and
// an optional config file via viper, validating the result with
// internal/validator before any package wires it in.
package config

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
	"github.com/windmill-labs/workercore/internal/validator"
)

// Config holds every setting a worker process needs at bootstrap (C8).
type Config struct {
	// DatabaseURL is the Postgres DSN the queue/token/flow stores connect
	// to.
	DatabaseURL string

	// RedisURL configures the supplemental live-log-tail publisher. Empty
	// disables it.
	RedisURL string

	// BaseURL is the address the resolver client fetches
	// variables/resources from.
	BaseURL string

	// WorkerName identifies this process in worker_ping rows.
	WorkerName string
	// Tags restricts which queue rows this worker leases. Empty means
	// no restriction.
	Tags []string
	// NumWorkers is how many dispatcher goroutines this process runs.
	NumWorkers int

	// JobTimeout bounds a single job's wall-clock execution.
	JobTimeout time.Duration
	// SleepQueue is how long an idle dispatcher waits before polling
	// again, scaled by NumWorkers (§6).
	SleepQueue time.Duration
	// ZombieCheckInterval is how often the reaper sweeps for stale jobs
	// (C7, default 60s).
	ZombieCheckInterval time.Duration
	// ZombieTimeoutMultiple is how many multiples of JobTimeout a job's
	// last_ping may lag before it is considered a zombie (default 5x).
	ZombieTimeoutMultiple int

	// DisableSandbox corresponds to the original disable_nsjail flag: it
	// only affects dependency work (the Python install phase and
	// dependency-lock jobs), never code execution. See the asymmetry note
	// on DisableUser.
	DisableSandbox bool
	// DisableUser corresponds to the original disable_nuser flag: it
	// only affects the code-execution phase. These two flags are
	// intentionally asymmetric (§9 open question, preserved as-is) —
	// do not assume they gate the same phase.
	DisableUser bool
	// SandboxTemplateDir optionally overrides the embedded default
	// sandbox config templates; empty uses the embedded defaults.
	SandboxTemplateDir string

	// ClientCertFile/ClientKeyFile/CAFile optionally mTLS-secure the
	// resolver client's calls to BaseURL.
	ClientCertFile string
	ClientKeyFile  string
	CAFile         string

	// MetricsServerCertFile/MetricsServerKeyFile optionally mTLS-secure
	// the /metrics endpoint itself, requiring callers present a cert
	// signed by CAFile. Empty serves metrics over plain HTTP.
	MetricsServerCertFile string
	MetricsServerKeyFile  string

	TmpDir       string
	PipCacheDir  string
	DenoCacheDir string
}

// Load reads configuration from environment variables (prefixed
// WORKERCORE_) and, if present, a config file at path, then validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("workercore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("num_workers", 1)
	v.SetDefault("job_timeout", "900s")
	v.SetDefault("sleep_queue", "50ms")
	v.SetDefault("zombie_check_interval", "60s")
	v.SetDefault("zombie_timeout_multiple", 5)
	v.SetDefault("tmp_dir", "/tmp/windmill")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, workererrors.InternalErrf("read config file %s: %v", path, err)
		}
	}

	cfg := &Config{
		DatabaseURL:           v.GetString("database_url"),
		RedisURL:              v.GetString("redis_url"),
		BaseURL:               v.GetString("base_url"),
		WorkerName:            v.GetString("worker_name"),
		Tags:                  v.GetStringSlice("tags"),
		NumWorkers:            v.GetInt("num_workers"),
		JobTimeout:            v.GetDuration("job_timeout"),
		SleepQueue:            v.GetDuration("sleep_queue"),
		ZombieCheckInterval:   v.GetDuration("zombie_check_interval"),
		ZombieTimeoutMultiple: v.GetInt("zombie_timeout_multiple"),
		DisableSandbox:        v.GetBool("disable_nsjail"),
		DisableUser:           v.GetBool("disable_nuser"),
		SandboxTemplateDir:    v.GetString("sandbox_template_dir"),
		ClientCertFile:        v.GetString("client_cert_file"),
		ClientKeyFile:         v.GetString("client_key_file"),
		CAFile:                v.GetString("ca_file"),
		MetricsServerCertFile: v.GetString("metrics_server_cert_file"),
		MetricsServerKeyFile:  v.GetString("metrics_server_key_file"),
		TmpDir:                v.GetString("tmp_dir"),
		PipCacheDir:           v.GetString("pip_cache_dir"),
		DenoCacheDir:          v.GetString("deno_cache_dir"),
	}

	if cfg.PipCacheDir == "" {
		cfg.PipCacheDir = cfg.TmpDir + "/pip-cache"
	}
	if cfg.DenoCacheDir == "" {
		cfg.DenoCacheDir = cfg.TmpDir + "/deno-cache"
	}
	if cfg.WorkerName == "" {
		cfg.WorkerName = "worker-" + uuid.New().String()[:8]
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	v := validator.New()
	v.Assert(c.DatabaseURL != "", "database_url is required")
	v.Assert(c.BaseURL != "", "base_url is required")
	v.Assert(c.NumWorkers > 0, "num_workers must be positive")
	v.Assert(c.JobTimeout > 0, "job_timeout must be positive")
	v.Assert(c.ZombieTimeoutMultiple > 0, "zombie_timeout_multiple must be positive")
	return v.Err()
}
