// Package bootstrap wires a worker process's collaborators together
// (C8): directories, database/redis connections, metrics registration,
// and the dispatcher/reaper goroutines, then runs until its context is
// canceled.
package bootstrap

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/windmill-labs/workercore/internal/encrypt"
	workererrors "github.com/windmill-labs/workercore/internal/errors"
	"github.com/windmill-labs/workercore/internal/log"
	"github.com/windmill-labs/workercore/internal/workercore/config"
	"github.com/windmill-labs/workercore/internal/workercore/dispatcher"
	"github.com/windmill-labs/workercore/internal/workercore/flow"
	"github.com/windmill-labs/workercore/internal/workercore/metrics"
	"github.com/windmill-labs/workercore/internal/workercore/pubsub"
	"github.com/windmill-labs/workercore/internal/workercore/queue"
	"github.com/windmill-labs/workercore/internal/workercore/reaper"
	"github.com/windmill-labs/workercore/internal/workercore/resolver"
	"github.com/windmill-labs/workercore/internal/workercore/sandbox"
	"github.com/windmill-labs/workercore/internal/workercore/token"
)

var logger = log.New("bootstrap")

// requiredDirs are the directories a worker process needs before its
// first job can be prepared (§4.3, §4.1 "scratch dir").
func requiredDirs(cfg *config.Config) []string {
	return []string{cfg.TmpDir, cfg.PipCacheDir, cfg.DenoCacheDir}
}

// downloadDepsScript is the shared dependency-download helper
// materialized once into the worker directory on bootstrap (§4.1 step
// 2). It wraps pip-compile with the same flags C4's direct (non-sandbox)
// path uses, so an operator can reproduce a failing lock resolution by
// hand from inside a job's scratch directory.
const downloadDepsScript = `#!/bin/sh
# Resolves requirements.in into a pinned requirements.txt using the
# worker's shared pip cache. Invoked manually for debugging; the
# dependency resolver (C4) drives pip-compile directly in normal operation.
set -eu
cache_dir="$1"
job_dir="$2"
pip-compile -q --no-header --cache-dir="$cache_dir" "$job_dir/requirements.in"
`

// writeDownloadDepsScript materializes downloadDepsScript into the
// worker directory (§4.1 step 2).
func writeDownloadDepsScript(workerDir string) error {
	path := filepath.Join(workerDir, "download_deps.sh")
	if err := os.WriteFile(path, []byte(downloadDepsScript), 0o755); err != nil {
		return workererrors.InternalErrf("write download_deps.sh: %v", err)
	}
	return nil
}

// Worker bundles every collaborator a running process needs and the
// goroutines driving them.
type Worker struct {
	cfg     *config.Config
	pool    *pgxpool.Pool
	redis   *redis.Client
	reg     *prometheus.Registry
	metrics *metrics.Metrics

	dispatchers []*dispatcher.Dispatcher
	reap        *reaper.Reaper
	watchers    []*sandbox.Watcher
}

// New connects to Postgres (and, if configured, Redis), registers
// metrics, and constructs cfg.NumWorkers dispatchers plus one reaper,
// sharing one connection pool and one sandbox template loader.
func New(ctx context.Context, cfg *config.Config) (*Worker, error) {
	for _, dir := range requiredDirs(cfg) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, workererrors.InternalErrf("create dir %s: %v", dir, err)
		}
	}
	if err := writeDownloadDepsScript(cfg.TmpDir); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, workererrors.InternalErrf("connect to database: %v", err)
	}

	store := queue.New(pool)
	tokenStore := token.New(pool)
	flowInterp := flow.New(pool)

	publisher := pubsub.NewDisabled()
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, workererrors.InternalErrf("parse redis_url: %v", err)
		}
		redisClient = redis.NewClient(opts)
		publisher = pubsub.New(redisClient)
	}

	var tlsConfig *tls.Config
	if cfg.ClientCertFile != "" {
		tlsConfig, err = encrypt.NewClientTLSConfig(cfg.ClientCertFile, cfg.ClientKeyFile, cfg.CAFile)
		if err != nil {
			return nil, workererrors.InternalErrf("build client TLS config: %v", err)
		}
	}
	resolverClient := resolver.New(resolver.Config{
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.JobTimeout,
		TLSConfig: tlsConfig,
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	sandboxLoader := sandbox.NewLoader(cfg.SandboxTemplateDir)

	var sandboxWatchers []*sandbox.Watcher
	if cfg.SandboxTemplateDir != "" {
		for _, name := range sandbox.Names() {
			sandboxWatchers = append(sandboxWatchers, sandbox.NewWatcher(sandboxLoader.OverridePath(name), sandbox.DefaultPollInterval))
		}
	}

	dispatchCfg := dispatcher.Config{
		WorkerName:     cfg.WorkerName,
		Tags:           cfg.Tags,
		Store:          store,
		TokenStore:     tokenStore,
		Flow:           flowInterp,
		Resolver:       resolverClient,
		Metrics:        m,
		Sandbox:        sandboxLoader,
		Publisher:      publisher,
		TmpDir:         cfg.TmpDir,
		CacheDir:       cfg.PipCacheDir,
		WorkerDir:      cfg.TmpDir,
		JobTimeout:     cfg.JobTimeout,
		SleepQueue:     cfg.SleepQueue,
		NumWorkers:     cfg.NumWorkers,
		DisableSandbox: cfg.DisableSandbox,
		DisableUser:    cfg.DisableUser,
	}

	dispatchers := make([]*dispatcher.Dispatcher, cfg.NumWorkers)
	for i := range dispatchers {
		dispatchers[i] = dispatcher.New(dispatchCfg)
	}

	reap := reaper.New(reaper.Config{
		Store:         store,
		CheckInterval: cfg.ZombieCheckInterval,
		Threshold:     cfg.JobTimeout * time.Duration(cfg.ZombieTimeoutMultiple),
	})

	if err := store.UpsertWorkerPing(ctx, cfg.WorkerName); err != nil {
		return nil, workererrors.InternalErrf("register initial worker_ping: %v", err)
	}
	m.StartTime.SetToCurrentTime()

	return &Worker{
		cfg:         cfg,
		pool:        pool,
		redis:       redisClient,
		reg:         reg,
		metrics:     m,
		dispatchers: dispatchers,
		reap:        reap,
		watchers:    sandboxWatchers,
	}, nil
}

// Run starts every dispatcher and the reaper, blocking until ctx is
// canceled and all of them have returned.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, d := range w.dispatchers {
		wg.Add(1)
		go func(d *dispatcher.Dispatcher) {
			defer wg.Done()
			d.Run(ctx)
		}(d)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reap.Run(ctx)
	}()

	for _, watcher := range w.watchers {
		wg.Add(1)
		go func(watcher *sandbox.Watcher) {
			defer wg.Done()
			watcher.Start(ctx)
		}(watcher)
	}

	logger.Infof("worker started; name: %s workers: %d", w.cfg.WorkerName, len(w.dispatchers))
	wg.Wait()
	logger.Infof("worker stopped; name: %s", w.cfg.WorkerName)
}

// Registry exposes the Prometheus registry for an HTTP /metrics
// handler (wired by cmd/workercore).
func (w *Worker) Registry() *prometheus.Registry {
	return w.reg
}

// Close releases the database and redis connections.
func (w *Worker) Close() {
	w.pool.Close()
	if w.redis != nil {
		_ = w.redis.Close()
	}
}
