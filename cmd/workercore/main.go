// Command workercore runs one worker process: it pulls queued jobs,
// executes them under sandboxed supervision, and reaps zombies, until
// told to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/windmill-labs/workercore/internal/encrypt"
	"github.com/windmill-labs/workercore/internal/log"
	"github.com/windmill-labs/workercore/internal/workercore/bootstrap"
	"github.com/windmill-labs/workercore/internal/workercore/config"
)

var logger = log.New("main")

// version is overridden at build time via -ldflags.
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "workercore",
	Short: "workercore runs the sandboxed job-execution loop for a windmill-style worker",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the queue and start dispatching jobs until signaled to stop",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the workercore version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to an optional config file (env vars win on conflict)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("received signal %s, shutting down", sig)
		cancel()
	}()

	worker, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer worker.Close()

	metricsSrv, err := startMetricsServer(cfg, worker)
	if err != nil {
		return err
	}
	defer func() { _ = metricsSrv.Close() }()

	worker.Run(ctx)
	return nil
}

// startMetricsServer exposes the worker's Prometheus registry on
// :9090/metrics, the same port convention the dispatcher's own
// JobDuration/JobsFailed series are labeled for scraping under (C8.5).
// When cfg carries a server cert/key, the listener requires callers
// present a client cert signed by cfg.CAFile, so a /metrics scraper
// needs the same mTLS material the resolver client presents to
// base_url.
func startMetricsServer(cfg *config.Config, worker *bootstrap.Worker) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(worker.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":9090", Handler: mux}

	if cfg.MetricsServerCertFile != "" {
		tlsConfig, err := encrypt.NewServermTLSConfig(cfg.MetricsServerCertFile, cfg.MetricsServerKeyFile, cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("build metrics server TLS config: %w", err)
		}
		srv.TLSConfig = tlsConfig
	}

	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Warnf("metrics server stopped: %v", err)
		}
	}()
	return srv, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
