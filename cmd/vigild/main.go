// vigild is the telemetry storage daemon.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/vigil/internal/config"
	"github.com/xtxerr/vigil/internal/ingestion"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/policy"
	"github.com/xtxerr/vigil/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	jsonLog := flag.Bool("log-json", false, "JSON log output")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}

	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *jsonLog {
		cfg.Logging.JSON = true
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	log := logging.Component("vigild")
	log.Info("starting", "version", Version, "data_dir", cfg.DataDir)

	engine, err := storage.New(cfg)
	if err != nil {
		log.Error("create storage engine", "error", err)
		os.Exit(1)
	}
	if err := engine.Start(); err != nil {
		log.Error("start storage engine", "error", err)
		os.Exit(1)
	}

	policies := policy.New(cfg.Policy, engine.Meta(), engine.Journal(), &logDispatcher{})
	if err := policies.Start(); err != nil {
		log.Error("start policy engine", "error", err)
		os.Exit(1)
	}

	pipeline := ingestion.New(cfg, engine, policies)
	if err := pipeline.Start(); err != nil {
		log.Error("start ingestion pipeline", "error", err)
		os.Exit(1)
	}

	log.Info("ready",
		"buckets", engine.BucketCount(),
		"workers", cfg.Ingestion.Workers,
		"retention", cfg.Retention.Enabled)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")

	// Stop the front door first so everything accepted gets written,
	// then the policy engine, then storage.
	if err := pipeline.Stop(); err != nil {
		log.Warn("stop ingestion pipeline", "error", err)
	}
	if err := policies.Stop(); err != nil {
		log.Warn("stop policy engine", "error", err)
	}
	if err := engine.Stop(); err != nil {
		log.Warn("stop storage engine", "error", err)
	}
}

// logDispatcher writes alert results to the log. A real notification
// dispatcher plugs in through the policy.Dispatcher interface.
type logDispatcher struct{}

func (logDispatcher) Dispatch(r *policy.AlertResult) {
	log := logging.Component("alerts")
	if chain := r.Chain(); chain != "" {
		log.Warn("alert",
			"product", r.Product, "path", r.Path,
			"status", r.LastStatus.String(), "transitions", chain,
			"count", r.Count, "destination", r.Destination)
		return
	}
	log.Warn("alert",
		"product", r.Product, "path", r.Path,
		"status", r.LastStatus.String(), "comment", r.LastComment,
		"count", r.Count, "destination", r.Destination)
}

var _ policy.Dispatcher = logDispatcher{}
