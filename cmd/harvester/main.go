package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mro-harvester/internal/config"
	"mro-harvester/internal/crawler"
	"mro-harvester/internal/sessionstate"
)

func main() {
	cfgPath := flag.String("config", "", "Path to harvester configuration file (optional)")
	input := flag.String("input", "", "Identifier list (JSON array, JSON object field, or one per line)")
	outputDir := flag.String("output", "", "Directory for results.json, failures.json and metadata.json")
	workerIndex := flag.Int("worker-index", 0, "Index of this worker in [0, worker-count)")
	workerCount := flag.Int("worker-count", 1, "Total number of workers")
	concurrency := flag.Int("concurrency", 0, "Concurrent items in flight")
	statusAddr := flag.String("status-addr", "", "Listen address of the read-only status endpoint")
	flag.Parse()

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := config.Load(*cfgPath, func(c *config.Config) {
		if set["input"] {
			c.Input.Path = *input
		}
		if set["output"] {
			c.Output.Dir = *outputDir
		}
		if set["worker-index"] {
			c.Shard.Index = *workerIndex
		}
		if set["worker-count"] {
			c.Shard.Count = *workerCount
		}
		if set["concurrency"] {
			c.Worker.Concurrency = *concurrency
		}
		if set["status-addr"] {
			c.Status.Addr = *statusAddr
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := crawler.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	progress, err := sessionstate.NewRedisStoreFromEnv()
	if err != nil {
		logger.Warn("progress snapshots disabled", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, err := crawler.NewEngine(ctx, *cfg, crawler.Options{Logger: logger, Progress: progress})
	if err != nil {
		logger.Error("failed to initialise engine", "error", err)
		os.Exit(1)
	}

	if err := engine.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("interrupted, completed work is checkpointed")
			os.Exit(130)
		}
		logger.Error("harvester stopped with error", "error", err)
		os.Exit(1)
	}
}
