// Command reconcile runs one reconciliation pass and prints the result as
// JSON. Operators use it after an outage or a CRITICAL log line.
//
// Usage:
//
//	go run ./cmd/reconcile                 # Repair queue, then full chain scan
//	go run ./cmd/reconcile -milestone ID   # One milestone only
//
// It exits 1 when the pass reports mismatches or errors, so it can gate a
// deploy or page someone from cron.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/workescrow/internal/config"
	"github.com/mbd888/workescrow/internal/logging"
	"github.com/mbd888/workescrow/internal/reconcile"
	"github.com/mbd888/workescrow/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	milestoneID := flag.String("milestone", "", "reconcile a single milestone")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall deadline for the pass")
	flag.Parse()

	logger := logging.New("info", "text")
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set: the repair queue is empty in a fresh process, only the chain scan will find work")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	deps, err := server.OpenDeps(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open dependencies", "error", err)
		return 1
	}
	defer func() { _ = deps.Close(logger) }()

	var res *reconcile.Result
	if *milestoneID != "" {
		res, err = deps.Reconciler.ReconcileMilestone(ctx, *milestoneID)
	} else {
		res, err = deps.Reconciler.RunOnce(ctx)
	}
	if err != nil {
		logger.Error("reconciliation failed", "error", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)

	if len(res.Mismatches) > 0 || res.Errors > 0 {
		return 1
	}
	return 0
}
