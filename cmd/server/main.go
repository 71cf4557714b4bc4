// Command server runs the milestone escrow HTTP API together with the
// background reconciliation loop.
package main

import (
	"context"
	"os"

	"github.com/mbd888/workescrow/internal/config"
	"github.com/mbd888/workescrow/internal/logging"
	"github.com/mbd888/workescrow/internal/server"
	"github.com/mbd888/workescrow/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		return 1
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting workescrow",
		"version", Version,
		"commit", Commit,
		"buildTime", BuildTime,
		"env", cfg.Env,
		"chainId", cfg.ChainID,
		"factory", cfg.FactoryAddress,
		"locks", cfg.LockBackend,
		"provisioning", cfg.CanProvision(),
	)

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTelEndpoint,
		Version:     Version,
		Environment: cfg.Env,
		ChainID:     cfg.ChainID,
		SampleRatio: cfg.OTelSampleRatio,
	}, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		return 1
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return 1
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}
	return 0
}
