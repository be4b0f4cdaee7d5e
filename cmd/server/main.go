// Command server runs the paycore HTTP API: payment intents, escrow,
// refunds, payouts and the processor webhook endpoint.
package main

import (
	"context"
	"os"

	"github.com/localmarket/paycore/internal/config"
	"github.com/localmarket/paycore/internal/logging"
	"github.com/localmarket/paycore/internal/server"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		logging.New("info", "text").Error("paycore exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Version = version

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "paycore")
	logger.Info("starting paycore",
		"version", version,
		"commit", commit,
		"env", cfg.Env,
		"platform_fee_percent", cfg.PlatformFeePercent.String(),
		"escrow_hold_period", cfg.EscrowHoldPeriod.String(),
		"database", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	return srv.Run(context.Background())
}
