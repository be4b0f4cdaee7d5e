package main

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/localmarket/paycore/internal/audit"
	"github.com/localmarket/paycore/internal/business"
	"github.com/localmarket/paycore/internal/circuitbreaker"
	"github.com/localmarket/paycore/internal/logging"
	"github.com/localmarket/paycore/internal/payouts"
	"github.com/localmarket/paycore/internal/processor"
	"github.com/spf13/cobra"
)

func payoutsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payouts",
		Short: "Payout operations",
	}
	cmd.AddCommand(sweepCmd())
	return cmd
}

func sweepCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the scheduled payout sweep once",
		Long: `Run one pass of the scheduled payout sweep, the same pass the server
runs on PAYOUT_SWEEP_INTERVAL. Use it from cron when the in-process sweep
is disabled. Prints the sweep report as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return err
				}
				now = t
			}

			db, cfg, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if cfg.StripeSecretKey == "" {
				return errors.New("STRIPE_SECRET_KEY is required")
			}

			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			ctx := logging.WithLogger(cmd.Context(), logger)

			gateway := processor.NewGuarded(processor.NewStripeGateway(processor.StripeConfig{
				SecretKey:     cfg.StripeSecretKey,
				WebhookSecret: cfg.StripeWebhookSecret,
				Timeout:       cfg.ProcessorTimeout,
			}), cfg.ProcessorTimeout, cfg.ProcessorRetries, circuitbreaker.New(5, 30*time.Second))

			payoutCfg := payouts.DefaultConfig()
			payoutCfg.MinimumAmount = cfg.MinPayoutAmount
			svc := payouts.NewService(
				payouts.NewPostgresStore(db),
				gateway,
				business.NewPostgresDirectory(db),
				audit.NewGuard(audit.NewPostgresLogger(db), audit.DefaultGuardConfig()),
				payoutCfg,
			)

			report, err := svc.ProcessScheduledPayouts(ctx, now)
			if err != nil {
				return err
			}
			logger.Info("payout sweep finished",
				"checked", report.Checked,
				"paid", report.Paid,
				"skipped", report.Skipped,
				"failed", report.Failed,
			)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "evaluate schedules as of this RFC3339 time (default now)")
	return cmd
}
