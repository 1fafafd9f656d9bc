package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/commitsync/internal/service"
)

func renewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew change-notification subscriptions",
		Long: `Renew every configured subscription lease.

Without --once the command keeps renewing on the configured interval
until interrupted, reloading the lease file when it changes.`,
		Args: cobra.NoArgs,
		RunE: runRenew,
	}
	cmd.Flags().Bool("once", false, "run one renewal pass and exit")
	return cmd
}

func runRenew(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateTaskCredential(); err != nil {
		return err
	}
	if err := cfg.ValidateRenewal(); err != nil {
		return err
	}
	logger := commandLogger(cmd)
	svc, err := service.Build(cfg, logger, service.Options{})
	if err != nil {
		return err
	}
	defer svc.Close()

	once, _ := cmd.Flags().GetBool("once")
	if once {
		report := svc.Renewer.RenewAll(cmdContext(cmd))
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if !report.OK() {
			return fmt.Errorf("%d of %d leases failed to renew", len(report.Failed), len(report.Failed)+len(report.Renewed))
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Leases.Start(ctx); err != nil {
		return err
	}
	err = svc.Renewer.Run(ctx, cfg.Renewal.Interval, cfg.Renewal.Jitter)
	svc.Leases.Wait()
	return err
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
