package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/commitsync/internal/commitsync"
)

func linksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Inspect and repair link records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <fingerprint>",
		Short: "Print a link record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLinkStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			link, err := store.Get(cmdContext(cmd), args[0])
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), link)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "release <fingerprint>",
		Short: "Delete a stuck claim so the next delivery retries it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLinkStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmdContext(cmd)
			link, err := store.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}
			force, _ := cmd.Flags().GetBool("force")
			if link.State == commitsync.LinkLinked && !force {
				return errors.New("refusing to release a linked record without --force")
			}
			if err := store.Release(ctx, args[0]); err != nil {
				return fmt.Errorf("release %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s (was %s)\n", args[0], link.State)
			return nil
		},
	})
	cmd.PersistentFlags().Bool("force", false, "allow releasing a linked record")
	return cmd
}

func openLinkStore(cmd *cobra.Command) (commitsync.LinkStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Storage.LinkStoreDSN) == "" {
		return nil, errors.New("storage.linkStoreDsn is required; the in-memory store is not shared")
	}
	return commitsync.BuildLinkStoreFromDSN(cfg.Storage.LinkStoreDSN)
}
