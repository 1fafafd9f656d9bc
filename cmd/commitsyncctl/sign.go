package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/commitsync/internal/httpapi"
)

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign [file]",
		Short: "Print the X-Hub-Signature-256 value for a payload",
		Long: `Sign a webhook payload the way GitHub does, for replaying a
delivery by hand. The payload is read from file, or stdin when no file
is given. Bytes are signed exactly as read.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			if strings.TrimSpace(secret) == "" {
				return errors.New("--secret or COMMITSYNC_GITHUB_WEBHOOK_SECRET is required")
			}
			var (
				body []byte
				err  error
			)
			if len(args) == 1 {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), httpapi.SignPayload(secret, body))
			return nil
		},
	}
	cmd.Flags().String("secret", os.Getenv("COMMITSYNC_GITHUB_WEBHOOK_SECRET"), "webhook secret")
	return cmd
}
