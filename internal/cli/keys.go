package cli

import (
	"fmt"

	"offgrid/internal/push"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-vapid-keys",
		Short: "Generate a VAPID key pair for web push",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := push.GenerateKeys()
			if err != nil {
				return fmt.Errorf("failed to generate keys: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "VAPID_PUBLIC_KEY=%s\n", pub)
			fmt.Fprintf(out, "VAPID_PRIVATE_KEY=%s\n", priv)
			return nil
		},
	}
}
