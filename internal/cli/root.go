package cli

import (
	"offgrid/internal/config"
	"offgrid/internal/logging"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string

	// loaded before every command runs
	cfg *config.Config
	log *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offgrid",
		Short: "offgrid direct messaging",
		Long:  "offgrid is a self-hosted direct messaging server with realtime delivery, typing and presence.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			// Only the server needs secrets; client commands just read addresses.
			cfg, err = config.Load(cfgFile, cmd.Name() != "serve")
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			log = logging.New(nil, cfg.LogLevel)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, silent)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAddUserCmd())
	cmd.AddCommand(newRegisterCmd())
	cmd.AddCommand(newKeysCmd())
	cmd.AddCommand(newChatCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
