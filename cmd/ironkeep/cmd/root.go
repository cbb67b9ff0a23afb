package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkeep/internal/config"
	"github.com/jmcleod/ironkeep/internal/logger"
)

var (
	cfg *config.Config
	log *logger.Logger

	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "ironkeep",
	Short: "IronKeep keeps vault keys recoverable without trusting anyone alone",
	Long: `IronKeep custodies vault keys: a password wrap for daily use, a recovery
artifact for the owner, and a 2-of-3 share split for emergency access
through nominees and a custodial service.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.New()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.LogFormat = logFormat
		}
		log, err = logger.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(log.Logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format (json, text)")
}
