// Package cli implements vaultctl, the operator tool for key material,
// retention and queued erasures.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voice-agent/privacy-core/internal/app"
	"github.com/voice-agent/privacy-core/pkg/config"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

// loadConfig is replaced in tests.
var loadConfig = config.Load

var rootCmd = &cobra.Command{
	Use:   "vaultctl",
	Short: "Operate the conversation privacy core",
	Long: `vaultctl manages the anonymization encryption key, runs retention
purges and retries queued GDPR erasures against the configured backends.

Configuration is read from config.yaml and PRIVACY_CORE_* variables, the
same way the API server reads it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		return logger.Init(level, "console", "stderr")
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func openCore(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return app.New(ctx, cfg)
}
