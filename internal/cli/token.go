package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/voice-agent/privacy-core/internal/middleware/auth"
	"github.com/voice-agent/privacy-core/internal/vault"
)

// generateKey is replaced in tests.
var generateKey = vault.GenerateKey

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token",
	Long: `Sign a JWT for the admin and GDPR endpoints with the configured secret.

Roles:
  agent     - conversation pipeline, may open session sockets
  reviewer  - review conversations and approve responses
  analyst   - read conversations and analytics
  dpo       - data subject requests and the audit log`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		roles, _ := cmd.Flags().GetStringSlice("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if subject == "" {
			return errors.New("--subject is required")
		}
		for _, r := range roles {
			switch r {
			case auth.RoleAgent, auth.RoleReviewer, auth.RoleAnalyst, auth.RoleDPO:
			default:
				return fmt.Errorf("unknown role %q", r)
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwtSecret is not configured")
		}

		a := auth.New(auth.Config{
			Secret:   []byte(cfg.Auth.JWTSecret),
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
		})
		token, err := a.Issue(subject, roles, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "", "token subject, usually the operator's email")
	tokenCmd.Flags().StringSlice("role", []string{auth.RoleReviewer}, "role to grant (repeatable)")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
