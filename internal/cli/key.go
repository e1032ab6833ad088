package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new anonymization encryption key",
	Long: `Print a fresh base64 encoded 256-bit key for the encryption vault.

Store it in the secret named by vault.secretName. Maps encrypted under one
key cannot be opened with another.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := generateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var verifyKeyCmd = &cobra.Command{
	Use:   "verify-key",
	Short: "Check that the configured key opens stored anonymization maps",
	Args:  cobra.NoArgs,
	RunE:  runVerifyKey,
}

func init() {
	verifyKeyCmd.Flags().Int("sample", 20, "number of recent conversations with maps to check")
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(verifyKeyCmd)
}

// runVerifyKey loads the key the same way the server does, then decrypts
// the maps of the most recent conversations.
func runVerifyKey(cmd *cobra.Command, _ []string) error {
	sample, _ := cmd.Flags().GetInt("sample")
	ctx := cmd.Context()

	core, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	convs, err := core.SQLite.ListConversations(ctx, models.ConversationFilter{Limit: max(sample, 1) * 5})
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	checked, failed := 0, 0
	for _, conv := range convs {
		if conv.MapKey == "" {
			continue
		}
		if checked == sample {
			break
		}
		checked++

		data, _, err := core.Blobs.Get(ctx, conv.MapKey)
		if err == nil {
			_, err = core.Vault.Decrypt(conv.ID, data)
		}
		if err != nil {
			failed++
			logger.Warn("Map check failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "key loaded; %d of %d maps decrypted\n", checked-failed, checked)
	if failed > 0 {
		return fmt.Errorf("%d maps could not be decrypted with the configured key", failed)
	}
	return nil
}
