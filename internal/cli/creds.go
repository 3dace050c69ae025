package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/KafClaw/wagateway/internal/config"
	"github.com/KafClaw/wagateway/internal/credstore"
	"github.com/KafClaw/wagateway/internal/secrets"
	"github.com/spf13/cobra"
)

var credsAssistant string

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage stored WhatsApp credentials",
}

var credsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List assistants with stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCredStore(cmd, func(ctx context.Context, store *credstore.Store) error {
			ids, err := store.List(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		})
	},
}

var credsDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the stored credentials of one assistant (forces a new QR scan)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCredStore(cmd, func(ctx context.Context, store *credstore.Store) error {
			if err := store.Delete(ctx, credsAssistant); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted credentials for %s\n", credsAssistant)
			return nil
		})
	},
}

var credsKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new base64 key for credentials.encryptionKey",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := secrets.GenerateMasterKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	credsDeleteCmd.Flags().StringVar(&credsAssistant, "assistant", "", "Assistant ID")
	_ = credsDeleteCmd.MarkFlagRequired("assistant")

	credsCmd.AddCommand(credsListCmd)
	credsCmd.AddCommand(credsDeleteCmd)
	credsCmd.AddCommand(credsKeygenCmd)
}

func withCredStore(cmd *cobra.Command, fn func(context.Context, *credstore.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(config.LogConfig{Level: "error", Format: cfg.Log.Format})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	store := credstore.Open(ctx, cfg.Credentials, cfg.Sessions.WorkDir)
	defer store.Close()
	if !store.Durable() {
		return fmt.Errorf("credential backend %s is unavailable", cfg.Credentials.Backend)
	}
	return fn(ctx, store)
}
