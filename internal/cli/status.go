package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/KafClaw/wagateway/internal/config"
	"github.com/KafClaw/wagateway/internal/credstore"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader(cmd.OutOrStdout(), "🏷️ wagateway Version")
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		printHeader(out, "📊 wagateway Status")
		fmt.Fprintf(out, "Version: %s\n", version)

		if path, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintln(out, "Config:  ✓ Found ("+path+")")
			} else {
				fmt.Fprintln(out, "Config:  ✗ Not found, using defaults and environment ("+path+")")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		setupLogging(config.LogConfig{Level: "error", Format: cfg.Log.Format})

		if cfg.Webhook.URL != "" {
			fmt.Fprintln(out, "Webhook: ✓ "+cfg.Webhook.URL)
		} else {
			fmt.Fprintln(out, "Webhook: ✗ Not configured (webhook.url)")
		}
		fmt.Fprintf(out, "Listen:  %s\n", cfg.Gateway.Addr())
		if cfg.Kafka.Enabled() {
			fmt.Fprintf(out, "Kafka:   ✓ %s -> %s\n", cfg.Kafka.Brokers, cfg.Kafka.Topic)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		store := credstore.Open(ctx, cfg.Credentials, cfg.Sessions.WorkDir)
		defer store.Close()
		durability := "durable"
		if !store.Durable() {
			durability = "NOT durable"
		}
		fmt.Fprintf(out, "Credentials: %s (%s)\n", cfg.Credentials.Backend, durability)

		ids, err := store.List(ctx)
		if err != nil {
			return fmt.Errorf("list credentials: %w", err)
		}
		if len(ids) == 0 {
			fmt.Fprintln(out, "Assistants: none paired yet (run 'wagateway pair --assistant <id>')")
			return nil
		}
		fmt.Fprintf(out, "Assistants: %d paired\n", len(ids))
		for _, id := range ids {
			fmt.Fprintln(out, "  - "+id)
		}
		return nil
	},
}
