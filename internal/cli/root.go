package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/wagateway/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"                                 _\n" +
		" __ __ ____ _ __ _ __ _| |_ _____ __ ____ _ _  _\n" +
		" \\ V  V / _` / _` / _` |  _/ -_) V  V / _` | || |\n" +
		"  \\_/\\_/\\__,_\\__, \\__,_|\\__\\___|\\_/\\_/\\__,_|\\_, |\n" +
		"             |___/                          |__/\n"
)

var rootCmd = &cobra.Command{
	Use:   "wagateway",
	Short: "wagateway - WhatsApp gateway for AI assistants",
	Long:  color.CyanString(logo) + "\nKeeps one linked WhatsApp device per assistant and relays chats to an AI webhook.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(credsCmd)
}
