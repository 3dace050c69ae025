// Package main is the entry point for the wagateway CLI.
package main

import (
	"os"

	"github.com/KafClaw/wagateway/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
