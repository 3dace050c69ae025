package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KafClaw/wagateway/internal/config"
	"github.com/KafClaw/wagateway/internal/gateway"
	"github.com/KafClaw/wagateway/internal/session"
	"github.com/fatih/color"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var (
	pairAssistant string
	pairTimeout   time.Duration
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Link a WhatsApp device for one assistant by scanning a QR code in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		setupLogging(config.LogConfig{Level: "warn", Format: cfg.Log.Format})

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if pairTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, pairTimeout)
			defer tcancel()
		}

		rt := newGatewayRuntime(ctx, cfg, nil, nil)
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer closeCancel()
			_ = rt.Close(closeCtx)
		}()

		printHeader(cmd.OutOrStdout(), "📱 Pair assistant "+pairAssistant)
		return waitForPairing(ctx, cmd.OutOrStdout(), rt.manager, pairAssistant, 500*time.Millisecond)
	},
}

func init() {
	pairCmd.Flags().StringVar(&pairAssistant, "assistant", "", "Assistant ID to pair")
	pairCmd.Flags().DurationVar(&pairTimeout, "timeout", 5*time.Minute, "Give up after this long (0 waits forever)")
	_ = pairCmd.MarkFlagRequired("assistant")
}

// waitForPairing starts the assistant's session and renders each new QR code
// until the session connects, fails terminally or ctx ends.
func waitForPairing(ctx context.Context, out io.Writer, mgr *gateway.Manager, id string, poll time.Duration) error {
	if _, err := mgr.EnsureStarted(id); err != nil {
		return err
	}
	t := time.NewTicker(poll)
	defer t.Stop()

	var lastQR, lastStatus string
	seen := false
	for {
		s, ok := mgr.Registry().Get(id)
		if !ok && seen {
			return fmt.Errorf("pairing for %s ended: session logged out", id)
		}
		if ok {
			seen = true
			if string(s.Status) != lastStatus {
				lastStatus = string(s.Status)
				if s.LastError != "" {
					fmt.Fprintf(out, "Status: %s (%s)\n", s.Status, s.LastError)
				} else {
					fmt.Fprintf(out, "Status: %s\n", s.Status)
				}
			}
			switch s.Status {
			case session.StatusConnected:
				fmt.Fprintln(out, color.GreenString("✓ Linked. Credentials saved for "+id+"."))
				return nil
			case session.StatusQR:
				if s.QR != "" && s.QR != lastQR {
					lastQR = s.QR
					if err := printQR(out, s.QR); err != nil {
						return err
					}
				}
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("pairing for %s not completed: %w", id, ctx.Err())
		case <-t.C:
		}
	}
}

func printQR(w io.Writer, code string) error {
	qr, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return fmt.Errorf("render QR: %w", err)
	}
	fmt.Fprintln(w, "Scan with WhatsApp > Linked devices > Link a device:")
	fmt.Fprintln(w, qr.ToSmallString(false))
	return nil
}
