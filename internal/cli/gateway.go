package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KafClaw/wagateway/internal/config"
	"github.com/KafClaw/wagateway/internal/httpapi"
	"github.com/spf13/cobra"
)

var (
	gatewaySignalNotify = signal.Notify
	gatewaySignalStop   = signal.Stop
)

const shutdownTimeout = 20 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Run the gateway (HTTP control surface and WhatsApp sessions)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		setupLogging(cfg.Log)
		printHeader(cmd.OutOrStdout(), "🚀 Starting wagateway")
		return runGateway(cmd.Context(), cfg)
	},
}

func runGateway(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	rt := newGatewayRuntime(ctx, cfg, nil, nil)

	if cfg.Sessions.AutoStart {
		n, err := rt.manager.AutoStart(ctx)
		if err != nil {
			slog.Warn("Gateway: auto-start failed", "error", err)
		} else if n > 0 {
			slog.Info("Gateway: resumed stored sessions", "count", n)
		}
	}

	var events httpapi.Events
	if rt.timeline != nil {
		events = rt.timeline
		go rt.pruneLoop(ctx)
	}
	if cfg.Gateway.SharedSecret == "" {
		slog.Warn("Gateway: no shared secret configured; the control surface is unauthenticated")
	}
	server := &http.Server{
		Addr: cfg.Gateway.Addr(),
		Handler: httpapi.New(rt.manager, events, httpapi.Options{
			SharedSecret: cfg.Gateway.SharedSecret,
			SecretHeader: cfg.Gateway.SecretHeader,
			AllowOrigin:  cfg.Gateway.AllowOrigin,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Gateway: listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigChan := make(chan os.Signal, 1)
	gatewaySignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer gatewaySignalStop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("Gateway: shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
			slog.Error("Gateway: HTTP server failed", "error", err)
		}
	case <-ctx.Done():
		slog.Info("Gateway: shutting down", "reason", ctx.Err())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Gateway: HTTP shutdown incomplete", "error", err)
	}
	if err := rt.Close(shutdownCtx); err != nil {
		slog.Warn("Gateway: shutdown incomplete", "error", err)
	}
	slog.Info("Gateway: stopped")
	return runErr
}
