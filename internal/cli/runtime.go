package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/KafClaw/wagateway/internal/bus"
	"github.com/KafClaw/wagateway/internal/config"
	"github.com/KafClaw/wagateway/internal/credstore"
	"github.com/KafClaw/wagateway/internal/gateway"
	"github.com/KafClaw/wagateway/internal/relay"
	"github.com/KafClaw/wagateway/internal/session"
	"github.com/KafClaw/wagateway/internal/timeline"
	"github.com/KafClaw/wagateway/internal/whatsapp"
)

// gatewayRuntime is the wired process: credential store, event bus and its
// subscribers, relay and connection manager.
type gatewayRuntime struct {
	cfg      *config.Config
	store    *credstore.Store
	events   *bus.EventBus
	timeline *timeline.TimelineService
	kafka    *bus.KafkaSink
	relay    *relay.Relay
	manager  *gateway.Manager

	stopBus context.CancelFunc
	busDone chan struct{}
}

// newGatewayRuntime wires every component. dialer may be nil to use the
// whatsmeow dialer; handler may be nil to use the webhook relay.
func newGatewayRuntime(ctx context.Context, cfg *config.Config, dialer gateway.Dialer, handler gateway.MessageHandler) *gatewayRuntime {
	rt := &gatewayRuntime{cfg: cfg}

	rt.store = credstore.Open(ctx, cfg.Credentials, cfg.Sessions.WorkDir)
	if !rt.store.Durable() {
		slog.Warn("Gateway: credentials are not durable; sessions must be re-paired after restart")
	}

	rt.events = bus.NewEventBus(256)
	if cfg.Timeline.Enabled && cfg.Timeline.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Timeline.Path), 0o700); err != nil {
			slog.Warn("Timeline: cannot create directory, timeline disabled", "error", err)
		} else if tl, err := timeline.NewTimelineService(cfg.Timeline.Path); err != nil {
			slog.Warn("Timeline: open failed, timeline disabled", "path", cfg.Timeline.Path, "error", err)
		} else {
			rt.timeline = tl
			rt.events.Subscribe("timeline", tl.Record)
		}
	}
	if cfg.Kafka.Enabled() {
		rt.kafka = bus.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		rt.events.Subscribe("kafka", rt.kafka.Handle)
		slog.Info("Kafka: publishing session events", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	busCtx, stop := context.WithCancel(context.Background())
	rt.stopBus = stop
	rt.busDone = make(chan struct{})
	go func() {
		defer close(rt.busDone)
		_ = rt.events.Run(busCtx)
	}()

	webhook := relay.NewWebhookClient(cfg.Webhook.URL, cfg.Webhook.Token, cfg.Webhook.Timeout, cfg.Webhook.Attempts)
	rt.relay = relay.New(webhook, relay.Options{RelayGroups: cfg.Sessions.RelayGroups}, rt.events)
	if cfg.Webhook.URL == "" {
		slog.Warn("Relay: webhook.url is not set; inbound messages will not be answered")
	}

	if dialer == nil {
		dialer = whatsapp.NewDialer(rt.store, cfg.Sessions.DeviceName, cfg.Log.LibraryLevel)
	}
	if handler == nil {
		handler = rt.relay
	}
	rt.manager = gateway.NewManager(gateway.Config{
		Registry:       session.NewRegistry(),
		Store:          rt.store,
		Dialer:         dialer,
		Handler:        handler,
		Events:         rt.events,
		ReconnectDelay: cfg.Sessions.ReconnectDelay,
		ResetDelay:     cfg.Sessions.ResetDelay,
		FlushInterval:  cfg.Sessions.CredentialFlushInterval,
	})
	return rt
}

// pruneLoop trims the timeline to the configured retention until ctx ends.
func (rt *gatewayRuntime) pruneLoop(ctx context.Context) {
	if rt.timeline == nil || rt.cfg.Timeline.Retention <= 0 {
		return
	}
	prune := func() {
		n, err := rt.timeline.Prune(time.Now().Add(-rt.cfg.Timeline.Retention))
		if err != nil {
			slog.Warn("Timeline: prune failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Timeline: pruned old events", "count", n)
		}
	}
	prune()
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}

// Close shuts sessions down (flushing credentials) and releases every
// resource, in dependency order.
func (rt *gatewayRuntime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	rt.stopBus()
	select {
	case <-rt.busDone:
	case <-ctx.Done():
	}
	if rt.kafka != nil {
		if err := rt.kafka.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.timeline != nil {
		if err := rt.timeline.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rt.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
