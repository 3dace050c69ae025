package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/wagateway/internal/bus"
)

const (
	defaultDedupeTTL  = 10 * time.Minute
	defaultDedupeSize = 10000
)

// Webhook is the AI pipeline the relay talks to.
type Webhook interface {
	PostText(ctx context.Context, req TextRequest) (*Reply, error)
	PostAudio(ctx context.Context, assistantID, from string, audio []byte, mimeType string) (*Reply, error)
}

// Options tunes relay filtering.
type Options struct {
	// RelayGroups forwards group chats and status broadcasts too.
	RelayGroups bool
	DedupeTTL   time.Duration
}

// Relay handles inbound envelopes for every session.
// Failures are per message: they are logged and never end the session.
type Relay struct {
	webhook     Webhook
	relayGroups bool
	seen        *seenCache
	events      bus.Publisher
}

// New creates a Relay. events may be nil.
func New(webhook Webhook, opts Options, events bus.Publisher) *Relay {
	ttl := opts.DedupeTTL
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &Relay{
		webhook:     webhook,
		relayGroups: opts.RelayGroups,
		seen:        newSeenCache(ttl, defaultDedupeSize),
		events:      events,
	}
}

// Handle forwards env to the webhook and delivers the reply through s.
// Ignored messages return nil.
func (r *Relay) Handle(ctx context.Context, env Envelope, s Sender) error {
	if env.FromMe {
		return nil
	}
	if env.Group && !r.relayGroups {
		slog.Debug("Relay: group message ignored", "assistant_id", env.AssistantID, "from", env.SenderID)
		return nil
	}
	if env.MessageID != "" && r.seen.CheckAndMark(env.AssistantID+"/"+env.MessageID) {
		slog.Debug("Relay: duplicate message ignored", "assistant_id", env.AssistantID, "message_id", env.MessageID)
		return nil
	}

	var (
		reply *Reply
		err   error
	)
	switch env.Kind {
	case KindText:
		text := strings.TrimSpace(env.Text)
		if text == "" {
			return nil
		}
		reply, err = r.webhook.PostText(ctx, TextRequest{
			AssistantID: env.AssistantID,
			From:        env.SenderID,
			Message:     env.Text,
		})
	case KindAudio:
		reply, err = r.forwardAudio(ctx, env)
	default:
		slog.Info("Relay: unsupported message dropped",
			"assistant_id", env.AssistantID, "from", env.SenderID, "type", env.Type)
		r.publish(env, bus.EventMessageIgnored, "unsupported: "+env.Type)
		return nil
	}
	if err != nil {
		return r.fail(env, "webhook", err)
	}

	var errs []error
	if reply.ReplyText != "" {
		if err := s.SendText(ctx, env.SenderID, reply.ReplyText); err != nil {
			errs = append(errs, fmt.Errorf("send text reply: %w", err))
		}
	}
	if reply.ReplyAudio != "" {
		if err := r.sendAudio(ctx, env, s, reply.ReplyAudio); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return r.fail(env, "reply", err)
	}

	slog.Info("Relay: message relayed",
		"assistant_id", env.AssistantID, "from", env.SenderID, "kind", env.Kind,
		"reply_text", reply.ReplyText != "", "reply_audio", reply.ReplyAudio != "")
	r.publish(env, bus.EventMessageRelayed, string(env.Kind))
	return nil
}

func (r *Relay) forwardAudio(ctx context.Context, env Envelope) (*Reply, error) {
	if env.Download == nil {
		return nil, errors.New("audio message without downloader")
	}
	data, err := env.Download(ctx)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	return r.webhook.PostAudio(ctx, env.AssistantID, env.SenderID, data, env.AudioMime)
}

func (r *Relay) sendAudio(ctx context.Context, env Envelope, s Sender, raw string) error {
	data, mimeType, err := DecodeAudio(raw)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("empty audio reply")
	}
	if err := s.SendAudio(ctx, env.SenderID, data, mimeType); err != nil {
		return fmt.Errorf("send audio reply: %w", err)
	}
	return nil
}

func (r *Relay) fail(env Envelope, stage string, err error) error {
	slog.Error("Relay: message failed",
		"assistant_id", env.AssistantID, "from", env.SenderID, "stage", stage, "error", err)
	r.publish(env, bus.EventMessageFailed, stage+": "+err.Error())
	return err
}

func (r *Relay) publish(env Envelope, typ bus.EventType, detail string) {
	if r.events == nil {
		return
	}
	r.events.Publish(bus.SessionEvent{
		AssistantID: env.AssistantID,
		Type:        typ,
		Detail:      detail,
		Peer:        env.SenderID,
	})
}
