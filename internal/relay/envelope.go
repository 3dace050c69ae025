// Package relay forwards inbound WhatsApp chat traffic to the AI webhook and
// sends the webhook's replies back to the sender.
package relay

import (
	"context"
	"time"
)

// Kind classifies an inbound message.
type Kind string

const (
	KindText        Kind = "text"
	KindAudio       Kind = "audio"
	KindUnsupported Kind = "unsupported"
)

// Envelope is the normalised form of one inbound message. It is not stored.
type Envelope struct {
	AssistantID string
	MessageID   string
	// SenderID identifies the chat the message came from; replies go back to it.
	SenderID  string
	Kind      Kind
	Text      string
	AudioMime string
	// Download fetches the audio bytes for KindAudio.
	Download func(ctx context.Context) ([]byte, error)
	// Type names the original message type, for logging unsupported kinds.
	Type      string
	FromMe    bool
	Group     bool
	Timestamp time.Time
}

// Sender delivers replies on the assistant's live WhatsApp link.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
	SendAudio(ctx context.Context, to string, data []byte, mimeType string) error
}
