package whatsapp

import (
	"context"
	"strings"

	"github.com/KafClaw/wagateway/internal/relay"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

type mediaDownloader interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

// toEnvelope converts a decrypted inbound message into a relay envelope.
func toEnvelope(assistantID string, dl mediaDownloader, evt *events.Message) relay.Envelope {
	info := evt.Info
	env := relay.Envelope{
		AssistantID: assistantID,
		MessageID:   string(info.ID),
		SenderID:    info.Chat.ToNonAD().String(),
		FromMe:      info.IsFromMe,
		Group:       isGroupChat(info),
		Timestamp:   info.Timestamp,
	}

	msg := evt.Message
	switch {
	case msg == nil:
		env.Kind = relay.KindUnsupported
		env.Type = "empty"
	case msg.GetConversation() != "":
		env.Kind = relay.KindText
		env.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		env.Kind = relay.KindText
		env.Text = msg.GetExtendedTextMessage().GetText()
	case msg.GetAudioMessage() != nil:
		audio := msg.GetAudioMessage()
		env.Kind = relay.KindAudio
		env.AudioMime = audio.GetMimetype()
		if env.AudioMime == "" {
			env.AudioMime = "audio/ogg; codecs=opus"
		}
		env.Download = func(ctx context.Context) ([]byte, error) {
			return dl.Download(ctx, audio)
		}
	default:
		env.Kind = relay.KindUnsupported
		env.Type = messageType(info, msg)
	}
	return env
}

func isGroupChat(info types.MessageInfo) bool {
	if info.IsGroup {
		return true
	}
	switch info.Chat.Server {
	case types.GroupServer, types.BroadcastServer, types.NewsletterServer:
		return true
	}
	return false
}

func messageType(info types.MessageInfo, msg *waE2E.Message) string {
	switch {
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetLocationMessage() != nil:
		return "location"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetReactionMessage() != nil:
		return "reaction"
	case msg.GetProtocolMessage() != nil:
		return "protocol"
	}
	if info.MediaType != "" {
		return info.MediaType
	}
	if info.Type != "" {
		return strings.ToLower(info.Type)
	}
	return "unknown"
}
