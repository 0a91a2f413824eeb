package channel

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/bus"
)

// EventHandler turns raw channel events into normalized Inbound payloads.
// Messages go to the registered sink synchronously so none are lost; the bus
// events are for observers only.
type EventHandler struct {
	bus    *bus.Bus
	logger *zap.Logger
	sink   func(*Inbound)
}

// NewEventHandler creates a channel event handler.
func NewEventHandler(b *bus.Bus, logger *zap.Logger) *EventHandler {
	return &EventHandler{bus: b, logger: logger.Named("channel")}
}

// OnInbound registers the consumer for inbound messages. Must be set before
// the handler is attached to a connected client.
func (h *EventHandler) OnInbound(fn func(*Inbound)) {
	h.sink = fn
}

// Handle is the main channel event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		inbound := ParseMessage(evt)
		if inbound.FromMe {
			return
		}
		h.bus.Emit("channel.message", inbound)
		if h.sink != nil {
			h.sink(inbound)
		}
	case *events.Connected:
		h.logger.Info("channel connected")
		h.bus.Emit("channel.connected", nil)
	case *events.Disconnected:
		h.logger.Warn("channel disconnected")
		h.bus.Emit("channel.disconnected", nil)
	case *events.LoggedOut:
		h.logger.Warn("channel logged out", zap.String("reason", evt.Reason.String()))
		h.bus.Emit("channel.logged_out", evt.Reason.String())
	}
}

// ParseMessage normalizes a live channel message event. Group and self
// messages keep their flags so the subscriber can skip them.
func ParseMessage(evt *events.Message) *Inbound {
	return &Inbound{
		SenderID:   evt.Info.Sender.ToNonAD().String(),
		SenderName: evt.Info.PushName,
		MsgID:      evt.Info.ID,
		Body:       extractTextBody(evt.Message),
		Kind:       detectKind(evt.Message),
		QuotedID:   extractQuotedID(evt.Message),
		FromMe:     evt.Info.IsFromMe,
		Timestamp:  evt.Info.Timestamp.UnixMilli(),
	}
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// extractQuotedID returns the id of the message being replied to, if the
// sender used the channel's quote-reply feature.
func extractQuotedID(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetContextInfo().GetStanzaID()
	}
	return ""
}

// detectKind maps a raw message onto the stored content kinds: text, image,
// video, file, voice and sticker. Anything else falls back to unknown.
func detectKind(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "voice"
	case msg.GetDocumentMessage() != nil:
		return "file"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	default:
		return "unknown"
	}
}
