package wa

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/wa-export/exportd/internal/history"
	"github.com/wa-export/exportd/internal/session"
)

// lifecycleEvent maps a whatsmeow event onto the session lifecycle. Events
// with no lifecycle meaning report false.
func lifecycleEvent(evt any) (session.Event, bool) {
	switch evt := evt.(type) {
	case *events.Connected:
		return session.Event{Kind: session.EventReady}, true
	case *events.LoggedOut:
		return session.Event{Kind: session.EventAuthFailure, Reason: fmt.Sprintf("logged out (%v)", evt.Reason)}, true
	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			return session.Event{Kind: session.EventAuthFailure, Reason: fmt.Sprintf("%v", evt.Reason)}, true
		}
		return session.Event{Kind: session.EventDisconnected, Reason: fmt.Sprintf("connect failure: %v", evt.Reason)}, true
	case *events.TemporaryBan:
		return session.Event{Kind: session.EventDisconnected, Reason: evt.String()}, true
	case *events.Disconnected:
		return session.Event{Kind: session.EventDisconnected, Reason: "connection lost"}, true
	case *events.StreamReplaced:
		return session.Event{Kind: session.EventDisconnected, Reason: "session opened elsewhere"}, true
	}
	return session.Event{}, false
}

// qrEvent maps one item of the pairing channel. "success" is followed by a
// Connected event and "timeout" is handled by the pairing loop, so neither
// carries anything of its own.
func qrEvent(item whatsmeow.QRChannelItem) (session.Event, bool) {
	switch {
	case item.Event == whatsmeow.QRChannelEventCode:
		return session.Event{Kind: session.EventPairingCode, Code: item.Code}, true
	case item.Event == "success", item.Event == "timeout":
		return session.Event{}, false
	case item.Error != nil:
		return session.Event{Kind: session.EventAuthFailure, Reason: item.Error.Error()}, true
	default:
		return session.Event{Kind: session.EventAuthFailure, Reason: strings.TrimPrefix(item.Event, "err-")}, true
	}
}

func messageBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return mediaBody("image", msg.GetImageMessage().GetCaption())
	case msg.GetVideoMessage() != nil:
		return mediaBody("video", msg.GetVideoMessage().GetCaption())
	case msg.GetDocumentMessage() != nil:
		return mediaBody("document", msg.GetDocumentMessage().GetFileName())
	case msg.GetAudioMessage() != nil:
		return "[audio]"
	case msg.GetStickerMessage() != nil:
		return "[sticker]"
	case msg.GetContactMessage() != nil:
		return mediaBody("contact", msg.GetContactMessage().GetDisplayName())
	case msg.GetLocationMessage() != nil:
		return "[location]"
	}
	return ""
}

func mediaBody(kind, text string) string {
	if text == "" {
		return "[" + kind + "]"
	}
	return "[" + kind + "] " + text
}

func historyMessage(evt *events.Message) (history.Message, bool) {
	if evt == nil || evt.Info.ID == "" {
		return history.Message{}, false
	}
	chat := evt.Info.Chat.ToNonAD()
	if !exportable(chat) {
		return history.Message{}, false
	}
	return history.Message{
		ID:        evt.Info.ID,
		ChatID:    chat.String(),
		Timestamp: evt.Info.Timestamp,
		FromMe:    evt.Info.IsFromMe,
		Body:      messageBody(evt.Message),
	}, true
}

// exportable reports whether chats on jid's server take part in exports.
// Status broadcasts and newsletters are skipped.
func exportable(jid types.JID) bool {
	switch jid.Server {
	case types.DefaultUserServer, types.GroupServer:
		return jid.User != ""
	}
	return false
}

func contactName(info types.ContactInfo) string {
	for _, name := range []string{info.PushName, info.FullName, info.FirstName, info.BusinessName} {
		if name != "" {
			return name
		}
	}
	return ""
}
