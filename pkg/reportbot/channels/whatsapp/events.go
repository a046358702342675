package whatsapp

import (
	"fmt"
	"strings"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/reportbot/pkg/reportbot/channels"
)

// ConnectionState represents the current connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateLoggedOut    ConnectionState = "logged_out"
	StateBanned       ConnectionState = "banned"
)

// timestampLayout renders message times in timestamp labels.
const timestampLayout = "2006-01-02 15:04:05"

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.setState(StateConnected)
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.logger.Info("whatsapp: connected")

	case *events.Disconnected:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Warn("whatsapp: disconnected")

	case *events.StreamReplaced:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Warn("whatsapp: stream replaced by another client")

	case *events.LoggedOut:
		w.setState(StateLoggedOut)
		w.connected.Store(false)
		w.logger.Error("whatsapp: logged out", "reason", evt.Reason.String())

	case *events.TemporaryBan:
		w.setState(StateBanned)
		w.connected.Store(false)
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)

	case *events.KeepAliveTimeout:
		w.logger.Warn("whatsapp: keepalive timeout", "errors", evt.ErrorCount)
	}
}

// handleMessageEvt records incoming messages of the monitored group.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat != w.group {
		return
	}
	text := extractText(evt.Message)
	if text == "" {
		return
	}

	sender := evt.Info.PushName
	if sender == "" {
		sender = evt.Info.Sender.User
	}
	msg := &channels.InboundMessage{
		Sender:         sender,
		Text:           strings.TrimSpace(text),
		TimestampLabel: evt.Info.Timestamp.Format(timestampLayout) + " " + string(evt.Info.ID),
	}
	w.latest.Store(msg)
}

// extractText returns the text of a message, or its caption for media.
func extractText(waMsg *waE2E.Message) string {
	if waMsg == nil {
		return ""
	}
	switch {
	case waMsg.Conversation != nil:
		return waMsg.GetConversation()
	case waMsg.ExtendedTextMessage != nil:
		return waMsg.GetExtendedTextMessage().GetText()
	case waMsg.ImageMessage != nil:
		return waMsg.GetImageMessage().GetCaption()
	}
	return ""
}

// parseJID converts a string JID to types.JID.
// Accepts "1203630...@g.us" style JIDs or bare phone numbers.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
