package ingest

import (
	"regexp"
	"strconv"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

var priceRe = regexp.MustCompile(`(?i)(?:Rs\.?|Price:|PKR|\$)?\s?(\d{3,6})`)

// ExtractPrice returns the first 3 to 6 digit amount in text, optionally
// preceded by a currency marker.
func ExtractPrice(text string) *int64 {
	m := priceRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// Content is what the pipeline needs from one inbound event.
type Content struct {
	Number    string
	Name      string
	Text      string
	Kind      string
	MessageID string
	Timestamp time.Time
	HasImage  bool
}

// Extract reads sender, text and kind from a message event. Text comes from
// the plain body, the extended text or the image caption, in that order.
func Extract(evt *events.Message) Content {
	msg := evt.Message
	c := Content{
		Number:    senderNumber(evt.Info.MessageSource),
		Name:      evt.Info.PushName,
		MessageID: evt.Info.ID,
		Timestamp: evt.Info.Timestamp,
		Kind:      messageType(evt),
		HasImage:  msg.GetImageMessage() != nil,
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}

	switch {
	case msg.GetConversation() != "":
		c.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		c.Text = msg.GetExtendedTextMessage().GetText()
	default:
		c.Text = msg.GetImageMessage().GetCaption()
	}
	return c
}

// senderNumber prefers the phone-number JID when the sender is LID-addressed.
func senderNumber(src types.MessageSource) string {
	if src.Sender.Server == types.HiddenUserServer && !src.SenderAlt.IsEmpty() {
		return src.SenderAlt.ToNonAD().User
	}
	return src.Sender.ToNonAD().User
}

func messageType(evt *events.Message) string {
	msg := evt.Message
	switch {
	case msg.Conversation != nil:
		return "conversation"
	case msg.ExtendedTextMessage != nil:
		return "extendedTextMessage"
	case msg.ImageMessage != nil:
		return "imageMessage"
	case msg.VideoMessage != nil:
		return "videoMessage"
	case msg.AudioMessage != nil:
		return "audioMessage"
	case msg.DocumentMessage != nil:
		return "documentMessage"
	case msg.StickerMessage != nil:
		return "stickerMessage"
	default:
		return "unknown"
	}
}
