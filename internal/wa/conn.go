package wa

import (
	"context"
	"time"

	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Conn is one connection attempt to a messaging account. Implementations report
// lifecycle changes and inbound messages to the EventSink they were dialed with.
type Conn interface {
	// Connect starts the connection. Pairing codes, the authenticated number and
	// the close reason arrive asynchronously through the sink.
	Connect(ctx context.Context) error
	// Disconnect drops the connection without invalidating credentials.
	Disconnect()
	// Logout unlinks the device on the remote side and drops the connection.
	Logout(ctx context.Context) error
	SendText(ctx context.Context, to types.JID, text string) error
	SendImage(ctx context.Context, to types.JID, data []byte, mimeType, caption string) error
	MediaDownloader
}

// MediaDownloader fetches the media payload referenced by a message.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, msg *waProto.Message) ([]byte, string, error)
}

// Dialer creates connections whose credentials live in authDir.
type Dialer interface {
	Dial(ctx context.Context, sessionID, authDir string, sink EventSink) (Conn, error)
}

// EventSink receives the events of a single connection attempt.
type EventSink interface {
	PairingCode(code string)
	Connected(number string)
	Closed(reason CloseReason)
	Message(evt *events.Message)
}

// CloseReason describes why a connection ended.
type CloseReason struct {
	LoggedOut bool
	Detail    string
}

// MessageProcessor handles inbound WhatsApp messages.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, in Inbound)
}

// Inbound is a message event together with the session it arrived on.
type Inbound struct {
	SessionID  string
	Event      *events.Message
	Media      MediaDownloader
	ReceivedAt time.Time
}
