package wa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"bot-match/internal/logging"
	"bot-match/internal/metrics"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

const authStoreFile = "store.db"

// MeowDialer dials whatsmeow clients backed by one SQLite device store per session.
type MeowDialer struct {
	LogLevel string
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Dial opens (or creates) the device store under authDir and wires a client to sink.
func (d *MeowDialer) Dial(ctx context.Context, sessionID, authDir string, sink EventSink) (Conn, error) {
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure auth dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", filepath.Join(authDir, authStoreFile))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open auth store: %w", err)
	}

	storeLogger := logging.WhatsMeow(d.Logger, "whatsmeow/sqlstore", d.LogLevel)
	container := sqlstore.NewWithDB(db, "sqlite", storeLogger)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrade auth store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("get device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, logging.WhatsMeow(d.Logger, "whatsmeow/client", d.LogLevel))
	// Reconnects are scheduled by the Manager so logout and network failures can be told apart.
	client.EnableAutoReconnect = false

	connCtx, cancel := context.WithCancel(context.Background())
	c := &meowConn{
		client:  client,
		db:      db,
		sink:    sink,
		logger:  d.Logger.With("component", "wa", "session_id", sessionID),
		metrics: d.Metrics,
		ctx:     connCtx,
		cancel:  cancel,
	}
	client.AddEventHandler(c.handleEvent)
	return c, nil
}

type meowConn struct {
	client  *whatsmeow.Client
	db      *sql.DB
	sink    EventSink
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

// Connect handles the QR pairing flow for unpaired devices and opens the socket.
func (c *meowConn) Connect(_ context.Context) error {
	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(c.ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		go c.watchQR(qrChan)
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}
	return nil
}

func (c *meowConn) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case whatsmeow.QRChannelEventCode:
			c.sink.PairingCode(evt.Code)
		case whatsmeow.QRChannelSuccess.Event:
			c.logger.Info("pairing succeeded")
		case whatsmeow.QRChannelTimeout.Event:
			c.reportClosed(CloseReason{Detail: "pairing timed out"})
		default:
			detail := evt.Event
			if evt.Error != nil {
				detail = evt.Error.Error()
			}
			c.logger.Warn("pairing event received", "event", evt.Event, "detail", detail)
			if evt.Event == whatsmeow.QRChannelEventError {
				c.reportClosed(CloseReason{Detail: detail})
			}
		}
	}
}

func (c *meowConn) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.sink.Message(v)
	case *events.Connected:
		if c.client.Store.ID == nil {
			c.logger.Warn("connected without device identity")
			return
		}
		c.sink.Connected(c.client.Store.ID.User)
	case *events.PairSuccess:
		c.logger.Info("device paired", "jid", v.ID.String(), "platform", v.Platform)
	case *events.LoggedOut:
		c.reportClosed(CloseReason{LoggedOut: true, Detail: v.Reason.String()})
	case *events.ConnectFailure:
		c.reportClosed(CloseReason{LoggedOut: v.Reason.IsLoggedOut(), Detail: v.Reason.String()})
	case *events.StreamReplaced:
		c.reportClosed(CloseReason{Detail: "stream replaced"})
	case *events.TemporaryBan:
		c.reportClosed(CloseReason{Detail: v.String()})
	case *events.Disconnected:
		c.reportClosed(CloseReason{Detail: "disconnected"})
	}
}

func (c *meowConn) reportClosed(reason CloseReason) {
	if c.closed.Swap(true) {
		return
	}
	c.sink.Closed(reason)
}

// Disconnect drops the socket and releases the device store.
func (c *meowConn) Disconnect() {
	c.closed.Store(true)
	c.closeOnce.Do(func() {
		c.cancel()
		c.client.Disconnect()
		if err := c.db.Close(); err != nil {
			c.logger.Warn("close auth store failed", "error", err)
		}
	})
}

// Logout unlinks the device and drops the socket.
func (c *meowConn) Logout(ctx context.Context) error {
	c.closed.Store(true)
	err := c.client.Logout(ctx)
	c.Disconnect()
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// SendText sends a text message to the specified JID.
func (c *meowConn) SendText(ctx context.Context, to types.JID, text string) error {
	message := &waProto.Message{
		Conversation: proto.String(text),
	}
	if _, err := c.client.SendMessage(ctx, to, message); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if c.metrics != nil {
		c.metrics.WAOutgoingMessages.WithLabelValues("text").Inc()
	}
	return nil
}

// SendImage uploads and sends an image message to the specified JID.
func (c *meowConn) SendImage(ctx context.Context, to types.JID, data []byte, mimeType, caption string) error {
	if len(data) == 0 {
		return errors.New("send image: empty data")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	uploadResp, err := c.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}

	imageMsg := &waProto.ImageMessage{
		URL:           proto.String(uploadResp.URL),
		DirectPath:    proto.String(uploadResp.DirectPath),
		MediaKey:      uploadResp.MediaKey,
		FileEncSHA256: uploadResp.FileEncSHA256,
		FileSHA256:    uploadResp.FileSHA256,
		FileLength:    proto.Uint64(uploadResp.FileLength),
		Mimetype:      proto.String(mimeType),
	}
	if caption != "" {
		imageMsg.Caption = proto.String(caption)
	}

	if _, err := c.client.SendMessage(ctx, to, &waProto.Message{ImageMessage: imageMsg}); err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	if c.metrics != nil {
		c.metrics.WAOutgoingMessages.WithLabelValues("image").Inc()
	}
	return nil
}

// DownloadMedia downloads the media content from a message and returns bytes and mime type.
func (c *meowConn) DownloadMedia(ctx context.Context, msg *waProto.Message) ([]byte, string, error) {
	data, err := c.client.DownloadAny(ctx, msg)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}

	mime := "application/octet-stream"
	switch {
	case msg.ImageMessage != nil:
		if m := msg.ImageMessage.GetMimetype(); m != "" {
			mime = m
		}
	case msg.VideoMessage != nil:
		if m := msg.VideoMessage.GetMimetype(); m != "" {
			mime = m
		}
	case msg.DocumentMessage != nil:
		if m := msg.DocumentMessage.GetMimetype(); m != "" {
			mime = m
		}
	}
	return data, mime, nil
}
