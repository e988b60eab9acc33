package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/caam1406/gastos-bridge/pkg/bus"
	"github.com/caam1406/gastos-bridge/pkg/logger"
)

// Chat is one entry of the session's chat enumeration.
type Chat struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsGroup bool   `json:"is_group"`
}

// Client wraps the whatsmeow session. It translates whatsmeow events into
// bus events and exposes the small capability surface the bridge consumes:
// connection state, group enumeration, and (optionally quoted) sends.
type Client struct {
	client     *whatsmeow.Client
	container  *sqlstore.Container
	eventBus   *bus.EventBus
	storePath  string
	mu         sync.Mutex
	cancelFunc context.CancelFunc

	// Recently seen message id -> sender JID, needed to attribute quoted
	// replies inside a group. Bounded, oldest entries evicted first.
	senders     map[string]string
	senderOrder []string
	sendersMu   sync.Mutex
}

const senderCacheSize = 512

func New(storePath string, eventBus *bus.EventBus) *Client {
	return &Client{
		eventBus:  eventBus,
		storePath: storePath,
		senders:   make(map[string]string),
	}
}

// Start initializes the SQLite device store, creates the whatsmeow client,
// and connects. If no existing session is found it triggers QR code login.
func (c *Client) Start(ctx context.Context) error {
	logger.InfoC("whatsapp", "Starting WhatsApp session")

	if err := os.MkdirAll(filepath.Dir(c.storePath), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	dbLog := waLog.Stdout("WhatsApp-DB", "WARN", true)
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", c.storePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open whatsmeow database: %w", err)
	}
	// Serialize all database access through a single connection to prevent SQLITE_BUSY
	db.SetMaxOpenConns(1)

	container := sqlstore.NewWithDB(db, "sqlite", dbLog)
	if err := container.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade whatsmeow database: %w", err)
	}
	c.container = container

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device from store: %w", err)
	}

	clientLog := waLog.Stdout("WhatsApp", "WARN", true)
	c.client = whatsmeow.NewClient(deviceStore, clientLog)
	c.client.AddEventHandler(c.eventHandler)

	if c.client.Store.ID == nil {
		logger.InfoC("whatsapp", "No existing session found – starting QR code login")
		if err := c.loginWithQR(ctx); err != nil {
			return fmt.Errorf("QR login failed: %w", err)
		}
	} else {
		logger.InfoCF("whatsapp", "Resuming existing session", map[string]interface{}{
			"device_id": c.client.Store.ID.String(),
		})
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
	}

	reconnCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	go c.reconnectLoop(reconnCtx)

	logger.InfoC("whatsapp", "WhatsApp session started")
	return nil
}

// Stop disconnects from WhatsApp and releases resources.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}

	if c.client != nil {
		c.client.Disconnect()
		c.client = nil
	}
	c.container = nil

	logger.InfoC("whatsapp", "WhatsApp session stopped")
}

// loginWithQR performs the interactive QR-code pairing flow. Each code is
// rendered to the terminal and published on the bus as an SVG for the
// websocket tap.
func (c *Client) loginWithQR(ctx context.Context) error {
	qrChan, err := c.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect for QR: %w", err)
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			fmt.Println("\n--- Scan this QR code with WhatsApp (Linked Devices) ---")
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
			fmt.Println("--- Waiting for scan... ---")

			svg, svgErr := generateQRSVG(evt.Code, 256)
			if svgErr != nil {
				logger.WarnCF("whatsapp", "Failed to render QR SVG", map[string]interface{}{
					"error": svgErr.Error(),
				})
			}
			c.eventBus.PublishLifecycle(bus.LifecycleEvent{
				Kind:   bus.LifecycleQR,
				QRCode: evt.Code,
				QRSVG:  svg,
			})

		case "login", "success":
			devID := "unknown"
			if c.client.Store.ID != nil {
				devID = c.client.Store.ID.String()
			}
			logger.InfoCF("whatsapp", "WhatsApp login successful", map[string]interface{}{
				"device_id": devID,
				"event":     evt.Event,
			})
			return nil

		case "timeout":
			logger.WarnC("whatsapp", "QR code timed out")
			return fmt.Errorf("QR code login timed out – restart to try again")

		case "error":
			logger.ErrorC("whatsapp", "QR login error")
			return fmt.Errorf("QR login error")
		}
	}

	// Channel closed – check if we're actually connected (race with event handler)
	if c.client.IsConnected() || c.client.Store.ID != nil {
		logger.InfoC("whatsapp", "QR channel closed but client is connected – login OK")
		return nil
	}

	return fmt.Errorf("QR channel closed unexpectedly")
}

// IsConnected reports whether the session can currently talk to WhatsApp.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnected() && c.client.IsLoggedIn()
}

// ---------------------------------------------------------------------------
// Event handling
// ---------------------------------------------------------------------------

// eventHandler is the central whatsmeow event dispatcher. Everything is
// translated into bus events; the bridge owns all policy.
func (c *Client) eventHandler(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		logger.InfoC("whatsapp", "WhatsApp connected")
		c.eventBus.PublishLifecycle(bus.LifecycleEvent{Kind: bus.LifecycleReady})
	case *events.Disconnected:
		logger.WarnC("whatsapp", "WhatsApp disconnected")
		c.eventBus.PublishLifecycle(bus.LifecycleEvent{
			Kind:   bus.LifecycleDisconnected,
			Reason: "connection closed",
		})
	case *events.StreamReplaced:
		logger.WarnC("whatsapp", "Stream replaced by another session")
		c.eventBus.PublishLifecycle(bus.LifecycleEvent{
			Kind:   bus.LifecycleDisconnected,
			Reason: "stream replaced",
		})
	case *events.LoggedOut:
		reason := fmt.Sprintf("%v", v.Reason)
		logger.ErrorCF("whatsapp", "WhatsApp logged out", map[string]interface{}{
			"reason": reason,
		})
		c.eventBus.PublishLifecycle(bus.LifecycleEvent{
			Kind:   bus.LifecycleAuthFailure,
			Reason: reason,
		})
	case *events.ConnectFailure:
		logger.ErrorCF("whatsapp", "Connect failure", map[string]interface{}{
			"reason": fmt.Sprintf("%v", v.Reason),
		})
		c.eventBus.PublishLifecycle(bus.LifecycleEvent{
			Kind:   bus.LifecycleError,
			Reason: fmt.Sprintf("connect failure: %v", v.Reason),
		})
	case *events.HistorySync:
		// Ignore history syncs – only real-time messages are relayed
	}
}

// handleMessage publishes a single message event, self-authored ones
// included: expenses the linked account types from another device must not
// be silently dropped.
func (c *Client) handleMessage(evt *events.Message) {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	body := extractText(evt.Message)
	if body == "" {
		return
	}

	c.rememberSender(evt.Info.ID, evt.Info.Sender.String())

	msgType := evt.Info.Type
	if msgType == "" {
		msgType = "text"
	}

	logger.DebugCF("whatsapp", "Message received", map[string]interface{}{
		"chat":    evt.Info.Chat.String(),
		"from_me": evt.Info.IsFromMe,
		"preview": truncate(body, 50),
	})

	c.eventBus.PublishMessage(bus.MessageEvent{
		ID:         evt.Info.ID,
		ChatID:     evt.Info.Chat.String(),
		SenderID:   evt.Info.Sender.User,
		SenderName: evt.Info.PushName,
		Timestamp:  evt.Info.Timestamp,
		Type:       msgType,
		Body:       body,
		FromMe:     evt.Info.IsFromMe,
	})
}

// extractText returns the plain-text body from a WhatsApp message.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// ---------------------------------------------------------------------------
// Sender cache
// ---------------------------------------------------------------------------

func (c *Client) rememberSender(messageID, senderJID string) {
	c.sendersMu.Lock()
	defer c.sendersMu.Unlock()

	if _, ok := c.senders[messageID]; ok {
		return
	}
	c.senders[messageID] = senderJID
	c.senderOrder = append(c.senderOrder, messageID)
	if len(c.senderOrder) > senderCacheSize {
		oldest := c.senderOrder[0]
		c.senderOrder = c.senderOrder[1:]
		delete(c.senders, oldest)
	}
}

func (c *Client) lookupSender(messageID string) string {
	c.sendersMu.Lock()
	defer c.sendersMu.Unlock()
	return c.senders[messageID]
}

// ---------------------------------------------------------------------------
// Capability surface
// ---------------------------------------------------------------------------

// ListGroups enumerates the group chats the linked account participates in.
func (c *Client) ListGroups(ctx context.Context) ([]Chat, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return nil, fmt.Errorf("whatsapp client not started")
	}

	groups, err := client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate groups: %w", err)
	}

	chats := make([]Chat, 0, len(groups))
	for _, g := range groups {
		chats = append(chats, Chat{
			ID:      g.JID.String(),
			Name:    g.Name,
			IsGroup: true,
		})
	}
	return chats, nil
}

// SendMessage delivers a text message to the given chat. When quoteID refers
// to a recently seen message the reply quotes it; an unknown quote id
// degrades to a plain send.
func (c *Client) SendMessage(ctx context.Context, chatID, body, quoteID string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return fmt.Errorf("whatsapp client not connected")
	}

	targetJID, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID '%s': %w", chatID, err)
	}

	msg := &waE2E.Message{Conversation: proto.String(body)}
	if quoteID != "" {
		if participant := c.lookupSender(quoteID); participant != "" {
			msg = &waE2E.Message{
				ExtendedTextMessage: &waE2E.ExtendedTextMessage{
					Text: proto.String(body),
					ContextInfo: &waE2E.ContextInfo{
						StanzaID:      proto.String(quoteID),
						Participant:   proto.String(participant),
						QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
					},
				},
			}
		} else {
			logger.DebugCF("whatsapp", "Quote target not in sender cache, sending unquoted", map[string]interface{}{
				"quote_id": quoteID,
			})
		}
	}

	resp, err := client.SendMessage(ctx, targetJID, msg)
	if err != nil {
		return fmt.Errorf("failed to send whatsapp message: %w", err)
	}

	logger.DebugCF("whatsapp", "Message sent", map[string]interface{}{
		"to":         targetJID.String(),
		"message_id": resp.ID,
	})
	return nil
}

// ---------------------------------------------------------------------------
// Reconnection
// ---------------------------------------------------------------------------

// reconnectLoop monitors the connection and retries with exponential backoff.
// A successful reconnect makes whatsmeow emit Connected again, which re-runs
// the readiness transition and target resolution in the bridge.
func (c *Client) reconnectLoop(ctx context.Context) {
	backoff := 5 * time.Second
	maxBackoff := 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
			c.mu.Lock()
			client := c.client
			c.mu.Unlock()
			if client == nil {
				return
			}
			if !client.IsConnected() && client.IsLoggedIn() {
				logger.WarnCF("whatsapp", "Connection lost – attempting reconnect", map[string]interface{}{
					"backoff_seconds": backoff.Seconds(),
				})

				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}

				if err := client.Connect(); err != nil {
					logger.ErrorCF("whatsapp", "Reconnection failed", map[string]interface{}{
						"error":   err.Error(),
						"backoff": backoff.String(),
					})
					backoff = backoff * 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
				} else {
					logger.InfoC("whatsapp", "Reconnected successfully")
					backoff = 5 * time.Second
				}
			}
		}
	}
}
