// Package whatsapp implements the bridge connector (D5): rather than a
// first-party WhatsApp SDK (none exists in the example pack or
// original_source, which itself talks to a Node.js/Baileys sidecar),
// this connects over a plain WebSocket to a local bridge process that
// owns the actual WhatsApp Web protocol session. gorilla/websocket is a
// teacher dependency, already used by pkg/transport/ws.go.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/channels"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

const reconnectDelay = 5 * time.Second

// Config holds the bridge connection details and allow-list.
type Config struct {
	BridgeURL   string   `env:"BRIDGE_URL"`
	BridgeToken string   `env:"BRIDGE_TOKEN"`
	AllowFrom   []string `env:"ALLOW_FROM"`
}

type bridgeFrame struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	To        string `json:"to,omitempty"`
	Text      string `json:"text,omitempty"`
	PN        string `json:"pn,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content,omitempty"`
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	IsGroup   bool   `json:"isGroup,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Channel is the WhatsApp bridge connector. Edit-last-message family,
// degraded: the bridge protocol has no edit verb, so every send is a
// fresh "send" frame (matching original_source's whatsapp.py, which
// never attempts an edit either).
type Channel struct {
	*channels.BaseChannel
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
}

func init() {
	channels.Register("whatsapp", func(cfg interface{}, b *bus.MessageBus) (channels.Channel, error) {
		c, ok := cfg.(Config)
		if !ok {
			return nil, fmt.Errorf("whatsapp: unexpected config type %T", cfg)
		}
		return New(c, b)
	})
}

// New constructs a WhatsApp bridge connector.
func New(cfg Config, b *bus.MessageBus) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp: bridge_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", b, cfg.AllowFrom),
		cfg:         cfg,
	}, nil
}

// Start begins the reconnect-on-drop loop to the bridge.
func (c *Channel) Start(_ context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.SetRunning(true)

	go c.connectLoop(runCtx)
	logger.InfoCF("whatsapp", "connector started", map[string]interface{}{"bridge": c.cfg.BridgeURL})
	return nil
}

// Stop closes the bridge connection and stops reconnecting.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetRunning(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *Channel) connectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.BridgeURL, nil)
		if err != nil {
			logger.WarnCF("whatsapp", "bridge connect failed, retrying", map[string]interface{}{"error": err.Error()})
			time.Sleep(reconnectDelay)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if c.cfg.BridgeToken != "" {
			_ = conn.WriteJSON(bridgeFrame{Type: "auth", Token: c.cfg.BridgeToken})
		}

		c.setConnected(true)
		logger.InfoCF("whatsapp", "bridge connected", nil)

		c.readLoop(conn)

		c.setConnected(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
			logger.WarnCF("whatsapp", "bridge disconnected, reconnecting", nil)
			time.Sleep(reconnectDelay)
		}
	}
}

func (c *Channel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Channel) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame bridgeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.WarnCF("whatsapp", "invalid JSON from bridge", nil)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Channel) handleFrame(frame bridgeFrame) {
	switch frame.Type {
	case "message":
		userID := frame.PN
		if userID == "" {
			userID = frame.Sender
		}
		senderID := userID
		if idx := strings.Index(userID, "@"); idx >= 0 {
			senderID = userID[:idx]
		}
		content := frame.Content
		if content == "[Voice Message]" {
			content = "[Voice Message: transcription not available for WhatsApp]"
		}
		c.HandleMessage(senderID, frame.Sender, content, nil, map[string]interface{}{
			"message_id": frame.ID, "timestamp": frame.Timestamp, "is_group": frame.IsGroup,
		})
	case "status":
		c.setConnected(frame.Status == "connected")
	case "qr":
		logger.InfoCF("whatsapp", "scan QR code in the bridge terminal", nil)
	case "error":
		logger.ErrorCF("whatsapp", "bridge reported error", map[string]interface{}{"error": frame.Error})
	}
}

// Send pushes a plain "send" frame; the bridge has no edit verb so
// mid-stream snapshots and the final message both arrive as sends.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.isConnected() {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	if msg.IsStreamingEnd() || msg.Content == "" {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	return conn.WriteJSON(bridgeFrame{Type: "send", To: msg.ChatID, Text: msg.Content})
}
