// Package qq implements the canonical line-buffered connector (D3): a
// WebSocket session via tencent-connect/botgo receiving C2C private
// messages, and plain-text sends where each flushed buffer segment
// becomes its own independent outbound message (spec.md §4.5's
// line-buffered family — no in-place edit involved at all).
package qq

import (
	"context"
	"fmt"

	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/dto"
	"github.com/tencent-connect/botgo/event"
	"github.com/tencent-connect/botgo/openapi"
	"github.com/tencent-connect/botgo/token"
	"github.com/tencent-connect/botgo/websocket"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/channels"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// Config holds the bot app credentials and allow-list.
type Config struct {
	AppID     uint64   `env:"APP_ID"`
	Token     string   `env:"TOKEN"`
	Sandbox   bool     `env:"SANDBOX"`
	AllowFrom []string `env:"ALLOW_FROM"`
}

// Channel is the QQ connector.
type Channel struct {
	*channels.BaseChannel
	cfg Config
	api openapi.OpenAPI
}

func init() {
	channels.Register("qq", func(cfg interface{}, b *bus.MessageBus) (channels.Channel, error) {
		c, ok := cfg.(Config)
		if !ok {
			return nil, fmt.Errorf("qq: unexpected config type %T", cfg)
		}
		return New(c, b)
	})
}

// New constructs a QQ connector.
func New(cfg Config, b *bus.MessageBus) (*Channel, error) {
	if cfg.AppID == 0 || cfg.Token == "" {
		return nil, fmt.Errorf("qq: app_id and token are required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("qq", b, cfg.AllowFrom),
		cfg:         cfg,
	}, nil
}

// Start connects to the QQ bot gateway and begins receiving C2C
// private messages.
func (c *Channel) Start(ctx context.Context) error {
	botToken := token.New(token.TypeBot, fmt.Sprintf("%d", c.cfg.AppID), c.cfg.Token)

	var api openapi.OpenAPI
	if c.cfg.Sandbox {
		api = botgo.NewSandboxOpenAPI(botToken)
	} else {
		api = botgo.NewOpenAPI(botToken)
	}
	c.api = api.WithTimeout(10)

	wsInfo, err := c.api.WS(ctx, nil, "")
	if err != nil {
		return fmt.Errorf("fetch qq websocket info: %w", err)
	}

	intent := websocket.RegisterHandlers(event.C2CMessageEventHandler(c.onC2CMessage))

	if err := botgo.NewSessionManager().Start(wsInfo, botToken, &intent); err != nil {
		return fmt.Errorf("start qq session: %w", err)
	}

	c.SetRunning(true)
	logger.InfoCF("qq", "connector started", nil)
	return nil
}

// Stop marks the connector stopped. botgo's session manager owns the
// underlying goroutines and is torn down with the process.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

func (c *Channel) onC2CMessage(_ *dto.WSPayload, data *dto.WSC2CMessageData) error {
	if data == nil {
		return nil
	}
	content := data.Content
	if content == "" {
		return nil
	}
	metadata := map[string]interface{}{"message_id": data.ID}
	c.HandleMessage(data.Author.UserOpenID, data.Author.UserOpenID, content, nil, metadata)
	return nil
}

// Send posts text directly; spec.md's line-buffered family has already
// split the stream into independent segments by the time they reach
// here, so every call is a brand-new message, never an edit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("qq connector not running")
	}
	if msg.Content == "" {
		return nil
	}
	_, err := c.api.PostC2CMessage(ctx, msg.ChatID, &dto.MessageToCreate{
		Content: msg.Content,
		MsgType: 0,
		MsgSeq:  1,
	})
	return err
}
