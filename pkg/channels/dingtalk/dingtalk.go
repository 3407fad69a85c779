// Package dingtalk implements an edit-last-message connector (D4) on
// open-dingtalk/dingtalk-stream-sdk-go's chatbot stream client. DingTalk's
// group-bot webhook reply protocol has no message-edit endpoint, so this
// connector degrades the family the same way spec.md documents for
// email/whatsapp: each "edit" is a fresh reply, and the _streaming_end
// terminator is dropped, as no per-chat stream state is kept.
package dingtalk

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/channels"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// Config holds the stream client credentials and allow-list.
type Config struct {
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	AllowFrom    []string `env:"ALLOW_FROM"`
}

// Channel is the DingTalk connector.
type Channel struct {
	*channels.BaseChannel
	cfg    Config
	cli    *client.StreamClient
	cancel context.CancelFunc

	// sessionWebhooks caches the most recent inbound message's reply-only
	// webhook per chat, since that's the only way to push a message back.
	sessionWebhooks sync.Map // chat_id -> webhook URL string
}

func init() {
	channels.Register("dingtalk", func(cfg interface{}, b *bus.MessageBus) (channels.Channel, error) {
		c, ok := cfg.(Config)
		if !ok {
			return nil, fmt.Errorf("dingtalk: unexpected config type %T", cfg)
		}
		return New(c, b)
	})
}

// New constructs a DingTalk connector.
func New(cfg Config, b *bus.MessageBus) (*Channel, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("dingtalk: client_id and client_secret are required")
	}
	cli := client.NewStreamClient(client.WithAppCredential(client.NewAppCredentialConfig(cfg.ClientID, cfg.ClientSecret)))
	return &Channel{
		BaseChannel: channels.NewBaseChannel("dingtalk", b, cfg.AllowFrom),
		cfg:         cfg,
		cli:         cli,
	}, nil
}

// Start registers the chatbot callback router and opens the stream.
func (c *Channel) Start(_ context.Context) error {
	c.cli.RegisterChatBotCallbackRouter(chatbot.NewDefaultChatBotFrameHandler(c.onMessage))

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		if err := c.cli.Start(runCtx); err != nil {
			logger.ErrorCF("dingtalk", "stream client stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	c.SetRunning(true)
	logger.InfoCF("dingtalk", "connector started", nil)
	return nil
}

// Stop closes the stream connection.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetRunning(false)
	return nil
}

func (c *Channel) onMessage(_ context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	if data == nil || data.Text.Content == "" {
		return []byte(""), nil
	}
	chatID := data.ConversationId
	c.sessionWebhooks.Store(chatID, data.SessionWebhook)

	metadata := map[string]interface{}{"message_id": data.MsgId}
	c.HandleMessage(data.SenderStaffId, chatID, data.Text.Content, nil, metadata)
	return []byte(""), nil
}

// Send replies via the chat's most recently captured session webhook.
// Every call is a new push (no edit capability) and no per-chat stream
// state is kept: mid-stream snapshots arrive as successive messages and
// the _streaming_end terminator is ignored.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("dingtalk connector not running")
	}
	if msg.IsStreamingEnd() {
		return nil
	}
	if msg.Content == "" {
		return nil
	}

	v, ok := c.sessionWebhooks.Load(msg.ChatID)
	if !ok {
		return fmt.Errorf("no session webhook cached for chat %q", msg.ChatID)
	}
	webhook := v.(string)

	replier := chatbot.NewChatbotReplier()
	return replier.SimpleReplyText(ctx, webhook, []byte(msg.Content))
}
