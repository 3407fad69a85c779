// Package telegram implements an edit-last-message connector (D4) on
// top of mymmrac/telego: long-polling receive, and send-by-editing the
// previous message in place until a _streaming_end terminator arrives,
// grounded on pdtkts-goclaw's telegram channel (its placeholder-edit
// pattern generalized from a single "Thinking..." placeholder to every
// mid-stream snapshot).
package telegram

import (
	"context"
	"fmt"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/channels"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

const maxMessageLen = 4096

// Config holds the bot token and allow-list.
type Config struct {
	Token     string   `env:"TOKEN"`
	AllowFrom []string `env:"ALLOW_FROM"`
}

// Channel is the Telegram connector.
type Channel struct {
	*channels.BaseChannel
	cfg    Config
	bot    *telego.Bot
	cancel context.CancelFunc

	// lastMessage tracks, per chat_id, the message id most recently sent
	// for the in-flight turn — the thing edit-last-message edits.
	lastMessage sync.Map // chatID string -> messageID int
}

func init() {
	channels.Register("telegram", func(cfg interface{}, b *bus.MessageBus) (channels.Channel, error) {
		c, ok := cfg.(Config)
		if !ok {
			return nil, fmt.Errorf("telegram: unexpected config type %T", cfg)
		}
		return New(c, b)
	})
}

// New constructs a Telegram connector.
func New(cfg Config, b *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", b, cfg.AllowFrom),
		cfg:         cfg,
		bot:         bot,
	}, nil
}

// Start begins long-polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	updates, err := c.bot.UpdatesViaLongPolling(runCtx, nil)
	if err != nil {
		return fmt.Errorf("start telegram long polling: %w", err)
	}

	go func() {
		for update := range updates {
			c.handleUpdate(update)
		}
	}()

	c.SetRunning(true)
	logger.InfoCF("telegram", "connector started", nil)
	return nil
}

// Stop cancels the long-polling context.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetRunning(false)
	return nil
}

func (c *Channel) handleUpdate(update telego.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := update.Message
	chatID := fmt.Sprintf("%d", msg.Chat.ID)
	senderID := chatID
	if msg.From != nil {
		senderID = fmt.Sprintf("%d", msg.From.ID)
	}
	metadata := map[string]interface{}{"message_id": fmt.Sprintf("%d", msg.MessageID)}
	c.HandleMessage(senderID, chatID, msg.Text, nil, metadata)
}

// Send implements the edit-last-message family: mid-stream snapshots
// edit the tracked message; a fresh turn (no tracked message, or the
// _streaming_end terminator) sends/clears it.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram connector not running")
	}

	if msg.IsStreamingEnd() {
		c.lastMessage.Delete(msg.ChatID)
		return nil
	}

	var chatID int64
	if _, err := fmt.Sscanf(msg.ChatID, "%d", &chatID); err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}

	content := truncate(msg.Content, maxMessageLen)

	if v, ok := c.lastMessage.Load(msg.ChatID); ok {
		if err := c.edit(ctx, chatID, v.(int), content); err == nil {
			if !msg.IsStreaming() {
				c.lastMessage.Delete(msg.ChatID)
			}
			return nil
		}
		c.lastMessage.Delete(msg.ChatID)
	}

	sentID, err := c.send(ctx, chatID, content)
	if err != nil {
		return err
	}
	if msg.IsStreaming() {
		c.lastMessage.Store(msg.ChatID, sentID)
	}
	return nil
}

// truncate caps content at limit, reserving 3 bytes for an ellipsis.
func truncate(content string, limit int) string {
	if len(content) <= limit {
		return content
	}
	return content[:limit-3] + "..."
}

func (c *Channel) send(ctx context.Context, chatID int64, content string) (int, error) {
	sent, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), content))
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (c *Channel) edit(ctx context.Context, chatID int64, messageID int, content string) error {
	_, err := c.bot.EditMessageText(ctx, tu.EditMessageText(tu.ID(chatID), messageID, content))
	return err
}
