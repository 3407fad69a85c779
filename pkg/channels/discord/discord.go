// Package discord implements an edit-last-message connector (D4) on
// bwmarrin/discordgo, grounded on pdtkts-goclaw's discord channel
// (gateway intents, placeholder-edit-then-send-chunked pattern,
// generalized from a single placeholder to every mid-stream snapshot).
package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/channels"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

const maxMessageLen = 2000

// Config holds the bot token and allow-list.
type Config struct {
	Token     string   `env:"TOKEN"`
	AllowFrom []string `env:"ALLOW_FROM"`
}

// Channel is the Discord connector.
type Channel struct {
	*channels.BaseChannel
	cfg       Config
	session   *discordgo.Session
	botUserID string

	lastMessage sync.Map // channelID -> messageID string
}

func init() {
	channels.Register("discord", func(cfg interface{}, b *bus.MessageBus) (channels.Channel, error) {
		c, ok := cfg.(Config)
		if !ok {
			return nil, fmt.Errorf("discord: unexpected config type %T", cfg)
		}
		return New(c, b)
	})
}

// New constructs a Discord connector.
func New(cfg Config, b *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", b, cfg.AllowFrom),
		cfg:         cfg,
		session:     session,
	}, nil
}

// Start opens the gateway connection.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	logger.InfoCF("discord", "connector started", map[string]interface{}{"username": user.Username})
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// truncate caps content at limit, reserving 3 bytes for an ellipsis.
func truncate(content string, limit int) string {
	if len(content) <= limit {
		return content
	}
	return content[:limit-3] + "..."
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Content == "" {
		return
	}
	metadata := map[string]interface{}{"message_id": m.ID}
	c.HandleMessage(m.Author.ID, m.ChannelID, m.Content, nil, metadata)
}

// Send implements the edit-last-message family.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord connector not running")
	}

	if msg.IsStreamingEnd() {
		c.lastMessage.Delete(msg.ChatID)
		return nil
	}

	content := truncate(msg.Content, maxMessageLen)

	if v, ok := c.lastMessage.Load(msg.ChatID); ok {
		if _, err := c.session.ChannelMessageEdit(msg.ChatID, v.(string), content); err == nil {
			if !msg.IsStreaming() {
				c.lastMessage.Delete(msg.ChatID)
			}
			return nil
		}
		c.lastMessage.Delete(msg.ChatID)
	}

	sent, err := c.session.ChannelMessageSend(msg.ChatID, content)
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	if msg.IsStreaming() {
		c.lastMessage.Store(msg.ChatID, sent.ID)
	}
	return nil
}
