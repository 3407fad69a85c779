// Package slack implements an edit-last-message connector (D4) on
// slack-go/slack's Socket Mode client: no public webhook endpoint is
// needed, matching the other connectors' long-lived-connection shape.
package slack

import (
	"context"
	"fmt"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/channels"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// Config holds the bot/app tokens and allow-list.
type Config struct {
	BotToken  string   `env:"BOT_TOKEN"`
	AppToken  string   `env:"APP_TOKEN"`
	AllowFrom []string `env:"ALLOW_FROM"`
}

// Channel is the Slack connector.
type Channel struct {
	*channels.BaseChannel
	cfg    Config
	api    *slack.Client
	sock   *socketmode.Client
	botID  string
	cancel context.CancelFunc

	lastMessage sync.Map // chat_id -> timestamp string
}

func init() {
	channels.Register("slack", func(cfg interface{}, b *bus.MessageBus) (channels.Channel, error) {
		c, ok := cfg.(Config)
		if !ok {
			return nil, fmt.Errorf("slack: unexpected config type %T", cfg)
		}
		return New(c, b)
	})
}

// New constructs a Slack connector.
func New(cfg Config, b *bus.MessageBus) (*Channel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: bot_token and app_token are required")
	}
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	sock := socketmode.New(api)
	return &Channel{
		BaseChannel: channels.NewBaseChannel("slack", b, cfg.AllowFrom),
		cfg:         cfg,
		api:         api,
		sock:        sock,
	}, nil
}

// Start opens the Socket Mode connection and begins dispatching events.
func (c *Channel) Start(_ context.Context) error {
	auth, err := c.api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botID = auth.UserID

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.dispatchLoop()

	go func() {
		if err := c.sock.RunContext(runCtx); err != nil {
			logger.ErrorCF("slack", "socket mode client stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	c.SetRunning(true)
	logger.InfoCF("slack", "connector started", map[string]interface{}{"bot_id": c.botID})
	return nil
}

// Stop closes the Socket Mode connection.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetRunning(false)
	return nil
}

func (c *Channel) dispatchLoop() {
	for evt := range c.sock.Events {
		if evt.Type != socketmode.EventTypeEventsAPI {
			continue
		}
		eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			continue
		}
		if evt.Request != nil {
			c.sock.Ack(*evt.Request)
		}
		c.handleEventsAPI(eventsAPI)
	}
}

func (c *Channel) handleEventsAPI(eventsAPI slackevents.EventsAPIEvent) {
	if eventsAPI.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := eventsAPI.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || ev.BotID != "" || ev.User == c.botID || ev.Text == "" {
		return
	}
	metadata := map[string]interface{}{"message_id": ev.TimeStamp}
	c.HandleMessage(ev.User, ev.Channel, ev.Text, nil, metadata)
}

// Send implements the edit-last-message family.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack connector not running")
	}

	if msg.IsStreamingEnd() {
		c.lastMessage.Delete(msg.ChatID)
		return nil
	}

	if v, ok := c.lastMessage.Load(msg.ChatID); ok {
		if _, _, _, err := c.api.UpdateMessage(msg.ChatID, v.(string), slack.MsgOptionText(msg.Content, false)); err == nil {
			if !msg.IsStreaming() {
				c.lastMessage.Delete(msg.ChatID)
			}
			return nil
		}
		c.lastMessage.Delete(msg.ChatID)
	}

	_, ts, err := c.api.PostMessage(msg.ChatID, slack.MsgOptionText(msg.Content, false))
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	if msg.IsStreaming() {
		c.lastMessage.Store(msg.ChatID, ts)
	}
	return nil
}
