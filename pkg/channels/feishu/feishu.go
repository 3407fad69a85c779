// Package feishu implements the canonical card-edit connector (D2):
// a long-lived WebSocket connection receives messages and a single
// interactive card per turn is created once, then repeatedly patched
// in place as the agent streams — spec.md §4.6's card-edit state
// machine (idle -> created -> updating -> finished|failed).
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	larkauth "github.com/larksuite/oapi-sdk-go/v3/service/auth/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/channels"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// tokenRefreshMargin is how long before expiry a cached tenant_access_token
// is proactively refreshed (spec.md §4.6).
const tokenRefreshMargin = 60 * time.Second

// cardMaxAge forces a token refresh before patching a card that has been
// open this long, even if the cached token isn't near expiry yet
// (spec.md §4.6: "eagerly if the card is more than 90 minutes old").
const cardMaxAge = 90 * time.Minute

// Config holds the app credentials and allow-list for one Feishu bot.
type Config struct {
	AppID     string   `env:"APP_ID"`
	AppSecret string   `env:"APP_SECRET"`
	AllowFrom []string `env:"ALLOW_FROM"`
}

// cardState is one chat's in-flight card-edit state machine, per
// spec.md §4.6.
type cardState int

const (
	cardIdle cardState = iota
	cardCreated
	cardUpdating
	cardFinished
	cardFailed
)

type cardSlot struct {
	mu        sync.Mutex
	state     cardState
	cardID    string    // Feishu message_id of the card, reused across patches
	createdAt time.Time // when cardID was created, for the 90-minute eager-refresh rule
}

// Channel is the Feishu connector.
type Channel struct {
	*channels.BaseChannel
	cfg    Config
	client *lark.Client
	wsCli  *larkws.Client
	cancel context.CancelFunc

	cardsMu sync.Mutex
	cards   map[string]*cardSlot // chat_id -> slot

	tokenMu        sync.Mutex
	cachedToken    string
	tokenExpiresAt time.Time
}

func init() {
	channels.Register("feishu", func(cfg interface{}, b *bus.MessageBus) (channels.Channel, error) {
		c, ok := cfg.(Config)
		if !ok {
			return nil, fmt.Errorf("feishu: unexpected config type %T", cfg)
		}
		return New(c, b)
	})
}

// New constructs a Feishu connector.
func New(cfg Config, b *bus.MessageBus) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu: app_id and app_secret are required")
	}
	client := lark.NewClient(cfg.AppID, cfg.AppSecret)
	return &Channel{
		BaseChannel: channels.NewBaseChannel("feishu", b, cfg.AllowFrom),
		cfg:         cfg,
		client:      client,
		cards:       make(map[string]*cardSlot),
	}, nil
}

// Start opens the long-lived event WebSocket connection.
func (c *Channel) Start(ctx context.Context) error {
	dispatcher := larkevent.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(c.onMessage)

	c.wsCli = larkws.NewClient(c.cfg.AppID, c.cfg.AppSecret,
		larkws.WithEventHandler(dispatcher),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		if err := c.wsCli.Start(runCtx); err != nil {
			logger.ErrorCF("feishu", "websocket client stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	c.SetRunning(true)
	logger.InfoCF("feishu", "connector started", nil)
	return nil
}

// Stop closes the WebSocket connection.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetRunning(false)
	return nil
}

func (c *Channel) onMessage(_ context.Context, event *larkim.P2MessageReceiveV1) error {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return nil
	}
	msg := event.Event.Message
	sender := ""
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		sender = *event.Event.Sender.SenderId.OpenId
	}
	chatID := ""
	if msg.ChatId != nil {
		chatID = *msg.ChatId
	}
	content := extractText(msg.Content)
	if content == "" {
		return nil
	}

	metadata := map[string]interface{}{}
	if msg.MessageId != nil {
		metadata["message_id"] = *msg.MessageId
	}
	c.HandleMessage(sender, chatID, content, nil, metadata)
	return nil
}

// extractText pulls the "text" field out of Feishu's JSON message content
// envelope, e.g. {"text":"hello"}.
func extractText(raw *string) string {
	if raw == nil {
		return ""
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(*raw), &payload); err != nil {
		return ""
	}
	return payload.Text
}

func (c *Channel) slotFor(chatID string) *cardSlot {
	c.cardsMu.Lock()
	defer c.cardsMu.Unlock()
	s, ok := c.cards[chatID]
	if !ok {
		s = &cardSlot{}
		c.cards[chatID] = s
	}
	return s
}

// Send implements channels.Channel for plain (non-streaming) turns: a
// one-shot interactive card, created and immediately marked finished.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("feishu connector not running")
	}
	if msg.IsStreaming() || msg.IsStreamingEnd() {
		return nil // handled via HandleStreamingChunk, not the bus, for this family
	}
	return c.HandleStreamingChunk(msg.ChatID, msg.Content, true)
}

// HandleStreamingChunk implements agent.StreamingConnector: create the
// card on the first chunk, patch it on every subsequent chunk, and mark
// it finished on the last. Once a slot has latched into cardFailed, every
// subsequent chunk for that key falls back to a plain send instead of
// retrying create/patch (spec.md §4.6) — the slot only leaves cardFailed
// once a later isFinal chunk resets it to idle for the next turn.
func (c *Channel) HandleStreamingChunk(chatID, text string, isFinal bool) error {
	slot := c.slotFor(chatID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	ctx := context.Background()

	if slot.state == cardFailed {
		if err := c.sendPlain(ctx, chatID, text); err != nil {
			return fmt.Errorf("feishu plain-send fallback: %w", err)
		}
		if isFinal {
			slot.state = cardIdle
			slot.cardID = ""
		}
		return nil
	}

	// A card open for more than cardMaxAge forces an eager token refresh
	// before the next patch, regardless of the cached token's own TTL.
	eager := slot.state != cardIdle && slot.cardID != "" && time.Since(slot.createdAt) > cardMaxAge
	token, err := c.tenantToken(ctx, eager)
	if err != nil {
		slot.state = cardFailed
		return fmt.Errorf("feishu tenant token: %w", err)
	}

	if slot.state == cardIdle || slot.cardID == "" {
		id, err := c.createCard(ctx, chatID, text, token)
		if err != nil {
			slot.state = cardFailed
			return fmt.Errorf("create card: %w", err)
		}
		slot.cardID = id
		slot.createdAt = time.Now()
		slot.state = cardUpdating
	} else {
		if err := c.patchCard(ctx, slot.cardID, text, token); err != nil {
			slot.state = cardFailed
			return fmt.Errorf("patch card: %w", err)
		}
	}

	if isFinal {
		slot.state = cardFinished
		slot.cardID = ""
	}
	return nil
}

// tenantToken returns a cached tenant_access_token, refreshing it when
// it's within tokenRefreshMargin of expiry or when force is set.
func (c *Channel) tenantToken(ctx context.Context, force bool) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if !force && c.cachedToken != "" && time.Until(c.tokenExpiresAt) > tokenRefreshMargin {
		return c.cachedToken, nil
	}

	req := larkauth.NewInternalTenantAccessTokenReqBuilder().
		Body(larkauth.NewInternalTenantAccessTokenReqBodyBuilder().
			AppId(c.cfg.AppID).
			AppSecret(c.cfg.AppSecret).
			Build()).
		Build()

	resp, err := c.client.Auth.V3.TenantAccessToken.Internal(ctx, req)
	if err != nil {
		return "", err
	}
	if !resp.Success() {
		return "", fmt.Errorf("feishu tenant_access_token failed: %s", resp.Msg)
	}

	c.cachedToken = resp.TenantAccessToken
	c.tokenExpiresAt = time.Now().Add(time.Duration(resp.Expire) * time.Second)
	return c.cachedToken, nil
}

func (c *Channel) createCard(ctx context.Context, chatID, text, token string) (string, error) {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType("interactive").
			Content(cardPayload(text)).
			Build()).
		Build()

	resp, err := c.client.Im.V1.Message.Create(ctx, req, larkcore.WithTenantAccessToken(token))
	if err != nil {
		return "", err
	}
	if !resp.Success() {
		return "", fmt.Errorf("feishu create message failed: %s", resp.Msg)
	}
	if resp.Data == nil || resp.Data.MessageId == nil {
		return "", fmt.Errorf("feishu create message: no message id returned")
	}
	return *resp.Data.MessageId, nil
}

func (c *Channel) patchCard(ctx context.Context, messageID, text, token string) error {
	req := larkim.NewPatchMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewPatchMessageReqBodyBuilder().
			Content(cardPayload(text)).
			Build()).
		Build()

	resp, err := c.client.Im.V1.Message.Patch(ctx, req, larkcore.WithTenantAccessToken(token))
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("feishu patch message failed: %s", resp.Msg)
	}
	return nil
}

// sendPlain is the cardFailed fallback: a one-shot plain text message,
// bypassing the card-edit machinery entirely.
func (c *Channel) sendPlain(ctx context.Context, chatID, text string) error {
	token, err := c.tenantToken(ctx, false)
	if err != nil {
		return fmt.Errorf("tenant token: %w", err)
	}
	payload, _ := json.Marshal(map[string]string{"text": text})
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType("text").
			Content(string(payload)).
			Build()).
		Build()

	resp, err := c.client.Im.V1.Message.Create(ctx, req, larkcore.WithTenantAccessToken(token))
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("feishu plain send failed: %s", resp.Msg)
	}
	return nil
}

// cardPayload builds a minimal interactive-card JSON body containing one
// markdown element with text.
func cardPayload(text string) string {
	card := map[string]interface{}{
		"config": map[string]interface{}{"wide_screen_mode": true},
		"elements": []map[string]interface{}{
			{"tag": "markdown", "content": text},
		},
	}
	b, _ := json.Marshal(card)
	return string(b)
}
