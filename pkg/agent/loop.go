package agent

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kai648846760/iflow-bot/pkg/adapter"
	"github.com/kai648846760/iflow-bot/pkg/analyzer"
	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/constants"
	"github.com/kai648846760/iflow-bot/pkg/logger"
	"github.com/kai648846760/iflow-bot/pkg/session"
)

// newSessionAck is the fixed acknowledgement published when a user sends
// /new or /start — spec.md §9 open question (a): this path only clears
// the local session binding; the agent itself is never notified, and a
// fresh session is created lazily on the next prompt.
const newSessionAck = "✨ Started a new conversation — previous context cleared."

// StreamingConnector is implemented by connectors in the card-edit
// family: instead of going through the bus, the loop calls this
// directly so the connector can patch its single in-place message on
// every chunk without per-message bus overhead.
type StreamingConnector interface {
	HandleStreamingChunk(chatID, text string, isFinal bool) error
}

// ConnectorLookup resolves a channel name to its StreamingConnector, if
// that channel's connector supports card-edit streaming.
type ConnectorLookup func(channel string) (StreamingConnector, bool)

// ChannelStreamConfig describes one channel's streaming behavior.
type ChannelStreamConfig struct {
	Family         constants.StreamFamily
	SplitThreshold int // line-buffered only; 0 means "no split"
}

// Loop is the Agent Loop (C5): single consumer of Bus.inbound, per-user
// serialization, context injection, streaming orchestration, artifact
// scanning, and ProcessDirect for the Scheduler/Heartbeat bypass path.
type Loop struct {
	Bus       *bus.MessageBus
	Adapter   *adapter.Adapter
	Sessions  *session.Map
	Workspace string

	StreamingEnabled bool
	StreamConfigs    map[string]ChannelStreamConfig
	Connectors       ConnectorLookup
	PromptTimeout    time.Duration

	locks   *PerUserLock
	running atomic.Bool
	stop    chan struct{}
}

// New constructs a Loop. promptTimeout defaults to 2 minutes when <= 0.
func New(b *bus.MessageBus, ad *adapter.Adapter, sessions *session.Map, workspace string, streaming bool, configs map[string]ChannelStreamConfig, connectors ConnectorLookup, promptTimeout time.Duration) *Loop {
	if promptTimeout <= 0 {
		promptTimeout = 2 * time.Minute
	}
	if configs == nil {
		configs = make(map[string]ChannelStreamConfig)
	}
	return &Loop{
		Bus: b, Adapter: ad, Sessions: sessions, Workspace: workspace,
		StreamingEnabled: streaming, StreamConfigs: configs, Connectors: connectors,
		PromptTimeout: promptTimeout,
		locks:         NewPerUserLock(),
		stop:          make(chan struct{}),
	}
}

// Run consumes Bus.inbound until Stop is called, spawning one short-
// lived worker goroutine per inbound message.
func (l *Loop) Run() {
	l.running.Store(true)
	logger.InfoCF("agent", "agent loop started", nil)
	for {
		msg, ok := l.Bus.ConsumeInbound(l.stop)
		if !ok {
			logger.InfoCF("agent", "agent loop stopped", nil)
			return
		}
		go l.processMessage(msg)
	}
}

// Stop signals Run to return after its current ConsumeInbound call.
func (l *Loop) Stop() {
	if l.running.CompareAndSwap(true, false) {
		close(l.stop)
	}
}

func (l *Loop) streamConfig(channel string) (constants.StreamFamily, int) {
	cfg, ok := l.StreamConfigs[channel]
	if !ok {
		return constants.StreamFamilyNone, 0
	}
	return cfg.Family, cfg.SplitThreshold
}

func messageIDOf(msg bus.InboundMessage) string {
	if msg.Metadata == nil {
		return ""
	}
	id, _ := msg.Metadata["message_id"].(string)
	return id
}

func (l *Loop) publishError(msg bus.InboundMessage, err error) {
	logger.ErrorCF("agent", "turn failed", map[string]interface{}{
		"channel": msg.Channel, "chat_id": msg.ChatID, "error": err.Error(),
	})
	l.Bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: constants.ErrorNoticePrefix + " " + err.Error(),
	})
}

// processMessage handles exactly one inbound turn under the per-
// (channel, chat_id) lock — the central concurrency invariant (spec.md
// §4.5): no later turn for the same key can begin until this one's
// final outbound has been published.
func (l *Loop) processMessage(msg bus.InboundMessage) {
	key := bus.Key(msg.Channel, msg.ChatID)
	release := l.locks.Acquire(key)
	defer release()

	logger.InfoCF("agent", "processing turn", map[string]interface{}{
		"channel": msg.Channel, "chat_id": msg.ChatID,
	})

	if IsNewSessionCommand(msg.Content) {
		l.Sessions.Clear(msg.Channel, msg.ChatID)
		l.Bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel, ChatID: msg.ChatID, Content: newSessionAck,
			ReplyToID: messageIDOf(msg),
		})
		return
	}

	prompt := BuildMessage(l.Workspace, msg.Channel, msg.ChatID, msg.Content)

	ctx, cancel := context.WithTimeout(context.Background(), l.PromptTimeout)
	defer cancel()

	family, splitThreshold := l.streamConfig(msg.Channel)
	if l.StreamingEnabled && family != constants.StreamFamilyNone {
		l.runStreamingTurn(ctx, msg, prompt, family, splitThreshold)
		return
	}
	l.runNonStreamingTurn(ctx, msg, prompt)
}

func (l *Loop) runNonStreamingTurn(ctx context.Context, msg bus.InboundMessage, prompt string) {
	result, err := l.Adapter.Chat(ctx, msg.Channel, msg.ChatID, prompt)
	if err != nil {
		l.publishError(msg, err)
		return
	}
	analyzed := analyzer.Analyze(result)
	l.Bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel, ChatID: msg.ChatID,
		Content: result, Media: analyzed.MediaPaths(),
		ReplyToID: messageIDOf(msg),
	})
}

func (l *Loop) runStreamingTurn(ctx context.Context, msg bus.InboundMessage, prompt string, family constants.StreamFamily, splitThreshold int) {
	var finalMedia []string
	flush := l.makeFlush(msg.Channel, msg.ChatID, family, &finalMedia)
	buf := NewStreamBuffer(msg.Channel, msg.ChatID, family, splitThreshold, flush)

	onChunk := func(text string, isThought bool) {
		if isThought || text == "" {
			return
		}
		buf.Append(text)
	}

	result, err := l.Adapter.ChatStream(ctx, msg.Channel, msg.ChatID, prompt, onChunk, nil)
	if err != nil {
		l.publishError(msg, err)
		return
	}

	analyzed := analyzer.Analyze(result)
	finalMedia = analyzed.MediaPaths()
	buf.Finish()
}

// makeFlush builds the per-family FlushFunc wiring StreamBuffer's output
// to either a direct StreamingConnector call (card-edit) or bus
// publishes (line-buffered, edit-last-message), per spec.md §4.5 step 2
// and step 3's teardown rules.
func (l *Loop) makeFlush(channel, chatID string, family constants.StreamFamily, finalMedia *[]string) FlushFunc {
	return func(ch, id, text string, final bool) {
		switch family {
		case constants.StreamFamilyCardEdit:
			if conn, ok := l.Connectors(ch); ok {
				if err := conn.HandleStreamingChunk(id, text, final); err != nil {
					logger.WarnCF("agent", "streaming chunk delivery failed", map[string]interface{}{
						"channel": ch, "chat_id": id, "error": err.Error(),
					})
				}
			}
			if final && len(*finalMedia) > 0 {
				l.Bus.PublishOutbound(bus.OutboundMessage{Channel: ch, ChatID: id, Media: *finalMedia})
			}

		case constants.StreamFamilyLineBuffered:
			trimmed := strings.TrimSpace(text)
			if trimmed == "" {
				return
			}
			l.Bus.PublishOutbound(bus.OutboundMessage{Channel: ch, ChatID: id, Content: trimmed})

		case constants.StreamFamilyEditLastMessage:
			if !final {
				l.Bus.PublishOutbound(bus.OutboundMessage{
					Channel: ch, ChatID: id, Content: text,
					Metadata: map[string]interface{}{"_streaming": true, "_progress": true},
				})
				return
			}
			l.Bus.PublishOutbound(bus.OutboundMessage{
				Channel: ch, ChatID: id, Content: text, Media: *finalMedia,
				Metadata: map[string]interface{}{"_streaming": true, "_progress": true},
			})
			l.Bus.PublishOutbound(bus.OutboundMessage{
				Channel: ch, ChatID: id,
				Metadata: map[string]interface{}{"_streaming_end": true},
			})
		}
	}
}

// ProcessDirect runs one synthetic turn outside the bus, for the
// Scheduler and Heartbeat (spec.md §2 data flow: "bypassing
// Bus.inbound"). sessionKey, when given as "channel:chat_id", overrides
// channel/chatID as the effective routing target.
func (l *Loop) ProcessDirect(ctx context.Context, message, sessionKey, channel, chatID string) (string, error) {
	effectiveChannel, effectiveChatID := channel, chatID
	if sessionKey != "" {
		if c, id, ok := strings.Cut(sessionKey, ":"); ok {
			effectiveChannel, effectiveChatID = c, id
		}
	}

	key := bus.Key(effectiveChannel, effectiveChatID)
	release := l.locks.Acquire(key)
	defer release()

	prompt := BuildMessage(l.Workspace, effectiveChannel, effectiveChatID, message)
	return l.Adapter.Chat(ctx, effectiveChannel, effectiveChatID, prompt)
}
