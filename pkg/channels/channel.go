// Package channels defines the Channel contract (C6) shared by all nine
// connectors and the construction registry the Channel Manager (C7)
// uses to build enabled connectors from configuration.
package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// Channel is the contract every connector implements: connect and start
// receiving (Start), disconnect cleanly (Stop), and deliver one outbound
// message to the platform (Send).
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// Constructor builds a Channel from already-decoded configuration. Each
// connector package supplies one and registers it under its channel
// name in init().
type Constructor func(cfg interface{}, b *bus.MessageBus) (Channel, error)

var registry = map[string]Constructor{}

// Register adds a constructor under name. Called from each connector
// package's init(); a duplicate name overwrites the prior entry, which
// only matters for tests that re-register a fake.
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

// Get looks up a registered constructor by channel name.
func Get(name string) (Constructor, bool) {
	ctor, ok := registry[name]
	return ctor, ok
}

// Names returns every registered channel name.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

// BaseChannel is embedded by every connector: it carries the name, the
// bus, the allow-list, and the running flag, and implements the
// inbound-side permission check and publish step common to all nine
// connectors (grounded on original_source/channels/base.py's
// BaseChannel).
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string
	running   atomic.Bool
}

// NewBaseChannel constructs the shared embeddable base.
func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) *BaseChannel {
	return &BaseChannel{name: name, bus: b, allowFrom: allowFrom}
}

// Name returns the channel's registry name.
func (b *BaseChannel) Name() string { return b.name }

// IsRunning reports whether Start has completed without a matching Stop.
func (b *BaseChannel) IsRunning() bool { return b.running.Load() }

// SetRunning updates the running flag; connectors call this from Start/Stop.
func (b *BaseChannel) SetRunning(v bool) { b.running.Store(v) }

// IsAllowed reports whether senderID may use this channel. An empty
// allow-list permits everyone. A sender ID containing "|" (e.g. a
// platform-composite id) is allowed if any "|"-separated part matches.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, allowed := range b.allowFrom {
		if allowed == senderID {
			return true
		}
	}
	if strings.Contains(senderID, "|") {
		for _, part := range strings.Split(senderID, "|") {
			if part == "" {
				continue
			}
			for _, allowed := range b.allowFrom {
				if allowed == part {
					return true
				}
			}
		}
	}
	return false
}

// HandleMessage checks the allow-list and, if permitted, publishes an
// InboundMessage to the bus. This is the single entry point every
// connector's receive loop calls.
func (b *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]interface{}) {
	if !b.IsAllowed(senderID) {
		logger.DebugCF(b.name, "message blocked by allow_from", map[string]interface{}{
			"sender_id": senderID,
		})
		return
	}
	b.bus.PublishInbound(bus.InboundMessage{
		Channel:  b.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		Metadata: metadata,
	})
}
