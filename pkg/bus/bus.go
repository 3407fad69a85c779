// Package bus implements the in-process message bus (C1) decoupling
// channel connectors from the agent loop: two bounded FIFOs, one per
// direction, with a non-blocking, drop-on-full publish policy so a slow
// agent can never stall a connector's receive loop.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/kai648846760/iflow-bot/pkg/constants"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// MessageBus provides the inbound (connector -> agent) and outbound
// (agent -> connector) FIFOs.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	running  atomic.Bool
	recorder Recorder

	// drainMu serializes concurrent Clear calls; the publish and consume
	// paths do not take it.
	drainMu sync.Mutex
}

// New creates a MessageBus with the given per-direction capacity. A
// capacity <= 0 uses constants.DefaultBusCapacity.
func New(capacity int, recorder Recorder) *MessageBus {
	if capacity <= 0 {
		capacity = constants.DefaultBusCapacity
	}
	b := &MessageBus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(chan OutboundMessage, capacity),
		recorder: recorder,
	}
	b.running.Store(true)
	return b
}

// PublishInbound enqueues msg or drops it with a warning if the inbound
// FIFO is full. Never blocks the caller.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	if !b.running.Load() {
		logger.WarnCF("bus", "bus is stopped, dropping inbound message", nil)
		return
	}
	select {
	case b.inbound <- msg:
		logger.DebugCF("bus", "published inbound message", map[string]interface{}{
			"channel": msg.Channel, "chat_id": msg.ChatID,
		})
		if b.recorder != nil {
			b.recorder.RecordInbound(msg)
		}
	default:
		logger.WarnCF("bus", "inbound queue full, dropping message", map[string]interface{}{
			"channel": msg.Channel, "chat_id": msg.ChatID,
		})
	}
}

// ConsumeInbound blocks until a message is available or done fires.
// Passing a nil channel blocks indefinitely.
func (b *MessageBus) ConsumeInbound(done <-chan struct{}) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-done:
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues msg or drops it with a warning if the
// outbound FIFO is full. Never blocks the caller.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	if !b.running.Load() {
		logger.WarnCF("bus", "bus is stopped, dropping outbound message", nil)
		return
	}
	select {
	case b.outbound <- msg:
		logger.DebugCF("bus", "published outbound message", map[string]interface{}{
			"channel": msg.Channel, "chat_id": msg.ChatID,
		})
		if b.recorder != nil {
			b.recorder.RecordOutbound(msg)
		}
	default:
		logger.WarnCF("bus", "outbound queue full, dropping message", map[string]interface{}{
			"channel": msg.Channel, "chat_id": msg.ChatID,
		})
	}
}

// ConsumeOutbound blocks until a message is available or done fires.
func (b *MessageBus) ConsumeOutbound(done <-chan struct{}) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-done:
		return OutboundMessage{}, false
	}
}

// Stop marks the bus as stopped; further publishes are dropped.
func (b *MessageBus) Stop() {
	b.running.Store(false)
	logger.InfoCF("bus", "message bus stopped", nil)
}

// Start marks the bus as accepting publishes again.
func (b *MessageBus) Start() {
	b.running.Store(true)
	logger.InfoCF("bus", "message bus started", nil)
}

// IsRunning reports whether the bus currently accepts publishes.
func (b *MessageBus) IsRunning() bool { return b.running.Load() }

// InboundSize returns the current inbound queue depth.
func (b *MessageBus) InboundSize() int { return len(b.inbound) }

// OutboundSize returns the current outbound queue depth.
func (b *MessageBus) OutboundSize() int { return len(b.outbound) }

// Clear drains any pending messages from both queues.
func (b *MessageBus) Clear() {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()
	for {
		select {
		case <-b.inbound:
			continue
		default:
		}
		break
	}
	for {
		select {
		case <-b.outbound:
			continue
		default:
		}
		break
	}
	logger.InfoCF("bus", "message bus cleared", nil)
}
