package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kai648846760/iflow-bot/pkg/agent"
	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/constants"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// ChannelSpec is one enabled channel's name plus its decoded config,
// ready to hand to the registered Constructor.
type ChannelSpec struct {
	Name   string
	Config interface{}
}

// Manager owns every connector's lifecycle: construction from config,
// concurrent start with a readiness grace period, the single outbound
// dispatcher goroutine, and a lookup the Agent Loop uses to reach
// card-edit connectors directly (spec.md §4.5 streaming).
type Manager struct {
	bus      *bus.MessageBus
	mu       sync.RWMutex
	channels map[string]Channel

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates an empty Manager bound to b.
func NewManager(b *bus.MessageBus) *Manager {
	return &Manager{
		bus:      b,
		channels: make(map[string]Channel),
		stop:     make(chan struct{}),
	}
}

// Get returns the running connector for name, if any.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// ConnectorLookup adapts Manager.Get to agent.ConnectorLookup: only
// connectors whose Channel value also implements agent.StreamingConnector
// are returned (the other eight channels don't, and correctly report
// "not found" so the loop falls back to its other streaming families).
func (m *Manager) ConnectorLookup(channel string) (agent.StreamingConnector, bool) {
	ch, ok := m.Get(channel)
	if !ok {
		return nil, false
	}
	sc, ok := ch.(agent.StreamingConnector)
	return sc, ok
}

// StartAll builds and starts every spec in specs concurrently, grounded
// on original_source/channels/manager.py's start_all: spawn a start
// goroutine per channel, wait ConnectorStartupGrace, then drop any
// channel whose start goroutine already finished with an error.
func (m *Manager) StartAll(ctx context.Context, specs []ChannelSpec) {
	type attempt struct {
		name string
		ch   Channel
		done chan error
	}
	var attempts []attempt

	for _, spec := range specs {
		ctor, ok := Get(spec.Name)
		if !ok {
			logger.WarnCF("channels", "channel not registered", map[string]interface{}{"channel": spec.Name})
			continue
		}
		ch, err := ctor(spec.Config, m.bus)
		if err != nil {
			logger.ErrorCF("channels", "failed to construct channel", map[string]interface{}{
				"channel": spec.Name, "error": err.Error(),
			})
			continue
		}

		done := make(chan error, 1)
		m.mu.Lock()
		m.channels[spec.Name] = ch
		m.mu.Unlock()

		a := attempt{name: spec.Name, ch: ch, done: done}
		attempts = append(attempts, a)

		go func(a attempt) {
			a.done <- a.ch.Start(ctx)
		}(a)

		logger.InfoCF("channels", "channel start task created", map[string]interface{}{"channel": spec.Name})
	}

	time.Sleep(constants.ConnectorStartupGrace)

	for _, a := range attempts {
		select {
		case err := <-a.done:
			if err != nil {
				logger.ErrorCF("channels", "channel failed to start", map[string]interface{}{
					"channel": a.name, "error": err.Error(),
				})
				m.mu.Lock()
				delete(m.channels, a.name)
				m.mu.Unlock()
			}
		default:
			// still starting; leave it registered, it'll surface failures on its own
		}
	}

	m.wg.Add(1)
	go m.listenOutbound()
}

// StopAll stops the outbound dispatcher then every running connector.
func (m *Manager) StopAll(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "error stopping channel", map[string]interface{}{
				"channel": name, "error": err.Error(),
			})
			continue
		}
		logger.InfoCF("channels", "channel stopped", map[string]interface{}{"channel": name})
	}
	m.channels = make(map[string]Channel)
}

// SendTo routes msg to the named channel's connector directly, for
// callers (CLI, tests) that don't want to go through the bus.
func (m *Manager) SendTo(ctx context.Context, channel string, msg bus.OutboundMessage) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("channel %q not found", channel)
	}
	if !ch.IsRunning() {
		return fmt.Errorf("channel %q is not running", channel)
	}
	return ch.Send(ctx, msg)
}

// listenOutbound is the single dispatcher goroutine draining
// Bus.outbound and routing each message by its Channel field, with a
// bounded retry for transient send failures.
func (m *Manager) listenOutbound() {
	defer m.wg.Done()
	logger.DebugCF("channels", "outbound dispatcher started", nil)

	for {
		msg, ok := m.bus.ConsumeOutbound(m.stop)
		if !ok {
			logger.DebugCF("channels", "outbound dispatcher stopped", nil)
			return
		}

		ch, ok := m.Get(msg.Channel)
		if !ok {
			logger.WarnCF("channels", "outbound message for unknown channel", map[string]interface{}{"channel": msg.Channel})
			continue
		}
		if !ch.IsRunning() {
			logger.WarnCF("channels", "channel not running, dropping outbound message", map[string]interface{}{"channel": msg.Channel})
			continue
		}

		m.sendWithRetry(ch, msg)
	}
}

func (m *Manager) sendWithRetry(ch Channel, msg bus.OutboundMessage) {
	delay := constants.ConnectorSendBaseDelay
	var err error
	for attempt := 0; attempt < constants.ConnectorSendMaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = ch.Send(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		logger.WarnCF("channels", "outbound send failed, retrying", map[string]interface{}{
			"channel": msg.Channel, "chat_id": msg.ChatID, "attempt": attempt + 1, "error": err.Error(),
		})
		time.Sleep(delay)
		delay *= 2
	}
	logger.ErrorCF("channels", "outbound send failed permanently", map[string]interface{}{
		"channel": msg.Channel, "chat_id": msg.ChatID, "error": err.Error(),
	})
}
