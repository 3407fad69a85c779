package bus

import (
	"testing"
)

type fakeRecorder struct {
	inbound  []InboundMessage
	outbound []OutboundMessage
}

func (r *fakeRecorder) RecordInbound(msg InboundMessage)   { r.inbound = append(r.inbound, msg) }
func (r *fakeRecorder) RecordOutbound(msg OutboundMessage) { r.outbound = append(r.outbound, msg) }

func TestPublishConsumeInbound(t *testing.T) {
	rec := &fakeRecorder{}
	b := New(4, rec)

	b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"})
	msg, ok := b.ConsumeInbound(nil)
	if !ok {
		t.Fatal("ConsumeInbound returned ok=false")
	}
	if msg.Content != "hi" {
		t.Errorf("Content = %q, want %q", msg.Content, "hi")
	}
	if len(rec.inbound) != 1 {
		t.Errorf("recorder saw %d inbound messages, want 1", len(rec.inbound))
	}
}

func TestPublishConsumeOutbound(t *testing.T) {
	rec := &fakeRecorder{}
	b := New(4, rec)

	b.PublishOutbound(OutboundMessage{Channel: "discord", ChatID: "2", Content: "reply"})
	msg, ok := b.ConsumeOutbound(nil)
	if !ok {
		t.Fatal("ConsumeOutbound returned ok=false")
	}
	if msg.Content != "reply" {
		t.Errorf("Content = %q, want %q", msg.Content, "reply")
	}
	if len(rec.outbound) != 1 {
		t.Errorf("recorder saw %d outbound messages, want 1", len(rec.outbound))
	}
}

func TestPublishInboundNeverBlocksWhenFull(t *testing.T) {
	b := New(2, nil)
	for i := 0; i < 10; i++ {
		b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "1", Content: "x"})
	}
	if got := b.InboundSize(); got != 2 {
		t.Errorf("InboundSize() = %d, want 2 (capacity), excess should be dropped not blocked", got)
	}
}

func TestPublishOutboundNeverBlocksWhenFull(t *testing.T) {
	b := New(2, nil)
	for i := 0; i < 10; i++ {
		b.PublishOutbound(OutboundMessage{Channel: "telegram", ChatID: "1", Content: "x"})
	}
	if got := b.OutboundSize(); got != 2 {
		t.Errorf("OutboundSize() = %d, want 2 (capacity), excess should be dropped not blocked", got)
	}
}

func TestStopDropsPublishes(t *testing.T) {
	b := New(4, nil)
	b.Stop()
	if b.IsRunning() {
		t.Fatal("IsRunning() true after Stop")
	}
	b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "1", Content: "x"})
	if b.InboundSize() != 0 {
		t.Errorf("expected publish after Stop to be dropped, InboundSize() = %d", b.InboundSize())
	}

	b.Start()
	if !b.IsRunning() {
		t.Fatal("IsRunning() false after Start")
	}
	b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "1", Content: "x"})
	if b.InboundSize() != 1 {
		t.Errorf("expected publish after Start to succeed, InboundSize() = %d", b.InboundSize())
	}
}

func TestClearDrainsBothQueues(t *testing.T) {
	b := New(4, nil)
	b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "1", Content: "x"})
	b.PublishOutbound(OutboundMessage{Channel: "telegram", ChatID: "1", Content: "x"})

	b.Clear()

	if b.InboundSize() != 0 || b.OutboundSize() != 0 {
		t.Errorf("expected both queues empty after Clear, got inbound=%d outbound=%d", b.InboundSize(), b.OutboundSize())
	}
}

func TestDefaultCapacityAppliedWhenNonPositive(t *testing.T) {
	b := New(0, nil)
	for i := 0; i < 150; i++ {
		b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "1", Content: "x"})
	}
	if b.InboundSize() != 100 {
		t.Errorf("InboundSize() = %d, want DefaultBusCapacity (100)", b.InboundSize())
	}
}

func TestOutboundMessageFlags(t *testing.T) {
	plain := OutboundMessage{}
	if plain.IsStreaming() || plain.IsStreamingEnd() || plain.IsProgress() {
		t.Error("message with nil metadata should report all flags false")
	}

	streaming := OutboundMessage{Metadata: map[string]interface{}{"_streaming": true}}
	if !streaming.IsStreaming() {
		t.Error("expected IsStreaming() true")
	}
	if streaming.IsStreamingEnd() || streaming.IsProgress() {
		t.Error("unset flags should stay false")
	}

	end := OutboundMessage{Metadata: map[string]interface{}{"_streaming_end": true}}
	if !end.IsStreamingEnd() {
		t.Error("expected IsStreamingEnd() true")
	}

	progress := OutboundMessage{Metadata: map[string]interface{}{"_progress": true}}
	if !progress.IsProgress() {
		t.Error("expected IsProgress() true")
	}
}

func TestKey(t *testing.T) {
	if got := Key("telegram", "123"); got != "telegram:123" {
		t.Errorf("Key() = %q, want %q", got, "telegram:123")
	}
}
