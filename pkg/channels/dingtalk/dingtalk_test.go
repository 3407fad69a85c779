package dingtalk

import (
	"context"
	"testing"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"

	"github.com/kai648846760/iflow-bot/pkg/bus"
)

func TestNewRejectsMissingCredentials(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected New() to reject empty client_id/client_secret")
	}
	if _, err := New(Config{ClientID: "id"}, nil); err == nil {
		t.Error("expected New() to reject missing client_secret")
	}
}

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	c, err := New(Config{ClientID: "id", ClientSecret: "secret"}, bus.New(8, nil))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func TestOnMessageIgnoresNilOrEmpty(t *testing.T) {
	c := newTestChannel(t)

	resp, err := c.onMessage(context.Background(), nil)
	if err != nil || string(resp) != "" {
		t.Errorf("onMessage(nil) = (%q, %v), want (\"\", nil)", resp, err)
	}

	empty := &chatbot.BotCallbackDataModel{}
	resp, err = c.onMessage(context.Background(), empty)
	if err != nil || string(resp) != "" {
		t.Errorf("onMessage(empty text) = (%q, %v), want (\"\", nil)", resp, err)
	}
	if _, ok := c.sessionWebhooks.Load(""); ok {
		t.Error("expected no webhook cached for a message with empty content")
	}
}

func TestOnMessageCachesSessionWebhook(t *testing.T) {
	c := newTestChannel(t)

	data := &chatbot.BotCallbackDataModel{
		ConversationId: "conv-1",
		SessionWebhook: "https://example.invalid/webhook",
		SenderStaffId:  "staff-1",
	}
	data.Text.Content = "hello"

	if _, err := c.onMessage(context.Background(), data); err != nil {
		t.Fatalf("onMessage() error: %v", err)
	}
	v, ok := c.sessionWebhooks.Load("conv-1")
	if !ok || v.(string) != "https://example.invalid/webhook" {
		t.Errorf("sessionWebhooks[conv-1] = (%v, %v)", v, ok)
	}
}

func TestSendNotRunning(t *testing.T) {
	c := newTestChannel(t)
	if err := c.Send(context.Background(), bus.OutboundMessage{ChatID: "conv-1", Content: "hi"}); err == nil {
		t.Error("expected Send() to fail when connector isn't running")
	}
}

func TestSendSkipsEmptyContentAndStreamingEnd(t *testing.T) {
	c := newTestChannel(t)
	c.SetRunning(true)

	if err := c.Send(context.Background(), bus.OutboundMessage{ChatID: "conv-1", Content: ""}); err != nil {
		t.Errorf("Send() with empty content = %v, want nil", err)
	}
	if err := c.Send(context.Background(), bus.OutboundMessage{
		ChatID: "conv-1", Content: "",
		Metadata: map[string]interface{}{"_streaming_end": true},
	}); err != nil {
		t.Errorf("Send() with streaming-end = %v, want nil", err)
	}
}

func TestSendWithoutCachedWebhookErrors(t *testing.T) {
	c := newTestChannel(t)
	c.SetRunning(true)

	if err := c.Send(context.Background(), bus.OutboundMessage{ChatID: "no-such-conv", Content: "hi"}); err == nil {
		t.Error("expected Send() to fail when no session webhook is cached for the chat")
	}
}
