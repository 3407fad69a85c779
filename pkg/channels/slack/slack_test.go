package slack

import (
	"testing"

	"github.com/slack-go/slack/slackevents"
)

func TestNewRejectsMissingTokens(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected New() to reject empty bot_token/app_token")
	}
	if _, err := New(Config{BotToken: "xoxb-1"}, nil); err == nil {
		t.Error("expected New() to reject missing app_token")
	}
	if _, err := New(Config{AppToken: "xapp-1"}, nil); err == nil {
		t.Error("expected New() to reject missing bot_token")
	}
}

func TestNewConstructsChannel(t *testing.T) {
	c, err := New(Config{BotToken: "xoxb-1", AppToken: "xapp-1"}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if c.api == nil || c.sock == nil {
		t.Error("expected api and sock clients initialized")
	}
}

func TestHandleEventsAPIIgnoresNonCallbackEvent(t *testing.T) {
	c, err := New(Config{BotToken: "xoxb-1", AppToken: "xapp-1"}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	c.botID = "U_BOT"

	// A non-CallbackEvent type must short-circuit before touching
	// InnerEvent.Data (and before ever reaching HandleMessage on a nil bus).
	c.handleEventsAPI(slackevents.EventsAPIEvent{})
}
