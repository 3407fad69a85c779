package feishu

import (
	"encoding/json"
	"testing"
)

func TestExtractText(t *testing.T) {
	text := `{"text":"hello there"}`
	if got := extractText(&text); got != "hello there" {
		t.Errorf("extractText() = %q, want %q", got, "hello there")
	}

	if got := extractText(nil); got != "" {
		t.Errorf("extractText(nil) = %q, want empty", got)
	}

	malformed := "not json"
	if got := extractText(&malformed); got != "" {
		t.Errorf("extractText(malformed) = %q, want empty", got)
	}

	noTextField := `{"other":"value"}`
	if got := extractText(&noTextField); got != "" {
		t.Errorf("extractText(no text field) = %q, want empty", got)
	}
}

func TestCardPayloadShape(t *testing.T) {
	raw := cardPayload("**bold** content")

	var parsed struct {
		Config struct {
			WideScreenMode bool `json:"wide_screen_mode"`
		} `json:"config"`
		Elements []struct {
			Tag     string `json:"tag"`
			Content string `json:"content"`
		} `json:"elements"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		t.Fatalf("cardPayload produced invalid JSON: %v", err)
	}
	if !parsed.Config.WideScreenMode {
		t.Error("expected wide_screen_mode true")
	}
	if len(parsed.Elements) != 1 || parsed.Elements[0].Tag != "markdown" || parsed.Elements[0].Content != "**bold** content" {
		t.Errorf("Elements = %+v", parsed.Elements)
	}
}

func TestSlotForReturnsSameSlotForSameChatDistinctOtherwise(t *testing.T) {
	c := &Channel{cards: make(map[string]*cardSlot)}

	a1 := c.slotFor("chat-1")
	a2 := c.slotFor("chat-1")
	if a1 != a2 {
		t.Error("expected slotFor to return the same *cardSlot for the same chat id")
	}

	b1 := c.slotFor("chat-2")
	if a1 == b1 {
		t.Error("expected slotFor to return distinct slots for distinct chat ids")
	}
}

func TestCardStateMachineTransitions(t *testing.T) {
	slot := &cardSlot{}
	if slot.state != cardIdle {
		t.Fatalf("zero-value cardSlot state = %v, want cardIdle", slot.state)
	}

	slot.state = cardUpdating
	slot.cardID = "om_123"
	if slot.state == cardIdle || slot.cardID == "" {
		t.Fatal("expected slot to look active mid-stream")
	}

	slot.state = cardFailed
	if slot.state != cardFailed {
		t.Fatal("expected latch into cardFailed")
	}

	// Per HandleStreamingChunk's fallback contract, an isFinal chunk while
	// failed resets to idle for the next turn.
	slot.state = cardIdle
	slot.cardID = ""
	if slot.state != cardIdle || slot.cardID != "" {
		t.Errorf("expected reset slot = {cardIdle, \"\"}, got {%v, %q}", slot.state, slot.cardID)
	}
}

func TestNewRejectsMissingCredentials(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected New() to reject empty app_id/app_secret")
	}
	if _, err := New(Config{AppID: "a"}, nil); err == nil {
		t.Error("expected New() to reject missing app_secret")
	}
}

func TestNewConstructsChannel(t *testing.T) {
	c, err := New(Config{AppID: "app-1", AppSecret: "secret-1"}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if c.cards == nil {
		t.Error("expected cards map initialized")
	}
	if c.client == nil {
		t.Error("expected lark client initialized")
	}
}
