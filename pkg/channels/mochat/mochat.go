// Package mochat implements a long-poll HTTP connector (D5) for the
// proprietary Mochat platform. original_source's mochat.py prefers a
// Socket.IO connection and only falls back to HTTP polling when
// python-socketio isn't installed; no Socket.IO client, and no Mochat
// SDK of any kind, appears anywhere in the example pack, so this
// connector goes straight to the documented fallback path: net/http
// long-polling against the same /api/claw/... endpoints (see
// DESIGN.md for the justification).
package mochat

import (
	"bytes"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/channels"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

const (
	maxSeenMessageIDs = 2000
	sessionWatchWait  = 30 * time.Second
	panelPollInterval = 60 * time.Second
)

// Config holds the Mochat API endpoint, credentials, and watch targets.
type Config struct {
	BaseURL   string   `env:"BASE_URL"`
	ClawToken string   `env:"CLAW_TOKEN"`
	Sessions  []string `env:"SESSIONS"`
	Panels    []string `env:"PANELS"`
	AllowFrom []string `env:"ALLOW_FROM"`
}

type target struct {
	id      string
	isPanel bool
}

// resolveTarget mirrors resolve_mochat_target: strip a mochat:/group:/
// channel:/panel: prefix, with group/channel/panel forcing panel routing
// and a bare or session_-prefixed id routing to a session.
func resolveTarget(raw string) target {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return target{}
	}
	lowered := strings.ToLower(trimmed)
	cleaned := trimmed
	forcedPanel := false
	for _, prefix := range []string{"mochat:", "group:", "channel:", "panel:"} {
		if strings.HasPrefix(lowered, prefix) {
			cleaned = strings.TrimSpace(trimmed[len(prefix):])
			forcedPanel = prefix != "mochat:"
			break
		}
	}
	if cleaned == "" {
		return target{}
	}
	return target{id: cleaned, isPanel: forcedPanel || !strings.HasPrefix(cleaned, "session_")}
}

// Channel is the Mochat connector, HTTP-long-poll only.
type Channel struct {
	*channels.BaseChannel
	cfg    Config
	http   *http.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder *list.List

	cursorMu sync.Mutex
	cursor   map[string]int64
}

func init() {
	channels.Register("mochat", func(cfg interface{}, b *bus.MessageBus) (channels.Channel, error) {
		c, ok := cfg.(Config)
		if !ok {
			return nil, fmt.Errorf("mochat: unexpected config type %T", cfg)
		}
		return New(c, b)
	})
}

// New constructs a Mochat connector.
func New(cfg Config, b *bus.MessageBus) (*Channel, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mochat: base_url is required")
	}
	if cfg.ClawToken == "" {
		return nil, fmt.Errorf("mochat: claw_token is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("mochat", b, cfg.AllowFrom),
		cfg:         cfg,
		http:        &http.Client{Timeout: 35 * time.Second},
		seen:        make(map[string]struct{}),
		seenOrder:   list.New(),
		cursor:      make(map[string]int64),
	}, nil
}

// Start spawns one long-poll worker per configured session and one
// fixed-interval poller per configured panel.
func (c *Channel) Start(_ context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	sessions := dedupSorted(c.cfg.Sessions)
	panels := dedupSorted(c.cfg.Panels)

	for _, sid := range sessions {
		c.wg.Add(1)
		go c.sessionWatchWorker(runCtx, sid)
	}
	for _, pid := range panels {
		c.wg.Add(1)
		go c.panelPollWorker(runCtx, pid)
	}

	c.SetRunning(true)
	logger.InfoCF("mochat", "connector started", map[string]interface{}{
		"sessions": len(sessions), "panels": len(panels),
	})
	return nil
}

// Stop cancels all workers and waits for them to exit.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetRunning(false)
	c.wg.Wait()
	return nil
}

func dedupSorted(values []string) []string {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" && v != "*" {
			set[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (c *Channel) sessionWatchWorker(ctx context.Context, sessionID string) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.cursorMu.Lock()
		cursor := c.cursor[sessionID]
		c.cursorMu.Unlock()

		resp, err := c.postJSON(ctx, "/api/claw/sessions/watch", map[string]interface{}{
			"sessionId": sessionID, "cursor": cursor, "timeoutMs": int(sessionWatchWait.Milliseconds()), "limit": 50,
		})
		if err != nil {
			logger.WarnCF("mochat", "session watch failed", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
			sleepOrDone(ctx, 5*time.Second)
			continue
		}
		c.handleWatchPayload(sessionID, resp, "session")
	}
}

func (c *Channel) panelPollWorker(ctx context.Context, panelID string) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resp, err := c.postJSON(ctx, "/api/claw/groups/panels/messages", map[string]interface{}{
			"panelId": panelID, "limit": 50,
		})
		if err != nil {
			logger.WarnCF("mochat", "panel poll failed", map[string]interface{}{"panel_id": panelID, "error": err.Error()})
		} else {
			c.handlePanelMessages(panelID, resp)
		}
		sleepOrDone(ctx, panelPollInterval)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (c *Channel) handleWatchPayload(sessionID string, payload map[string]interface{}, kind string) {
	events, _ := payload["events"].([]interface{})
	if nextCursor, ok := numberField(payload, "cursor"); ok {
		c.cursorMu.Lock()
		c.cursor[sessionID] = int64(nextCursor)
		c.cursorMu.Unlock()
	}
	for _, raw := range events {
		evt, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		c.dispatchEvent(sessionID, evt, kind)
	}
}

func (c *Channel) handlePanelMessages(panelID string, payload map[string]interface{}) {
	msgs, _ := payload["messages"].([]interface{})
	groupID, _ := payload["groupId"].(string)
	for i := len(msgs) - 1; i >= 0; i-- {
		m, ok := msgs[i].(map[string]interface{})
		if !ok {
			continue
		}
		evt := map[string]interface{}{
			"type": "message.add",
			"payload": map[string]interface{}{
				"messageId": stringField(m, "messageId"),
				"author":    stringField(m, "author"),
				"content":   m["content"],
				"meta":      m["meta"],
				"groupId":   groupID,
			},
		}
		c.dispatchEvent(panelID, evt, "panel")
	}
}

func (c *Channel) dispatchEvent(targetID string, evt map[string]interface{}, kind string) {
	payload, _ := evt["payload"].(map[string]interface{})
	if payload == nil {
		return
	}
	messageID := stringField(payload, "messageId")
	if messageID != "" && c.isDuplicate(messageID) {
		return
	}

	content := normalizeContent(payload["content"])
	if content == "" {
		content = "[empty message]"
	}
	author := stringField(payload, "author")
	groupID := stringField(payload, "groupId")

	c.HandleMessage(author, targetID, content, nil, map[string]interface{}{
		"message_id": messageID,
		"is_group":   groupID != "",
		"group_id":   groupID,
		"target_kind": kind,
	})
}

func (c *Channel) isDuplicate(messageID string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if _, ok := c.seen[messageID]; ok {
		return true
	}
	c.seen[messageID] = struct{}{}
	c.seenOrder.PushBack(messageID)
	for c.seenOrder.Len() > maxSeenMessageIDs {
		front := c.seenOrder.Front()
		delete(c.seen, front.Value.(string))
		c.seenOrder.Remove(front)
	}
	return false
}

func normalizeContent(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case nil:
		return ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func numberField(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

// Send routes an outbound message to a session or panel endpoint based
// on the resolved target; Mochat has no edit concept so every call is a
// fresh send, matching every other degraded family connector here.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.IsStreamingEnd() {
		return nil
	}
	content := strings.TrimSpace(msg.Content)
	if len(msg.Media) > 0 {
		parts := append([]string{content}, msg.Media...)
		content = strings.TrimSpace(strings.Join(parts, "\n"))
	}
	if content == "" {
		return nil
	}

	tgt := resolveTarget(msg.ChatID)
	if tgt.id == "" {
		return fmt.Errorf("mochat: empty outbound target")
	}

	if tgt.isPanel {
		groupID, _ := msg.Metadata["group_id"].(string)
		return c.sendPanel(ctx, tgt.id, content, msg.ReplyToID, groupID)
	}
	return c.sendSession(ctx, tgt.id, content, msg.ReplyToID)
}

func (c *Channel) sendSession(ctx context.Context, sessionID, content, replyTo string) error {
	payload := map[string]interface{}{"sessionId": sessionID, "content": content}
	if replyTo != "" {
		payload["replyTo"] = replyTo
	}
	_, err := c.postJSON(ctx, "/api/claw/sessions/send", payload)
	return err
}

func (c *Channel) sendPanel(ctx context.Context, panelID, content, replyTo, groupID string) error {
	payload := map[string]interface{}{"panelId": panelID, "content": content}
	if replyTo != "" {
		payload["replyTo"] = replyTo
	}
	if groupID != "" {
		payload["groupId"] = groupID
	}
	_, err := c.postJSON(ctx, "/api/claw/groups/panels/send", payload)
	return err
}

func (c *Channel) postJSON(ctx context.Context, path string, data map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.ClawToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mochat: %s returned status %d", path, resp.StatusCode)
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
