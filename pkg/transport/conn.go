package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// notifQueue is the unbounded notification queue described in spec.md
// §4.3.2: messages without an `id` land here instead of resolving a
// pending future. Unbounded so the receive loop never blocks on a slow
// prompt-side consumer; "notify" just wakes anyone waiting to drain it.
type notifQueue struct {
	items  []rpcMessage
	mu     chan struct{} // 1-buffered, used as a cheap mutex
	notify chan struct{}
}

func newNotifQueue() *notifQueue {
	q := &notifQueue{mu: make(chan struct{}, 1), notify: make(chan struct{}, 1)}
	q.mu <- struct{}{}
	return q
}

func (q *notifQueue) push(m rpcMessage) {
	<-q.mu
	q.items = append(q.items, m)
	q.mu <- struct{}{}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *notifQueue) pop() (rpcMessage, bool) {
	<-q.mu
	defer func() { q.mu <- struct{}{} }()
	if len(q.items) == 0 {
		return rpcMessage{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

// sendFunc is supplied by each concrete transport: marshal and write one
// JSON-RPC object to the wire (stdin pipe, WS text frame, ...).
type sendFunc func(v interface{}) error

// rpcConn implements the shared request/response correlation and
// session/update interleaving used by both the stdio and WebSocket
// transports. Each embeds one, wiring `send` to its own framing.
type rpcConn struct {
	futures *pendingFutures
	notifs  *notifQueue
	send    sendFunc
}

func newRPCConn(send sendFunc) *rpcConn {
	return &rpcConn{futures: newPendingFutures(), notifs: newNotifQueue(), send: send}
}

// handleIncoming is fed every decoded message by the transport's own
// receive loop. Responses resolve a pending future; everything else is
// queued as a notification.
func (c *rpcConn) handleIncoming(msg rpcMessage) {
	if msg.IsResponse() {
		c.futures.resolve(msg)
		return
	}
	c.notifs.push(msg)
}

// call sends a request and blocks for its correlated response or ctx
// expiring. Notifications arriving meanwhile (e.g. a stray
// session/update before an initialize response) are drained and
// discarded, so none is left queued for a later prompt.
func (c *rpcConn) call(ctx context.Context, method string, params interface{}) (rpcMessage, error) {
	id := c.futures.newID()
	respCh := c.futures.register(id)
	if err := c.send(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.futures.abandon(id)
		return rpcMessage{}, err
	}
	for {
		select {
		case msg := <-respCh:
			return msg, nil
		case <-c.notifs.notify:
			for {
				if _, ok := c.notifs.pop(); !ok {
					break
				}
			}
		case <-ctx.Done():
			c.futures.abandon(id)
			return rpcMessage{}, ctx.Err()
		}
	}
}

// notify sends a fire-and-forget JSON-RPC notification (no id).
func (c *rpcConn) notify(method string, params interface{}) error {
	return c.send(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// prompt implements the session/prompt interleaving loop: send the
// request, then repeatedly dispatch queued session/update notifications
// to onChunk/onToolCall until the correlated response arrives.
func (c *rpcConn) prompt(ctx context.Context, sessionID, text string, onChunk ChunkFunc, onToolCall ToolCallFunc) (FinalResult, error) {
	id := c.futures.newID()
	respCh := c.futures.register(id)

	params := map[string]interface{}{
		"sessionId": sessionID,
		"prompt":    []map[string]string{{"type": "text", "text": text}},
	}
	if err := c.send(rpcRequest{JSONRPC: "2.0", ID: id, Method: "session/prompt", Params: params}); err != nil {
		c.futures.abandon(id)
		return FinalResult{StopReason: StopError, Error: err.Error()}, err
	}

	accumulatedContent := ""
	accumulatedThought := ""

	for {
		for {
			n, ok := c.notifs.pop()
			if !ok {
				break
			}
			c.dispatchNotification(n, sessionID, &accumulatedContent, &accumulatedThought, onChunk, onToolCall)
		}

		select {
		case msg := <-respCh:
			return finalizeResult(msg, accumulatedContent, accumulatedThought), nil
		case <-c.notifs.notify:
			continue
		case <-ctx.Done():
			c.futures.abandon(id)
			c.notify("session/cancel", map[string]string{"sessionId": sessionID})
			return FinalResult{StopReason: StopCancelled, Error: "prompt timed out"}, ctx.Err()
		}
	}
}

func (c *rpcConn) dispatchNotification(n rpcMessage, sessionID string, content, thought *string, onChunk ChunkFunc, onToolCall ToolCallFunc) {
	if n.Method != "session/update" {
		logger.DebugCF("transport", "ignoring unrecognized notification", map[string]interface{}{"method": n.Method})
		return
	}
	var up sessionUpdateParams
	if err := json.Unmarshal(n.Params, &up); err != nil {
		return
	}
	if up.SessionID != "" && up.SessionID != sessionID {
		return
	}
	var env sessionUpdateEnvelope
	if err := json.Unmarshal(up.Update, &env); err != nil {
		return
	}

	switch env.SessionUpdate {
	case "agent_message_chunk":
		var ct contentText
		json.Unmarshal(env.Content, &ct)
		*content += ct.Text
		if onChunk != nil {
			onChunk(ct.Text, false)
		}
	case "agent_thought_chunk":
		var ct contentText
		json.Unmarshal(env.Content, &ct)
		*thought += ct.Text
		if onChunk != nil {
			onChunk(ct.Text, true)
		}
	case "tool_call":
		tc := ToolCall{ID: env.ID, Name: env.Name, Status: "pending", Args: env.Args}
		if onToolCall != nil {
			onToolCall(tc)
		}
	case "tool_call_update":
		tc := ToolCall{ID: env.ID, Status: env.Status}
		var ct contentText
		if len(env.Content) > 0 {
			json.Unmarshal(env.Content, &ct)
			tc.Content = ct.Text
		}
		if onToolCall != nil {
			onToolCall(tc)
		}
	default:
		logger.DebugCF("transport", "unrecognized session/update kind", map[string]interface{}{"kind": env.SessionUpdate})
	}
}

func finalizeResult(msg rpcMessage, content, thought string) FinalResult {
	if msg.Error != nil {
		return FinalResult{StopReason: StopError, Error: fmtRPCError(msg.Error), Content: content, Thought: thought}
	}
	var pr promptResult
	json.Unmarshal(msg.Result, &pr)
	if pr.Content != "" {
		content = pr.Content
	}
	if pr.Thought != "" {
		thought = pr.Thought
	}
	return FinalResult{
		Content:    content,
		Thought:    thought,
		StopReason: mapStopReason(pr.StopReason),
	}
}

// decodeFrame parses one line/frame of wire data into an rpcMessage. A
// frame not shaped like a JSON object (doesn't start with '{') is not an
// RPC message at all — per spec.md §4.3.1 such lines are log-routed, not
// parsed, since child processes often emit plain diagnostic text on the
// same stream.
func decodeFrame(raw []byte) (rpcMessage, bool) {
	trimmed := raw
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return rpcMessage{}, false
	}
	var msg rpcMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return rpcMessage{}, false
	}
	return msg, true
}

func initializeParams() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": 1,
		"clientCapabilities": map[string]interface{}{
			"fs": map[string]bool{"readTextFile": true, "writeTextFile": true},
		},
	}
}

func sessionNewParams(cwd, approvalMode string, mcpServers []interface{}) map[string]interface{} {
	if mcpServers == nil {
		mcpServers = []interface{}{}
	}
	return map[string]interface{}{
		"cwd":          cwd,
		"approvalMode": approvalMode,
		"mcpServers":   mcpServers,
	}
}

func invalidRequestClass(msg rpcMessage) bool {
	if msg.Error == nil {
		return false
	}
	return containsFold(msg.Error.Message, "Invalid request")
}

func containsFold(haystack, needle string) bool {
	hl, nl := []rune(haystack), []rune(needle)
	if len(nl) == 0 || len(nl) > len(hl) {
		return len(nl) == 0
	}
	lower := func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}
	for i := 0; i+len(nl) <= len(hl); i++ {
		match := true
		for j, r := range nl {
			if lower(hl[i+j]) != lower(r) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

var errNotImplemented = fmt.Errorf("not implemented by this transport")
