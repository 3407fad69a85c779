package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestExtractSessionID(t *testing.T) {
	cases := []struct {
		name   string
		stdout string
		want   string
		ok     bool
	}{
		{"colon form", "starting up\nsession_id: abc123XYZ\ndone", "abc123XYZ", true},
		{"equals form", "session-id=my_session-1", "my_session-1", true},
		{"quoted", `session_id: "quoted-id-1"`, "quoted-id-1", true},
		{"no match", "nothing relevant here", "", false},
		{"too short", "session_id: ab", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := ExtractSessionID(c.stdout)
			if ok != c.ok || got != c.want {
				t.Errorf("ExtractSessionID(%q) = (%q, %v), want (%q, %v)", c.stdout, got, ok, c.want, c.ok)
			}
		})
	}
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]StopReason{
		"end_turn":  StopEndTurn,
		"":          StopEndTurn,
		"max_tokens": StopMaxTokens,
		"refusal":   StopRefusal,
		"cancelled": StopCancelled,
		"canceled":  StopCancelled,
		"something_else": StopError,
	}
	for in, want := range cases {
		if got := mapStopReason(in); got != want {
			t.Errorf("mapStopReason(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPendingFuturesResolve(t *testing.T) {
	pf := newPendingFutures()
	id := pf.newID()
	ch := pf.register(id)

	pf.resolve(rpcMessage{ID: &id, Result: json.RawMessage(`{"content":"hi"}`)})

	select {
	case msg := <-ch:
		var pr promptResult
		if err := json.Unmarshal(msg.Result, &pr); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if pr.Content != "hi" {
			t.Errorf("Content = %q, want hi", pr.Content)
		}
	default:
		t.Fatal("expected resolve to deliver to the registered channel")
	}
}

func TestPendingFuturesResolveUnknownIDIsNoop(t *testing.T) {
	pf := newPendingFutures()
	unknown := uint64(999)
	pf.resolve(rpcMessage{ID: &unknown})
}

func TestPendingFuturesAbandonDropsLateReply(t *testing.T) {
	pf := newPendingFutures()
	id := pf.newID()
	pf.register(id)
	pf.abandon(id)

	pf.resolve(rpcMessage{ID: &id})
}

func TestPendingFuturesFailAll(t *testing.T) {
	pf := newPendingFutures()
	id1 := pf.newID()
	id2 := pf.newID()
	ch1 := pf.register(id1)
	ch2 := pf.register(id2)

	pf.failAll("connection lost")

	for _, ch := range []chan rpcMessage{ch1, ch2} {
		select {
		case msg := <-ch:
			if msg.Error == nil || msg.Error.Message != "connection lost" {
				t.Errorf("expected synthetic error, got %+v", msg)
			}
		default:
			t.Fatal("expected failAll to deliver to every pending waiter")
		}
	}
}

func TestNotifQueuePushPop(t *testing.T) {
	q := newNotifQueue()

	if _, ok := q.pop(); ok {
		t.Fatal("expected empty queue on a fresh notifQueue")
	}

	q.push(rpcMessage{Method: "session/update"})
	select {
	case <-q.notify:
	default:
		t.Fatal("expected push to signal notify")
	}

	msg, ok := q.pop()
	if !ok || msg.Method != "session/update" {
		t.Errorf("pop() = (%+v, %v)", msg, ok)
	}
	if _, ok := q.pop(); ok {
		t.Fatal("expected queue to be drained after one pop")
	}
}

func TestFinalizeResultWithError(t *testing.T) {
	msg := rpcMessage{Error: &rpcError{Code: -32000, Message: "boom"}}
	r := finalizeResult(msg, "partial content", "partial thought")
	if r.StopReason != StopError {
		t.Errorf("StopReason = %v, want StopError", r.StopReason)
	}
	if r.Content != "partial content" || r.Thought != "partial thought" {
		t.Errorf("expected accumulated content/thought preserved on error, got %+v", r)
	}
	if r.Error != "-32000: boom" {
		t.Errorf("Error = %q", r.Error)
	}
}

func TestFinalizeResultPrefersResultPayload(t *testing.T) {
	msg := rpcMessage{Result: json.RawMessage(`{"stopReason":"end_turn","content":"final","thought":"final thought"}`)}
	r := finalizeResult(msg, "accumulated", "accumulated thought")
	if r.Content != "final" || r.Thought != "final thought" {
		t.Errorf("expected result payload to override accumulated chunks, got %+v", r)
	}
	if r.StopReason != StopEndTurn {
		t.Errorf("StopReason = %v, want StopEndTurn", r.StopReason)
	}
}

func TestFinalizeResultFallsBackToAccumulated(t *testing.T) {
	msg := rpcMessage{Result: json.RawMessage(`{"stopReason":"max_tokens"}`)}
	r := finalizeResult(msg, "accumulated via chunks", "")
	if r.Content != "accumulated via chunks" {
		t.Errorf("expected accumulated content kept when result.content is empty, got %q", r.Content)
	}
	if r.StopReason != StopMaxTokens {
		t.Errorf("StopReason = %v, want StopMaxTokens", r.StopReason)
	}
}

func TestDecodeFrame(t *testing.T) {
	msg, ok := decodeFrame([]byte(`  {"jsonrpc":"2.0","method":"session/update"}`))
	if !ok || msg.Method != "session/update" {
		t.Errorf("decodeFrame(json) = (%+v, %v)", msg, ok)
	}

	if _, ok := decodeFrame([]byte("plain diagnostic text, not json")); ok {
		t.Error("expected non-JSON-object frame to be rejected")
	}

	if _, ok := decodeFrame([]byte("not json at all {")); ok {
		t.Error("expected frame not starting with '{' to be rejected")
	}
}

func TestInvalidRequestClass(t *testing.T) {
	if invalidRequestClass(rpcMessage{}) {
		t.Error("expected false with no error")
	}
	if !invalidRequestClass(rpcMessage{Error: &rpcError{Message: "Invalid Request: unknown session"}}) {
		t.Error("expected case-insensitive match on 'Invalid request'")
	}
	if invalidRequestClass(rpcMessage{Error: &rpcError{Message: "internal server error"}}) {
		t.Error("expected false for unrelated error message")
	}
}

func TestContainsFold(t *testing.T) {
	if !containsFold("Hello World", "WORLD") {
		t.Error("expected case-insensitive substring match")
	}
	if containsFold("short", "way too long needle") {
		t.Error("expected false when needle longer than haystack")
	}
	if !containsFold("anything", "") {
		t.Error("expected empty needle to match trivially")
	}
}

func TestRPCConnCallRoundTrip(t *testing.T) {
	var sent rpcRequest
	var conn *rpcConn
	conn = newRPCConn(func(v interface{}) error {
		sent = v.(rpcRequest)
		go conn.handleIncoming(rpcMessage{ID: &sent.ID, Result: json.RawMessage(`{"content":"ok"}`)})
		return nil
	})

	msg, err := conn.call(context.Background(), "initialize", map[string]int{"protocolVersion": 1})
	if err != nil {
		t.Fatalf("call() error: %v", err)
	}
	if sent.Method != "initialize" {
		t.Errorf("sent method = %q", sent.Method)
	}
	var pr promptResult
	json.Unmarshal(msg.Result, &pr)
	if pr.Content != "ok" {
		t.Errorf("Content = %q, want ok", pr.Content)
	}
}

func TestRPCConnCallDrainsUnrelatedNotificationFirst(t *testing.T) {
	var conn *rpcConn
	conn = newRPCConn(func(v interface{}) error {
		req := v.(rpcRequest)
		conn.handleIncoming(rpcMessage{Method: "session/update", Params: json.RawMessage(`{}`)})
		go func() {
			id := req.ID
			conn.handleIncoming(rpcMessage{ID: &id, Result: json.RawMessage(`{"content":"done"}`)})
		}()
		return nil
	})

	msg, err := conn.call(context.Background(), "session/prompt", nil)
	if err != nil {
		t.Fatalf("call() error: %v", err)
	}
	var pr promptResult
	json.Unmarshal(msg.Result, &pr)
	if pr.Content != "done" {
		t.Errorf("Content = %q, want done", pr.Content)
	}
}

func TestRPCConnCallContextCancellation(t *testing.T) {
	conn := newRPCConn(func(v interface{}) error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := conn.call(ctx, "never_replied", nil)
	if err == nil {
		t.Fatal("expected context deadline error when no response arrives")
	}
}

func TestRPCConnPromptInterleavesChunksThenResolves(t *testing.T) {
	var conn *rpcConn
	var chunks []string
	var toolCalls []ToolCall

	conn = newRPCConn(func(v interface{}) error {
		req := v.(rpcRequest)
		update := func(env map[string]interface{}) {
			envBytes, _ := json.Marshal(env)
			params, _ := json.Marshal(sessionUpdateParams{SessionID: "sess-1", Update: envBytes})
			conn.handleIncoming(rpcMessage{Method: "session/update", Params: params})
		}
		update(map[string]interface{}{"sessionUpdate": "agent_message_chunk", "content": map[string]string{"text": "Hello, "}})
		update(map[string]interface{}{"sessionUpdate": "agent_message_chunk", "content": map[string]string{"text": "world"}})
		update(map[string]interface{}{"sessionUpdate": "tool_call", "id": "t1", "name": "search"})

		go func() {
			id := req.ID
			conn.handleIncoming(rpcMessage{ID: &id, Result: json.RawMessage(`{"stopReason":"end_turn"}`)})
		}()
		return nil
	})

	result, err := conn.prompt(context.Background(), "sess-1", "hi", func(text string, isThought bool) {
		chunks = append(chunks, text)
	}, func(tc ToolCall) {
		toolCalls = append(toolCalls, tc)
	})
	if err != nil {
		t.Fatalf("prompt() error: %v", err)
	}
	if result.Content != "Hello, world" {
		t.Errorf("Content = %q, want %q", result.Content, "Hello, world")
	}
	if len(chunks) != 2 {
		t.Errorf("chunks = %v, want 2 deliveries", chunks)
	}
	if len(toolCalls) != 1 || toolCalls[0].Name != "search" {
		t.Errorf("toolCalls = %+v", toolCalls)
	}
	if result.StopReason != StopEndTurn {
		t.Errorf("StopReason = %v", result.StopReason)
	}
}

func TestRPCConnPromptIgnoresUpdateForOtherSession(t *testing.T) {
	var conn *rpcConn
	var chunks []string

	conn = newRPCConn(func(v interface{}) error {
		req := v.(rpcRequest)
		envBytes, _ := json.Marshal(map[string]interface{}{"sessionUpdate": "agent_message_chunk", "content": map[string]string{"text": "wrong session"}})
		params, _ := json.Marshal(sessionUpdateParams{SessionID: "other-session", Update: envBytes})
		conn.handleIncoming(rpcMessage{Method: "session/update", Params: params})

		go func() {
			id := req.ID
			conn.handleIncoming(rpcMessage{ID: &id, Result: json.RawMessage(`{}`)})
		}()
		return nil
	})

	result, err := conn.prompt(context.Background(), "sess-mine", "hi", func(text string, isThought bool) {
		chunks = append(chunks, text)
	}, nil)
	if err != nil {
		t.Fatalf("prompt() error: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected update for a different sessionId to be ignored, got %v", chunks)
	}
	if result.Content != "" {
		t.Errorf("Content = %q, want empty", result.Content)
	}
}

func TestRPCConnNotify(t *testing.T) {
	var sent rpcRequest
	conn := newRPCConn(func(v interface{}) error {
		sent = v.(rpcRequest)
		return nil
	})
	if err := conn.notify("session/cancel", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("notify() error: %v", err)
	}
	if sent.Method != "session/cancel" || sent.ID != 0 {
		t.Errorf("sent = %+v, want fire-and-forget session/cancel with no id", sent)
	}
}

func TestInitializeAndSessionNewParams(t *testing.T) {
	p := initializeParams()
	if p["protocolVersion"] != 1 {
		t.Errorf("initializeParams() = %+v", p)
	}

	sp := sessionNewParams("/workspace", "auto", nil)
	if sp["cwd"] != "/workspace" || sp["approvalMode"] != "auto" {
		t.Errorf("sessionNewParams() = %+v", sp)
	}
	servers, ok := sp["mcpServers"].([]interface{})
	if !ok || servers == nil {
		t.Errorf("expected mcpServers to default to an empty non-nil slice, got %+v", sp["mcpServers"])
	}
}
