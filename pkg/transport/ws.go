package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// WSTransport speaks JSON-RPC 2.0 to iflow over a WebSocket connection,
// one JSON object per text frame.
type WSTransport struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	rpc       *rpcConn
	connected bool
}

// NewWS constructs a WebSocket transport targeting url.
func NewWS(url string) *WSTransport {
	return &WSTransport{url: url}
}

func (t *WSTransport) Start(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("ws transport: dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	t.rpc = newRPCConn(func(v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	})

	go t.receiveLoop(conn)

	logger.InfoCF("transport", "websocket transport connected", map[string]interface{}{"url": t.url})
	return nil
}

func (t *WSTransport) receiveLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.markDisconnected(err.Error())
			return
		}
		msg, ok := decodeFrame(data)
		if !ok {
			logger.DebugCF("transport", "non-rpc ws frame", map[string]interface{}{"frame": string(data)})
			continue
		}
		t.rpc.handleIncoming(msg)
	}
}

func (t *WSTransport) markDisconnected(reason string) {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	rpc := t.rpc
	t.mu.Unlock()

	if !wasConnected {
		return
	}
	logger.WarnCF("transport", "websocket transport disconnected", map[string]interface{}{"reason": reason})
	if rpc != nil {
		rpc.futures.failAll("connection lost: " + reason)
	}
}

func (t *WSTransport) Initialize(ctx context.Context) (AgentCapabilities, error) {
	msg, err := t.rpc.call(ctx, "initialize", initializeParams())
	if err != nil {
		return AgentCapabilities{}, err
	}
	if msg.Error != nil {
		return AgentCapabilities{}, fmt.Errorf("initialize: %s", fmtRPCError(msg.Error))
	}
	return AgentCapabilities{ProtocolVersion: 1, Raw: msg.Result}, nil
}

func (t *WSTransport) Authenticate(ctx context.Context, methodID string) (bool, error) {
	if methodID == "" {
		return true, nil
	}
	msg, err := t.rpc.call(ctx, "authenticate", map[string]string{"methodId": methodID})
	if err != nil {
		return false, err
	}
	return msg.Error == nil, nil
}

func (t *WSTransport) CreateSession(ctx context.Context, cwd, model, approvalMode string) (string, error) {
	msg, err := t.rpc.call(ctx, "session/new", sessionNewParams(cwd, approvalMode, nil))
	if err != nil {
		return "", err
	}
	if msg.Error != nil {
		return "", fmt.Errorf("session/new: %s", fmtRPCError(msg.Error))
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return "", fmt.Errorf("session/new: malformed result: %w", err)
	}
	if model != "" {
		if err := t.setModel(ctx, result.SessionID, model); err != nil {
			logger.WarnCF("transport", "failed to set model on new session", map[string]interface{}{
				"session_id": result.SessionID, "model": model, "error": err.Error(),
			})
		}
	}
	return result.SessionID, nil
}

func (t *WSTransport) setModel(ctx context.Context, sessionID, model string) error {
	msg, err := t.rpc.call(ctx, "session/set_model", map[string]string{"sessionId": sessionID, "model": model})
	if err == nil && msg.Error == nil {
		return nil
	}
	msg2, err2 := t.rpc.call(ctx, "session/set_config_option", map[string]string{
		"sessionId": sessionID, "configId": "model", "value": model,
	})
	if err2 != nil {
		return err2
	}
	if msg2.Error != nil {
		return fmt.Errorf("session/set_config_option: %s", fmtRPCError(msg2.Error))
	}
	return nil
}

func (t *WSTransport) LoadSession(ctx context.Context, sessionID, cwd string) (bool, error) {
	msg, err := t.rpc.call(ctx, "session/load", map[string]string{"sessionId": sessionID, "cwd": cwd})
	if err != nil {
		return false, err
	}
	if msg.Error != nil {
		if invalidRequestClass(msg) {
			return false, nil
		}
		return false, fmt.Errorf("session/load: %s", fmtRPCError(msg.Error))
	}
	return true, nil
}

func (t *WSTransport) Prompt(ctx context.Context, sessionID, text string, onChunk ChunkFunc, onToolCall ToolCallFunc) (FinalResult, error) {
	return t.rpc.prompt(ctx, sessionID, text, onChunk, onToolCall)
}

func (t *WSTransport) Cancel(sessionID string) {
	if t.rpc == nil {
		return
	}
	_ = t.rpc.notify("session/cancel", map[string]string{"sessionId": sessionID})
}

func (t *WSTransport) Stop() error {
	t.mu.Lock()
	conn := t.conn
	t.connected = false
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
