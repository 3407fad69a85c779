// Package transport implements the Agent Transport (C3): three
// interchangeable ways to reach the external iflow process
// (spawned-child stdio, WebSocket, one-shot CLI). The stdio and
// WebSocket transports speak JSON-RPC 2.0 and share one request/response
// correlation and notification-demultiplexing model; the CLI transport
// has no framing.
package transport

import (
	"context"
	"encoding/json"
)

// StopReason classifies why a prompt turn ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopRefusal   StopReason = "refusal"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// ToolCall tracks one in-flight or completed tool invocation reported by
// the agent via session/update notifications.
type ToolCall struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Args    json.RawMessage `json:"args,omitempty"`
	Content string `json:"content,omitempty"`
}

// FinalResult is the outcome of one prompt call.
type FinalResult struct {
	Content    string
	Thought    string
	ToolCalls  []ToolCall
	StopReason StopReason
	Error      string
}

// ChunkFunc is invoked for each streamed fragment of the agent's
// response. isThought distinguishes agent_thought_chunk from
// agent_message_chunk notifications.
type ChunkFunc func(text string, isThought bool)

// ToolCallFunc is invoked whenever a tool_call or tool_call_update
// notification arrives for the in-flight prompt.
type ToolCallFunc func(tc ToolCall)

// AgentCapabilities is the result of the initialize handshake.
type AgentCapabilities struct {
	ProtocolVersion int             `json:"protocolVersion"`
	Raw             json.RawMessage `json:"-"`
}

// Transport is the uniform contract all three transports satisfy. The
// Agent Adapter (C4) depends only on this interface.
type Transport interface {
	// Start establishes the channel: spawns a child process, opens a
	// WebSocket, or (for the CLI transport) is a no-op.
	Start(ctx context.Context) error

	// Initialize performs the JSON-RPC `initialize` handshake. Must
	// complete before any session call.
	Initialize(ctx context.Context) (AgentCapabilities, error)

	// Authenticate is optional; transports that don't need it return
	// (true, nil) unconditionally.
	Authenticate(ctx context.Context, methodID string) (bool, error)

	// CreateSession sends session/new, optionally followed by
	// session/set_model (falling back to session/set_config_option).
	CreateSession(ctx context.Context, cwd, model, approvalMode string) (sessionID string, err error)

	// LoadSession sends session/load. Returns false (no error) on an
	// Invalid-request-class failure so the adapter can treat the
	// session as gone rather than as a hard error.
	LoadSession(ctx context.Context, sessionID, cwd string) (bool, error)

	// Prompt sends session/prompt and interleaves session/update
	// notifications until the correlated response arrives or ctx is
	// done.
	Prompt(ctx context.Context, sessionID, text string, onChunk ChunkFunc, onToolCall ToolCallFunc) (FinalResult, error)

	// Cancel sends session/cancel as a fire-and-forget notification.
	Cancel(sessionID string)

	// Stop terminates the transport, forcibly killing any child
	// process after constants.ChildProcessKillGrace.
	Stop() error

	// Connected reports whether the transport believes it has a live
	// channel to the agent.
	Connected() bool
}
