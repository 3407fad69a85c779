// Package adapter implements the Agent Adapter (C4): a uniform
// chat/chat_stream/new_chat contract over an Agent Transport (C3) and
// the Session Map Store (C2), including session create/load and
// invalidation recovery via history replay.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/kai648846760/iflow-bot/pkg/constants"
	"github.com/kai648846760/iflow-bot/pkg/logger"
	"github.com/kai648846760/iflow-bot/pkg/session"
	"github.com/kai648846760/iflow-bot/pkg/transport"
)

// Adapter presents chat/chat_stream/new_chat on top of a Transport and a
// session.Map.
type Adapter struct {
	Transport    transport.Transport
	Sessions     *session.Map
	Workspace    string
	Model        string
	ApprovalMode string
	Thinking     bool

	// createMu serializes session creation so two concurrent first-turns
	// for the same key can't race past the double-checked Sessions.Get
	// and create two sessions (spec.md §4.4 step 2).
	createMu sync.Mutex
}

// New constructs an Adapter. approvalMode defaults to "yolo" when empty.
func New(t transport.Transport, sessions *session.Map, workspace, model, approvalMode string, thinking bool) *Adapter {
	if approvalMode == "" {
		approvalMode = "yolo"
	}
	return &Adapter{
		Transport: t, Sessions: sessions, Workspace: workspace,
		Model: model, ApprovalMode: approvalMode, Thinking: thinking,
	}
}

// resolveSession implements the critical-path session resolution: fast
// path on an existing binding, else double-checked-locked creation.
func (a *Adapter) resolveSession(ctx context.Context, channel, chatID string) (string, error) {
	if id, ok := a.Sessions.Get(channel, chatID); ok {
		return id, nil
	}

	a.createMu.Lock()
	defer a.createMu.Unlock()

	if id, ok := a.Sessions.Get(channel, chatID); ok {
		return id, nil
	}
	return a.createSession(ctx, channel, chatID)
}

func (a *Adapter) createSession(ctx context.Context, channel, chatID string) (string, error) {
	id, err := a.Transport.CreateSession(ctx, a.Workspace, a.Model, a.ApprovalMode)
	if err != nil {
		return "", fmt.Errorf("create session for %s:%s: %w", channel, chatID, err)
	}
	if err := a.Sessions.Set(channel, chatID, id); err != nil {
		logger.ErrorCF("adapter", "failed to persist new session binding", map[string]interface{}{
			"channel": channel, "chat_id": chatID, "error": err.Error(),
		})
	}
	logger.InfoCF("adapter", "session created", map[string]interface{}{
		"channel": channel, "chat_id": chatID,
	})
	return id, nil
}

// NewChat discards any existing binding for (channel, chatID) and
// creates a fresh session, returning its id.
func (a *Adapter) NewChat(ctx context.Context, channel, chatID string) (string, error) {
	a.Sessions.Clear(channel, chatID)
	a.createMu.Lock()
	defer a.createMu.Unlock()
	return a.createSession(ctx, channel, chatID)
}

// invalidRequestClass reports whether err's message names an
// "Invalid request"-class failure from the agent.
func invalidRequestClass(err error) bool {
	if err == nil {
		return false
	}
	return containsFold(err.Error(), constants.InvalidRequestMarker)
}

// needsRecovery reports whether a prompt outcome (err, or a StopError
// result) names an Invalid-request-class failure.
func needsRecovery(result transport.FinalResult, err error) bool {
	if err != nil {
		return invalidRequestClass(err)
	}
	return result.StopReason == transport.StopError && containsFold(result.Error, constants.InvalidRequestMarker)
}

func containsFold(haystack, needle string) bool {
	hl, nl := []rune(haystack), []rune(needle)
	if len(nl) == 0 {
		return true
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

// Chat sends message for (channel, chatID), resolving or creating the
// session as needed, and recovering once from session invalidation by
// replaying extracted history into a fresh session.
func (a *Adapter) Chat(ctx context.Context, channel, chatID, message string) (string, error) {
	sessionID, err := a.resolveSession(ctx, channel, chatID)
	if err != nil {
		return "", err
	}

	result, err := a.Transport.Prompt(ctx, sessionID, message, nil, nil)
	if needsRecovery(result, err) {
		result, err = a.recoverAndRetry(ctx, channel, chatID, sessionID, message, nil, nil)
	}
	if err != nil {
		return "", err
	}
	if result.StopReason == transport.StopError {
		return "", fmt.Errorf("chat error: %s", result.Error)
	}

	return a.formatResult(result), nil
}

// ChatStream is Chat's streaming counterpart: onChunk is invoked for
// every chunk (thought or not); the returned string is the concatenation
// of non-thought chunks (falling back to result.Content if no chunks
// arrived at all).
func (a *Adapter) ChatStream(ctx context.Context, channel, chatID, message string, onChunk func(text string, isThought bool), onToolCall transport.ToolCallFunc) (string, error) {
	sessionID, err := a.resolveSession(ctx, channel, chatID)
	if err != nil {
		return "", err
	}

	var contentChunks []string
	wrappedChunk := func(text string, isThought bool) {
		if !isThought && text != "" {
			contentChunks = append(contentChunks, text)
		}
		if onChunk != nil {
			onChunk(text, isThought)
		}
	}

	result, err := a.Transport.Prompt(ctx, sessionID, message, wrappedChunk, onToolCall)
	if needsRecovery(result, err) {
		contentChunks = nil
		result, err = a.recoverAndRetry(ctx, channel, chatID, sessionID, message, wrappedChunk, onToolCall)
	}
	if err != nil {
		return "", err
	}
	if result.StopReason == transport.StopError {
		return "", fmt.Errorf("chat error: %s", result.Error)
	}

	joined := joinStrings(contentChunks)
	if joined == "" {
		joined = result.Content
	}
	return joined, nil
}

func joinStrings(parts []string) string {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if total == 0 {
		return ""
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return string(out)
}

// recoverAndRetry implements spec.md §4.4 invalidation recovery: drop the
// stale binding, extract history from its transcript, create a fresh
// session, splice the history block before the session marker (or
// prepend if absent), and retry exactly once.
func (a *Adapter) recoverAndRetry(ctx context.Context, channel, chatID, staleSessionID, message string, onChunk transport.ChunkFunc, onToolCall transport.ToolCallFunc) (transport.FinalResult, error) {
	logger.WarnCF("adapter", "session invalidated, recovering", map[string]interface{}{
		"channel": channel, "chat_id": chatID,
	})

	oldID, existed := a.Sessions.Clear(channel, chatID)
	if !existed {
		oldID = staleSessionID
	}

	history := ""
	if oldID != "" {
		history = ExtractHistory(a.Workspace, oldID, constants.MaxHistoryTurns)
	}

	a.createMu.Lock()
	newSessionID, err := a.createSession(ctx, channel, chatID)
	a.createMu.Unlock()
	if err != nil {
		return transport.FinalResult{}, fmt.Errorf("recreate session after invalidation: %w", err)
	}

	retryMessage := message
	if history != "" {
		retryMessage = spliceHistory(message, history)
		logger.InfoCF("adapter", "spliced history into retry prompt", map[string]interface{}{
			"channel": channel, "chat_id": chatID,
		})
	}

	return a.Transport.Prompt(ctx, newSessionID, retryMessage, onChunk, onToolCall)
}

// spliceHistory inserts history immediately before the last session
// marker occurrence in message, or prepends it if the marker is absent.
func spliceHistory(message, history string) string {
	idx := lastIndex(message, constants.SessionMarker)
	if idx < 0 {
		return history + "\n\n" + message
	}
	return message[:idx] + history + "\n\n" + message[idx:]
}

func lastIndex(s, sub string) int {
	if sub == "" {
		return -1
	}
	for i := len(s) - len(sub); i >= 0; i-- {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// formatResult applies spec.md §4.4's thinking-mode formatting.
func (a *Adapter) formatResult(result transport.FinalResult) string {
	if a.Thinking && result.Thought != "" {
		return fmt.Sprintf("[Thinking]\n%s\n\n[Response]\n%s", result.Thought, result.Content)
	}
	return result.Content
}
