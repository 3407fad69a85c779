// Package session implements the Session Map Store (C2): a persistent
// mapping from (channel, chat_id) to the external agent's session id.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// Map is the persistent (channel, chat_id) -> agent_session_id store.
// Mutations serialize through writeMu and rewrite the whole file; reads
// go through a lock-free copy-on-write snapshot so Get never contends
// with Set/Clear.
type Map struct {
	filePath string
	writeMu  sync.Mutex
	snapshot atomic.Pointer[map[string]string]
}

// New loads (or initializes) the session map at workspace/state/sessions.json.
func New(workspace string) (*Map, error) {
	dir := filepath.Join(workspace, "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	m := &Map{filePath: filepath.Join(dir, "sessions.json")}
	m.load()
	return m, nil
}

func (m *Map) load() {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		empty := make(map[string]string)
		m.snapshot.Store(&empty)
		return
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		logger.ErrorCF("session", "failed to parse session map, starting empty", map[string]interface{}{
			"path": m.filePath, "error": err.Error(),
		})
		parsed = make(map[string]string)
	}
	if parsed == nil {
		parsed = make(map[string]string)
	}
	m.snapshot.Store(&parsed)
}

// Get returns the bound session id for (channel, chatID), if any. Never
// blocks on the writer — it reads whatever snapshot is currently
// published.
func (m *Map) Get(channel, chatID string) (string, bool) {
	snap := *m.snapshot.Load()
	id, ok := snap[bus.Key(channel, chatID)]
	return id, ok
}

// Set binds (channel, chatID) to sessionID, replacing any prior binding,
// and persists the whole file atomically.
func (m *Map) Set(channel, chatID, sessionID string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	next := m.copySnapshot()
	next[bus.Key(channel, chatID)] = sessionID
	return m.commit(next)
}

// Clear removes the binding for (channel, chatID), returning the prior
// session id (if any) so callers can reuse it for history extraction
// during invalidation recovery.
func (m *Map) Clear(channel, chatID string) (prior string, existed bool) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	next := m.copySnapshot()
	key := bus.Key(channel, chatID)
	prior, existed = next[key]
	if !existed {
		return "", false
	}
	delete(next, key)
	if err := m.commit(next); err != nil {
		logger.ErrorCF("session", "failed to persist session map after clear", map[string]interface{}{
			"channel": channel, "chat_id": chatID, "error": err.Error(),
		})
	}
	return prior, true
}

// Snapshot returns a copy of every current (channel:chat_id) -> session_id
// binding, for inspection by the CLI's `sessions` command.
func (m *Map) Snapshot() map[string]string {
	return m.copySnapshot()
}

func (m *Map) copySnapshot() map[string]string {
	snap := *m.snapshot.Load()
	next := make(map[string]string, len(snap)+1)
	for k, v := range snap {
		next[k] = v
	}
	return next
}

// commit persists next to disk via temp-file-then-rename, then publishes
// it as the new lock-free read snapshot. Must be called with writeMu held.
func (m *Map) commit(next map[string]string) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		os.Remove(tmp)
		return err
	}
	m.snapshot.Store(&next)
	return nil
}
